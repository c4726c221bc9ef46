package gate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// TerminalPrompter asks the operator on stderr and reads one line from
// stdin. Without a terminal it returns VerdictNonInteractiveDenied so
// unattended runs fail closed instead of hanging.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer

	// IsTerminal overrides TTY detection in tests.
	IsTerminal func() bool

	// RequesterTag is prepended to the prompt when proxying for a child
	// (e.g. "subagent 3fa1b2c4").
	RequesterTag string
}

func (p *TerminalPrompter) Prompt(call ToolCall) Verdict {
	if p == nil {
		return VerdictNonInteractiveDenied
	}
	isTTY := p.IsTerminal
	if isTTY == nil {
		isTTY = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	}
	if !isTTY() {
		return VerdictNonInteractiveDenied
	}

	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stderr
	}

	title := "Approval required"
	if strings.TrimSpace(p.RequesterTag) != "" {
		title = fmt.Sprintf("Approval required (%s)", p.RequesterTag)
	}

	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)
	fmt.Fprintln(out)
	bold.Fprintln(out, title)
	yellow.Fprintf(out, "  Tool: %s\n", call.Name)
	yellow.Fprintf(out, "  %s\n", DisplaySummary(call))
	fmt.Fprint(out, "  [y] allow  [n] deny  [a] allow always  [q] abort\n> ")

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil {
		return VerdictAborted
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return VerdictAllowed
	case "a", "always":
		return VerdictAllowedAlways
	case "q", "quit", "abort":
		return VerdictAborted
	default:
		return VerdictDenied
	}
}
