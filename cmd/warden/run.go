package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wardenhq/warden/internal/auditlog"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/gate"
	"github.com/wardenhq/warden/internal/identity"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/subagent"
)

const interactiveSystemPrompt = `You are a capable assistant agent. You can delegate independent subtasks to
child agents with the subagent tool and check on them with subagent_status.
Delegate when work can proceed in parallel; do the rest yourself. Report
results clearly and say what you delegated.`

// idleWaitMS is how long one readiness wait lasts between input checks, so
// subagent exits and approval requests surface while the operator thinks.
const idleWaitMS = 500

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}

	id := identity.New()
	log := a.log.With("agent", id.ShortID())

	msgs, err := notify.Open(a.messagesDBPath())
	if err != nil {
		fatal("open message store: %v", err)
	}
	defer msgs.Close()

	policy, err := gate.LoadPolicy(a.cfg.ResolvedPolicyPath())
	if err != nil {
		fatal("load policy: %v", err)
	}
	audit, err := auditlog.New(auditlog.Options{StateDir: a.stateDir, Logger: log})
	if err != nil {
		fatal("open audit log: %v", err)
	}
	approvalGate := gate.New(policy, &gate.TerminalPrompter{})

	manager, err := subagent.NewManager(subagent.Options{
		Logger:       log,
		MaxSubagents: a.cfg.MaxSubagents,
		Timeout:      time.Duration(a.cfg.SubagentTimeoutSeconds) * time.Second,
		Gate:         approvalGate,
		Audit:        audit,
		ParentEnv:    []string{envParentAgentID + "=" + id.AgentID()},
	})
	if err != nil {
		fatal("init subagent manager: %v", err)
	}
	defer manager.Cleanup()

	runner, err := a.newRunner()
	if err != nil {
		fatal("%v", err)
	}
	tools := subagentTools(manager)
	tools = append(tools, messagingTools(msgs, id.AgentID())...)
	sess, err := session.New(session.Options{
		Logger:       log,
		Runner:       runner,
		Model:        a.cfg.Model,
		SystemPrompt: interactiveSystemPrompt,
		Tools:        tools,
	})
	if err != nil {
		fatal("init session: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("warden %s, model %s. Type a message, or \"exit\".\n", Version, a.cfg.Model)
	reader := bufio.NewReader(os.Stdin)
	announced := make(map[string]bool)
	for {
		fmt.Print("> ")
		line, ok := readLineServicing(reader, manager, announced)
		if !ok || ctx.Err() != nil {
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		if err := sess.ProcessMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		// Surface child state changes that happened during the turn.
		if n := manager.PollAll(); n > 0 {
			reportFinished(manager, announced)
		}
		fmt.Println(sess.LastText())
	}
}

// readLineServicing blocks on stdin while keeping the subagent collection
// alive: between readiness checks it reaps exits and answers approval
// requests, so children are never stuck behind an idle prompt.
func readLineServicing(reader *bufio.Reader, manager *subagent.Manager, announced map[string]bool) (string, bool) {
	stdinFD := int(os.Stdin.Fd())
	for {
		fds := []unix.PollFd{{Fd: int32(stdinFD), Events: unix.POLLIN}}
		reqFDs, indexes := manager.ApprovalRequestFDs()
		for _, fd := range reqFDs {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, idleWaitMS)
		if err != nil && err != unix.EINTR {
			return "", false
		}
		if n > 0 {
			for i := 1; i < len(fds); i++ {
				if fds[i].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
					_ = manager.HandleApprovalRequest(indexes[i-1])
				}
			}
			if fds[0].Revents&unix.POLLIN != 0 {
				line, err := reader.ReadString('\n')
				if err != nil {
					return "", false
				}
				return line, true
			}
		}
		if changed := manager.PollAll(); changed > 0 {
			reportFinished(manager, announced)
			fmt.Print("> ")
		}
	}
}

func reportFinished(manager *subagent.Manager, announced map[string]bool) {
	for _, s := range manager.Subagents() {
		if announced[s.ID] {
			continue
		}
		switch s.Status {
		case subagent.StatusCompleted:
			fmt.Printf("\n[subagent %s completed] %s\n", s.ShortID(), firstLine(s.Result))
		case subagent.StatusFailed, subagent.StatusTimeout:
			fmt.Printf("\n[subagent %s %s] %s\n", s.ShortID(), s.Status, firstLine(s.Error))
		default:
			continue
		}
		announced[s.ID] = true
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
