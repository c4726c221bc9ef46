// Package gate decides whether a tool invocation may proceed. Decisions come
// from three layers, checked in order: denial-rate backoff, category policy
// (allow / gate / deny, plus allowlist patterns), and finally an interactive
// prompt when a terminal is available.
package gate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Verdict is the result of one approval check.
type Verdict string

const (
	VerdictAllowed              Verdict = "allowed"
	VerdictDenied               Verdict = "denied"
	VerdictAllowedAlways        Verdict = "allowed_always"
	VerdictRateLimited          Verdict = "rate_limited"
	VerdictNonInteractiveDenied Verdict = "non_interactive_denied"
	VerdictAborted              Verdict = "aborted"
)

// Allows reports whether the verdict permits execution.
func (v Verdict) Allows() bool {
	return v == VerdictAllowed || v == VerdictAllowedAlways
}

// ToolCall is the unit the gate evaluates. Arguments is the raw JSON object
// the model produced.
type ToolCall struct {
	Name      string
	Arguments string
}

// Category groups tools for policy purposes.
type Category string

const (
	CategoryFileWrite Category = "file_write"
	CategoryFileRead  Category = "file_read"
	CategoryShell     Category = "shell"
	CategoryNetwork   Category = "network"
	CategoryMemory    Category = "memory"
	CategorySubagent  Category = "subagent"
	CategoryExtension Category = "extension"
	CategoryUnknown   Category = "unknown"
)

// Action is what the policy does with a category.
type Action string

const (
	ActionAllow Action = "allow"
	ActionGate  Action = "gate"
	ActionDeny  Action = "deny"
)

var toolCategories = map[string]Category{
	"write_file":  CategoryFileWrite,
	"append_file": CategoryFileWrite,
	"apply_delta": CategoryFileWrite,

	"read_file":    CategoryFileRead,
	"file_info":    CategoryFileRead,
	"list_dir":     CategoryFileRead,
	"search_files": CategoryFileRead,

	"shell": CategoryShell,

	"web_fetch":  CategoryNetwork,
	"web_search": CategoryNetwork,

	"remember":        CategoryMemory,
	"recall_memories": CategoryMemory,
	"forget_memory":   CategoryMemory,
	"todo":            CategoryMemory,

	"subagent":        CategorySubagent,
	"subagent_status": CategorySubagent,
}

// CategoryFor classifies a tool by name. Extension tools (ext_ prefix) get
// their own category so the policy can gate them wholesale.
func CategoryFor(tool string) Category {
	if IsExtensionTool(tool) {
		return CategoryExtension
	}
	if c, ok := toolCategories[strings.TrimSpace(tool)]; ok {
		return c
	}
	return CategoryUnknown
}

// IsExtensionTool reports whether the tool comes from an external extension
// rather than the builtin set.
func IsExtensionTool(tool string) bool {
	return strings.HasPrefix(strings.TrimSpace(tool), "ext_")
}

// MatchArg extracts the argument the allowlist matches against: the command
// for shell, the path for file tools, the url for network tools, and the
// whole argument blob otherwise.
func MatchArg(call ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return call.Arguments
	}
	pick := func(key string) (string, bool) {
		v, ok := args[key].(string)
		return v, ok && v != ""
	}
	switch CategoryFor(call.Name) {
	case CategoryShell:
		if s, ok := pick("command"); ok {
			return s
		}
	case CategoryFileWrite, CategoryFileRead:
		if s, ok := pick("path"); ok {
			return s
		}
	case CategoryNetwork:
		if s, ok := pick("url"); ok {
			return s
		}
	}
	return call.Arguments
}

// DisplaySummary renders a short human-readable line for prompts and audit
// entries: "shell: git status", "write_file: /etc/hosts".
func DisplaySummary(call ToolCall) string {
	arg := MatchArg(call)
	if len(arg) > 120 {
		arg = arg[:117] + "..."
	}
	if strings.TrimSpace(arg) == "" {
		return call.Name
	}
	return fmt.Sprintf("%s: %s", call.Name, arg)
}

// Backoff schedule after consecutive denials of the same tool.
var denialBackoff = []time.Duration{
	0, 0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

type denialTracker struct {
	count      int
	lastDenial time.Time
}

type allowRule struct {
	tool    string
	pattern *regexp.Regexp
}

// Prompter resolves a gated call interactively. Implementations return
// VerdictNonInteractiveDenied when no terminal is available.
type Prompter interface {
	Prompt(call ToolCall) Verdict
}

// Gate evaluates tool calls against the loaded policy. A single Gate serves
// both the parent's own tool calls and proxied subagent requests, so its
// mutable state (session allowlist, denial trackers) is mutex-guarded.
type Gate struct {
	mu       sync.Mutex
	enabled  bool
	actions  map[Category]Action
	rules    []allowRule
	denials  map[string]*denialTracker
	prompter Prompter
	now      func() time.Time
}

// New builds a gate from a policy. A nil prompter means every gated call is
// resolved non-interactively (denied).
func New(p *Policy, prompter Prompter) *Gate {
	g := &Gate{
		enabled:  true,
		actions:  defaultActions(),
		denials:  make(map[string]*denialTracker),
		prompter: prompter,
		now:      time.Now,
	}
	if p != nil {
		g.enabled = p.Enabled == nil || *p.Enabled
		for cat, act := range p.Categories {
			g.actions[Category(cat)] = Action(act)
		}
		for _, r := range p.Allowlist {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				continue // a bad pattern must not widen the allowlist
			}
			g.rules = append(g.rules, allowRule{tool: r.Tool, pattern: re})
		}
	}
	return g
}

func defaultActions() map[Category]Action {
	return map[Category]Action{
		CategoryFileWrite: ActionGate,
		CategoryFileRead:  ActionAllow,
		CategoryShell:     ActionGate,
		CategoryNetwork:   ActionGate,
		CategoryMemory:    ActionAllow,
		CategorySubagent:  ActionGate,
		CategoryExtension: ActionGate,
		CategoryUnknown:   ActionGate,
	}
}

// Evaluate runs the full decision chain for one tool call.
func (g *Gate) Evaluate(call ToolCall) Verdict {
	if g == nil {
		return VerdictDenied
	}

	g.mu.Lock()
	if !g.enabled {
		g.mu.Unlock()
		return VerdictAllowed
	}
	if g.rateLimitedLocked(call.Name) {
		g.mu.Unlock()
		return VerdictRateLimited
	}

	action := g.actions[CategoryFor(call.Name)]
	switch action {
	case ActionAllow:
		g.mu.Unlock()
		return VerdictAllowed
	case ActionDeny:
		g.trackDenialLocked(call.Name)
		g.mu.Unlock()
		return VerdictDenied
	}

	if g.matchesAllowlistLocked(call) {
		g.mu.Unlock()
		return VerdictAllowed
	}
	g.mu.Unlock()

	verdict := VerdictNonInteractiveDenied
	if g.prompter != nil {
		verdict = g.prompter.Prompt(call)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	switch verdict {
	case VerdictAllowed:
		delete(g.denials, call.Name)
	case VerdictAllowedAlways:
		delete(g.denials, call.Name)
		g.addSessionRuleLocked(call)
	case VerdictDenied, VerdictNonInteractiveDenied:
		g.trackDenialLocked(call.Name)
	}
	return verdict
}

func (g *Gate) matchesAllowlistLocked(call ToolCall) bool {
	arg := MatchArg(call)
	for _, r := range g.rules {
		if r.tool != call.Name {
			continue
		}
		if r.pattern.MatchString(arg) {
			return true
		}
	}
	return false
}

// addSessionRuleLocked turns an allowed-always decision into an exact-match
// allowlist rule for the rest of the session.
func (g *Gate) addSessionRuleLocked(call ToolCall) {
	pattern := "^" + regexp.QuoteMeta(MatchArg(call)) + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	g.rules = append(g.rules, allowRule{tool: call.Name, pattern: re})
}

func (g *Gate) rateLimitedLocked(tool string) bool {
	t, ok := g.denials[tool]
	if !ok || t.count == 0 {
		return false
	}
	idx := t.count - 1
	if idx >= len(denialBackoff) {
		idx = len(denialBackoff) - 1
	}
	return g.now().Sub(t.lastDenial) < denialBackoff[idx]
}

func (g *Gate) trackDenialLocked(tool string) {
	t, ok := g.denials[tool]
	if !ok {
		t = &denialTracker{}
		g.denials[tool] = t
	}
	t.count++
	t.lastDenial = g.now()
}
