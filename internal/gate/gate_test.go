package gate

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type scriptedPrompter struct {
	verdicts []Verdict
	calls    int
}

func (s *scriptedPrompter) Prompt(call ToolCall) Verdict {
	if s.calls >= len(s.verdicts) {
		return VerdictDenied
	}
	v := s.verdicts[s.calls]
	s.calls++
	return v
}

func boolPtr(b bool) *bool { return &b }

func TestCategoryForClassifiesTools(t *testing.T) {
	tests := []struct {
		tool string
		want Category
	}{
		{"shell", CategoryShell},
		{"write_file", CategoryFileWrite},
		{"read_file", CategoryFileRead},
		{"web_fetch", CategoryNetwork},
		{"subagent", CategorySubagent},
		{"ext_jira_create", CategoryExtension},
		{"mystery_tool", CategoryUnknown},
	}
	for _, tt := range tests {
		if got := CategoryFor(tt.tool); got != tt.want {
			t.Errorf("CategoryFor(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestMatchArgExtractsPerCategory(t *testing.T) {
	tests := []struct {
		name string
		call ToolCall
		want string
	}{
		{"shell command", ToolCall{Name: "shell", Arguments: `{"command":"git status"}`}, "git status"},
		{"file path", ToolCall{Name: "write_file", Arguments: `{"path":"/tmp/x","content":"hi"}`}, "/tmp/x"},
		{"url", ToolCall{Name: "web_fetch", Arguments: `{"url":"https://example.com"}`}, "https://example.com"},
		{"malformed json falls through", ToolCall{Name: "shell", Arguments: `not-json`}, "not-json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchArg(tt.call); got != tt.want {
				t.Fatalf("MatchArg() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluateCategoryActions(t *testing.T) {
	g := New(&Policy{Categories: map[string]string{
		"file_read": "allow",
		"network":   "deny",
	}}, nil)

	if v := g.Evaluate(ToolCall{Name: "read_file", Arguments: `{"path":"/x"}`}); v != VerdictAllowed {
		t.Fatalf("allow category verdict = %q, want allowed", v)
	}
	if v := g.Evaluate(ToolCall{Name: "web_fetch", Arguments: `{"url":"https://x"}`}); v != VerdictDenied {
		t.Fatalf("deny category verdict = %q, want denied", v)
	}
}

func TestEvaluateAllowlistSkipsPrompt(t *testing.T) {
	p := &scriptedPrompter{verdicts: []Verdict{VerdictDenied}}
	g := New(&Policy{Allowlist: []AllowRule{{Tool: "shell", Pattern: "^git (status|log)"}}}, p)

	if v := g.Evaluate(ToolCall{Name: "shell", Arguments: `{"command":"git status"}`}); v != VerdictAllowed {
		t.Fatalf("allowlisted verdict = %q, want allowed", v)
	}
	if p.calls != 0 {
		t.Fatalf("prompter called %d times for allowlisted call, want 0", p.calls)
	}
}

func TestEvaluateNonInteractiveDeniesGatedCalls(t *testing.T) {
	g := New(&Policy{}, nil)
	if v := g.Evaluate(ToolCall{Name: "shell", Arguments: `{"command":"rm -rf /"}`}); v != VerdictNonInteractiveDenied {
		t.Fatalf("verdict = %q, want non_interactive_denied", v)
	}
}

func TestAllowedAlwaysExtendsSessionAllowlist(t *testing.T) {
	p := &scriptedPrompter{verdicts: []Verdict{VerdictAllowedAlways, VerdictDenied}}
	g := New(&Policy{}, p)

	call := ToolCall{Name: "shell", Arguments: `{"command":"make test"}`}
	if v := g.Evaluate(call); v != VerdictAllowedAlways {
		t.Fatalf("first verdict = %q, want allowed_always", v)
	}
	// Identical call now matches the session rule without prompting.
	if v := g.Evaluate(call); v != VerdictAllowed {
		t.Fatalf("second verdict = %q, want allowed", v)
	}
	if p.calls != 1 {
		t.Fatalf("prompter called %d times, want 1", p.calls)
	}
}

func TestRepeatedDenialsRateLimit(t *testing.T) {
	p := &scriptedPrompter{verdicts: []Verdict{VerdictDenied, VerdictDenied, VerdictDenied}}
	g := New(&Policy{}, p)
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	call := ToolCall{Name: "shell", Arguments: `{"command":"dd"}`}
	for i := 0; i < 3; i++ {
		if v := g.Evaluate(call); v != VerdictDenied {
			t.Fatalf("denial %d verdict = %q, want denied", i+1, v)
		}
	}
	// Third denial puts the tool into a 5s backoff window.
	now = now.Add(2 * time.Second)
	if v := g.Evaluate(call); v != VerdictRateLimited {
		t.Fatalf("verdict inside backoff = %q, want rate_limited", v)
	}
	now = now.Add(10 * time.Second)
	if v := g.Evaluate(call); v == VerdictRateLimited {
		t.Fatal("verdict after backoff expired is still rate_limited")
	}
}

func TestDisabledGateAllowsEverything(t *testing.T) {
	g := New(&Policy{Enabled: boolPtr(false)}, nil)
	if v := g.Evaluate(ToolCall{Name: "shell", Arguments: `{"command":"anything"}`}); v != VerdictAllowed {
		t.Fatalf("disabled gate verdict = %q, want allowed", v)
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p == nil || len(p.Categories) != 0 {
		t.Fatalf("LoadPolicy() = %+v, want empty policy", p)
	}
}

func TestLoadPolicyRejectsBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := strings.Join([]string{
		"allowlist:",
		`  - tool: shell`,
		`    pattern: "["`,
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("LoadPolicy() = nil error, want bad-pattern failure")
	}
}

func TestTerminalPrompterNonInteractive(t *testing.T) {
	p := &TerminalPrompter{IsTerminal: func() bool { return false }}
	if v := p.Prompt(ToolCall{Name: "shell"}); v != VerdictNonInteractiveDenied {
		t.Fatalf("Prompt() = %q, want non_interactive_denied", v)
	}
}

func TestTerminalPrompterReadsVerdicts(t *testing.T) {
	tests := []struct {
		input string
		want  Verdict
	}{
		{"y\n", VerdictAllowed},
		{"a\n", VerdictAllowedAlways},
		{"n\n", VerdictDenied},
		{"q\n", VerdictAborted},
		{"garbage\n", VerdictDenied},
	}
	for _, tt := range tests {
		p := &TerminalPrompter{
			In:         strings.NewReader(tt.input),
			Out:        io.Discard,
			IsTerminal: func() bool { return true },
		}
		if v := p.Prompt(ToolCall{Name: "shell", Arguments: `{"command":"ls"}`}); v != tt.want {
			t.Errorf("Prompt(%q) = %q, want %q", strings.TrimSpace(tt.input), v, tt.want)
		}
	}
}
