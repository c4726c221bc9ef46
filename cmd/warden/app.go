package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/goap"
	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/store"
)

// envParentAgentID carries the parent's agent id into delegated children.
const envParentAgentID = "WARDEN_PARENT_AGENT_ID"

// app bundles the wiring every mode shares: config, logger, and the paths
// under the state directory.
type app struct {
	cfg      *config.Config
	cfgPath  string
	log      *slog.Logger
	stateDir string
}

func newApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	stateDir := cfg.ResolvedStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &app{cfg: cfg, cfgPath: cfgPath, log: logger, stateDir: stateDir}, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func (a *app) stateDBPath() string    { return filepath.Join(a.stateDir, "state.db") }
func (a *app) queueDBPath() string    { return filepath.Join(a.stateDir, "queue.db") }
func (a *app) messagesDBPath() string { return filepath.Join(a.stateDir, "messages.db") }
func (a *app) promptsDir() string     { return filepath.Join(a.stateDir, "prompts") }
func (a *app) lockPath() string       { return filepath.Join(a.stateDir, "orchestrator.lock") }

func (a *app) openStore() (*store.Store, error) {
	return store.Open(a.stateDBPath())
}

// newRunner builds the configured provider backend. The API key comes from
// the env var the config names, falling back to the provider's default.
func (a *app) newRunner() (llm.TurnRunner, error) {
	keyEnv := a.cfg.APIKeyEnv
	switch a.cfg.Provider {
	case "anthropic":
		if keyEnv == "" {
			keyEnv = "ANTHROPIC_API_KEY"
		}
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("missing API key: set %s", keyEnv)
		}
		return llm.NewAnthropicRunner(key), nil
	case "openai":
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("missing API key: set %s", keyEnv)
		}
		return llm.NewOpenAIRunner(key), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", a.cfg.Provider)
	}
}

// goapTools adapts the planning engine's tool surface to the session layer.
func goapTools(engine *goap.Engine) []session.Tool {
	specs := engine.ToolSpecs()
	tools := make([]session.Tool, 0, len(specs))
	for _, spec := range specs {
		name := spec.Name
		tools = append(tools, session.Tool{
			Def: llm.ToolDef{
				Name:        spec.Name,
				Description: spec.Description,
				InputSchema: spec.Schema,
			},
			Handler: func(_ context.Context, argsJSON string) (string, error) {
				return engine.HandleToolCall(name, argsJSON)
			},
		})
	}
	return tools
}

// selfLauncher spawns worker processes by re-executing this binary. Workers
// detach into their own process group; a reaper goroutine collects each exit
// so nothing zombifies.
type selfLauncher struct {
	log     *slog.Logger
	self    string
	cfgPath string
}

func newSelfLauncher(log *slog.Logger, cfgPath string) (*selfLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary: %w", err)
	}
	return &selfLauncher{log: log, self: exe, cfgPath: cfgPath}, nil
}

func (l *selfLauncher) Launch(queueName, role string) error {
	args := []string{"worker", "--queue", queueName, "--config", l.cfgPath}
	if role != "" {
		args = append(args, "--role", role)
	}
	cmd := exec.Command(l.self, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch worker: %w", err)
	}
	l.log.Info("worker launched",
		slog.String("queue", queueName),
		slog.String("role", role),
		slog.Int("pid", cmd.Process.Pid),
	)
	go func() { _ = cmd.Wait() }()
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx, cancel
}
