package main

import (
	"flag"
	"os"
	"time"

	"github.com/wardenhq/warden/internal/auditlog"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/gate"
	"github.com/wardenhq/warden/internal/goap"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/subagent"
	"github.com/wardenhq/warden/internal/supervisor"
)

const supervisorSystemPrompt = `You are a goal supervisor agent. You own one goal end to end: plan it into
actions, dispatch work to worker agents, verify their results, and track
progress against the goal's acceptance criteria.

You interact with the world only through your tools. Be precise with world
state: assert a key only after you have verified the underlying claim.
Workers report back through agent messages; treat their reports as claims to
verify, not facts.`

func superviseCmd(args []string) {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	goalID := fs.String("goal", "", "Goal id to supervise")
	phaseFlag := fs.String("phase", "", "Supervision phase: plan|execute")
	_ = fs.Parse(args)

	if *goalID == "" {
		fs.Usage()
		os.Exit(2)
	}
	phase, err := supervisor.ParsePhase(*phaseFlag)
	if err != nil {
		fatal("%v", err)
	}

	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	log := a.log.With("goal", *goalID)

	st, err := a.openStore()
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	msgs, err := notify.Open(a.messagesDBPath())
	if err != nil {
		fatal("open message store: %v", err)
	}
	defer msgs.Close()

	agentID := notify.SupervisorAgentID(*goalID)
	poller, err := notify.NewPoller(msgs, agentID,
		time.Duration(a.cfg.MessagePollIntervalMS)*time.Millisecond)
	if err != nil {
		fatal("start poller: %v", err)
	}
	poller.Start()
	defer poller.Close()

	launcher, err := newSelfLauncher(log, a.cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	engine, err := goap.NewEngine(goap.EngineOptions{
		Logger:      log,
		Goals:       st.Goals(),
		Actions:     st.Actions(),
		QueueDBPath: a.queueDBPath(),
		Launcher:    launcher,
		WorkerCap:   a.cfg.WorkerCapacityPerGoal,
	})
	if err != nil {
		fatal("init planning engine: %v", err)
	}

	policy, err := gate.LoadPolicy(a.cfg.ResolvedPolicyPath())
	if err != nil {
		fatal("load policy: %v", err)
	}
	audit, err := auditlog.New(auditlog.Options{StateDir: a.stateDir, Logger: log})
	if err != nil {
		fatal("open audit log: %v", err)
	}
	// Supervisors run headless: gated calls that the policy does not decide
	// are denied, never prompted.
	approvalGate := gate.New(policy, &gate.TerminalPrompter{})

	manager, err := subagent.NewManager(subagent.Options{
		Logger:            log,
		MaxSubagents:      a.cfg.MaxSubagents,
		Timeout:           time.Duration(a.cfg.SubagentTimeoutSeconds) * time.Second,
		Gate:              approvalGate,
		Audit:             audit,
		ParentEnv:         []string{envParentAgentID + "=" + agentID},
		IsSubagentProcess: false,
	})
	if err != nil {
		fatal("init subagent manager: %v", err)
	}
	defer manager.Cleanup()

	runner, err := a.newRunner()
	if err != nil {
		fatal("%v", err)
	}
	tools := goapTools(engine)
	tools = append(tools, subagentTools(manager)...)
	tools = append(tools, messagingTools(msgs, agentID)...)
	sess, err := session.New(session.Options{
		Logger:       log,
		Runner:       runner,
		Model:        a.cfg.Model,
		SystemPrompt: supervisorSystemPrompt,
		Tools:        tools,
	})
	if err != nil {
		fatal("init session: %v", err)
	}

	sup, err := supervisor.New(supervisor.Options{
		Logger:      log,
		Goals:       st.Goals(),
		Actions:     st.Actions(),
		QueueDBPath: a.queueDBPath(),
		Session:     sess,
		Manager:     manager,
		Poller:      poller,
		Messages:    msgs,
		AgentID:     agentID,
	})
	if err != nil {
		fatal("init supervisor: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	outcome, err := sup.Run(ctx, *goalID, phase)
	switch outcome {
	case supervisor.OutcomeComplete, supervisor.OutcomeShutdown, supervisor.OutcomeContextExhausted:
		log.Info("supervision finished", "outcome", string(outcome))
	default:
		fatal("supervision failed: %v", err)
	}
}
