package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/gate"
	"github.com/wardenhq/warden/internal/identity"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/session"
)

const subagentSystemPrompt = `You are a delegated child agent. Complete the single task you were given and
report the outcome as your final message. Your tool calls may require your
parent agent's approval; a denied call is a constraint, work around it or
report why the task cannot proceed.`

func subagentCmd(args []string) {
	fs := flag.NewFlagSet("subagent", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	task := fs.String("task", "", "Task to perform")
	taskContext := fs.String("context", "", "Background for the task")
	_ = fs.Parse(args)

	if *task == "" {
		fs.Usage()
		os.Exit(2)
	}

	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}

	id := identity.FromEnv(os.Getenv(envParentAgentID))
	log := a.log.With("agent", id.ShortID(), "component", "subagent")

	// The approval channel descriptors arrive through the environment when a
	// parent spawned us. Without them we run standalone and ungated.
	channel := approval.ChildFromEnv()
	if channel != nil {
		defer channel.Close()
	}

	msgs, err := notify.Open(a.messagesDBPath())
	if err != nil {
		fatal("open message store: %v", err)
	}
	defer msgs.Close()

	runner, err := a.newRunner()
	if err != nil {
		fatal("%v", err)
	}
	tools := messagingTools(msgs, id.AgentID())
	if channel != nil {
		tools = approvalGated(channel, tools)
	}
	sess, err := session.New(session.Options{
		Logger:       log,
		Runner:       runner,
		Model:        a.cfg.Model,
		SystemPrompt: subagentSystemPrompt,
		Tools:        tools,
	})
	if err != nil {
		fatal("init session: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	message := *task
	if *taskContext != "" {
		message = fmt.Sprintf("Context: %s\n\nTask: %s", *taskContext, *task)
	}
	if err := sess.ProcessMessage(ctx, message); err != nil {
		fatal("task failed: %v", err)
	}
	fmt.Println(sess.LastText())
}

// approvalGated wraps every tool so its execution waits on the parent's
// verdict. Anything short of an allow is reported to the model as a tool
// error, never executed.
func approvalGated(channel *approval.ChildChannel, tools []session.Tool) []session.Tool {
	gated := make([]session.Tool, len(tools))
	for i, tool := range tools {
		inner := tool.Handler
		name := tool.Def.Name
		gated[i] = session.Tool{
			Def: tool.Def,
			Handler: func(ctx context.Context, argsJSON string) (string, error) {
				verdict := channel.RequestApproval(gate.ToolCall{Name: name, Arguments: argsJSON})
				if !verdict.Allows() {
					return "", fmt.Errorf("tool call %s by parent agent (%s)", deniedWord(verdict), verdict)
				}
				return inner(ctx, argsJSON)
			},
		}
	}
	return gated
}

func deniedWord(v gate.Verdict) string {
	if v == gate.VerdictAborted {
		return "aborted"
	}
	return "denied"
}
