package main

import (
	"flag"
	"os"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/identity"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/worker"
	"github.com/wardenhq/warden/internal/workqueue"
)

func workerCmd(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	queueName := fs.String("queue", "", "Work queue to drain")
	role := fs.String("role", "", "Worker role (selects the system prompt)")
	_ = fs.Parse(args)

	if *queueName == "" {
		fs.Usage()
		os.Exit(2)
	}

	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}

	id := identity.New()
	log := a.log.With("component", "worker", "worker", id.ShortID())

	q, err := workqueue.Open(a.queueDBPath(), *queueName)
	if err != nil {
		fatal("open queue: %v", err)
	}
	defer q.Close()

	msgs, err := notify.Open(a.messagesDBPath())
	if err != nil {
		fatal("open message store: %v", err)
	}
	defer msgs.Close()

	runner, err := a.newRunner()
	if err != nil {
		fatal("%v", err)
	}
	systemPrompt := worker.LoadPrompt(a.promptsDir(), *role)

	w, err := worker.New(worker.Options{
		Logger:   log,
		Queue:    q,
		WorkerID: id.AgentID(),
		NewConversation: func() (worker.Conversation, error) {
			return session.New(session.Options{
				Logger:       log,
				Runner:       runner,
				Model:        a.cfg.Model,
				SystemPrompt: systemPrompt,
				Tools:        messagingTools(msgs, id.AgentID()),
			})
		},
		Messages: msgs,
	})
	if err != nil {
		fatal("init worker: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := w.Run(ctx)
	if err != nil {
		fatal("worker aborted: %v", err)
	}
	if stats.Failed > 0 {
		os.Exit(1)
	}
}
