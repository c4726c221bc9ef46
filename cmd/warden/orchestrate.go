package main

import (
	"errors"
	"flag"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/lockfile"
	"github.com/wardenhq/warden/internal/orchestrator"
)

func orchestrateCmd(args []string) {
	fs := flag.NewFlagSet("orchestrate", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	interval := fs.Duration("interval", 5*time.Second, "Reap/respawn cycle interval")
	_ = fs.Parse(args)

	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}

	// One orchestrator per state directory.
	lock, err := lockfile.Acquire(a.lockPath())
	if errors.Is(err, lockfile.ErrAlreadyLocked) {
		fatal("another orchestrator (pid %d) is already running for %s",
			lockfile.HolderPID(a.lockPath()), a.stateDir)
	}
	if err != nil {
		fatal("acquire lock: %v", err)
	}
	defer lock.Release()

	st, err := a.openStore()
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	o, err := orchestrator.New(orchestrator.Options{
		Logger:       a.log,
		Goals:        st.Goals(),
		ExtraArgs:    []string{"--config", a.cfgPath},
		PollInterval: *interval,
	})
	if err != nil {
		fatal("init orchestrator: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := o.Run(ctx); err != nil {
		fatal("orchestrator exited: %v", err)
	}
}
