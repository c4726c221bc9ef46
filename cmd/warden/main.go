package main

import (
	"fmt"
	"os"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "supervise":
		superviseCmd(os.Args[2:])
	case "orchestrate":
		orchestrateCmd(os.Args[2:])
	case "subagent":
		subagentCmd(os.Args[2:])
	case "worker":
		workerCmd(os.Args[2:])
	case "goal":
		goalCmd(os.Args[2:])
	case "version":
		fmt.Printf("warden %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `warden

Usage:
  warden run [flags]
  warden supervise --goal <id> --phase <plan|execute> [flags]
  warden orchestrate [flags]
  warden subagent --task <text> [--context <text>] [flags]
  warden worker --queue <name> [--role <role>] [flags]
  warden goal <create|list|show> [flags]
  warden version

Commands:
  run          Interactive agent with delegation and approval gating.
  supervise    Drive one goal through a planning or execution phase.
  orchestrate  Keep a supervisor process alive per goal that needs one.
  subagent     Run a single delegated task (spawned by a parent agent).
  worker       Drain a work queue, one LLM conversation per item.
  goal         Manage goals: create, list, show.
  version      Print build information.

`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
