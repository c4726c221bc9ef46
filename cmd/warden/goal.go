package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/goap"
	"github.com/wardenhq/warden/internal/store"
)

func goalCmd(args []string) {
	if len(args) < 1 {
		goalUsage()
		os.Exit(2)
	}
	switch args[0] {
	case "create":
		goalCreateCmd(args[1:])
	case "list":
		goalListCmd(args[1:])
	case "show":
		goalShowCmd(args[1:])
	default:
		goalUsage()
		os.Exit(2)
	}
}

func goalUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  warden goal create --name <name> [--description <text>] [--goal-state <json>]
  warden goal list [--status <status>]
  warden goal show --goal <id>
`)
}

func goalCreateCmd(args []string) {
	fs := flag.NewFlagSet("goal create", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	name := fs.String("name", "", "Goal name")
	description := fs.String("description", "", "Goal description")
	goalState := fs.String("goal-state", "{}", "Acceptance criteria as a JSON object of boolean assertions")
	_ = fs.Parse(args)

	if *name == "" {
		fs.Usage()
		os.Exit(2)
	}
	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	st, err := a.openStore()
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	engine, err := goap.NewEngine(goap.EngineOptions{
		Logger:      a.log,
		Goals:       st.Goals(),
		Actions:     st.Actions(),
		QueueDBPath: a.queueDBPath(),
	})
	if err != nil {
		fatal("init engine: %v", err)
	}
	g, err := engine.CreateGoal(*name, *description, *goalState)
	if err != nil {
		fatal("create goal: %v", err)
	}
	fmt.Printf("Created goal %s (queue %s)\n", g.ID, g.QueueName)
	fmt.Println("Start planning with: warden orchestrate")
}

func goalListCmd(args []string) {
	fs := flag.NewFlagSet("goal list", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	status := fs.String("status", "", "Filter by status")
	_ = fs.Parse(args)

	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	st, err := a.openStore()
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	var goals []*store.Goal
	if *status == "" {
		goals, err = st.Goals().List()
	} else {
		goals, err = st.Goals().ListByStatus(*status)
	}
	if err != nil {
		fatal("list goals: %v", err)
	}
	if len(goals) == 0 {
		fmt.Println("No goals.")
		return
	}
	for _, g := range goals {
		supervised := ""
		if g.SupervisorPID > 0 {
			supervised = fmt.Sprintf("  supervisor pid %d", g.SupervisorPID)
		}
		fmt.Printf("%s  %-10s %s%s\n", g.ID, g.Status, g.Name, supervised)
	}
}

func goalShowCmd(args []string) {
	fs := flag.NewFlagSet("goal show", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	goalID := fs.String("goal", "", "Goal id")
	_ = fs.Parse(args)

	if *goalID == "" {
		fs.Usage()
		os.Exit(2)
	}
	a, err := newApp(*cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	st, err := a.openStore()
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	g, err := st.Goals().Get(*goalID)
	if err != nil {
		fatal("get goal: %v", err)
	}
	actions, err := st.Actions().ListByGoal(*goalID)
	if err != nil {
		fatal("list actions: %v", err)
	}

	fmt.Printf("Goal:        %s\n", g.ID)
	fmt.Printf("Name:        %s\n", g.Name)
	if g.Description != "" {
		fmt.Printf("Description: %s\n", g.Description)
	}
	fmt.Printf("Status:      %s\n", g.Status)
	fmt.Printf("Queue:       %s\n", g.QueueName)
	fmt.Printf("Goal state:  %s\n", compactJSON(g.GoalState))
	fmt.Printf("World state: %s\n", compactJSON(g.WorldState))
	if g.Summary != "" {
		fmt.Printf("Summary:     %s\n", g.Summary)
	}
	if g.PlanDocument != "" {
		fmt.Printf("\nPlan:\n%s\n", g.PlanDocument)
	}
	if len(actions) > 0 {
		fmt.Printf("\nActions (%d):\n", len(actions))
		for _, act := range actions {
			kind := "primitive"
			if act.IsCompound {
				kind = "compound"
			}
			fmt.Printf("  %s  %-9s %-9s %s\n", act.ID, act.Status, kind, act.Description)
		}
	}
}

func compactJSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(b)
}
