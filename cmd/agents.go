package cmd

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaselby/aleph-harness/internal/registry"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and stop running agents",
	}
	cmd.AddCommand(agentsListCmd())
	cmd.AddCommand(agentsKillCmd())
	return cmd
}

func agentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Run: func(cmd *cobra.Command, args []string) {
			h, _, err := openHome()
			if err != nil {
				fail(err)
			}
			list, err := registry.New(h).List()
			if err != nil {
				fail(err)
			}
			if len(list) == 0 {
				fmt.Println("no agents registered")
				return
			}
			fmt.Printf("%-16s %-12s %-8s %5s %7s %-6s %s\n", "ID", "ROLE", "MODE", "DEPTH", "PID", "STATE", "STARTED")
			for _, st := range list {
				state := "alive"
				if !st.Alive {
					state = "stale"
				}
				fmt.Printf("%-16s %-12s %-8s %5d %7d %-6s %s\n",
					st.AgentID, orDash(st.Role), st.Mode, st.Depth, st.PID, state,
					st.StartedAt.Local().Format("2006-01-02 15:04"))
			}
		},
	}
}

func agentsKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <agent-id>",
		Short: "Stop a running agent gracefully",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			h, _, err := openHome()
			if err != nil {
				fail(err)
			}
			reg := registry.New(h)
			rec, err := reg.Get(args[0])
			if err != nil {
				fail(err)
			}
			if !reg.Alive(rec.AgentID) {
				if err := reg.Deregister(rec.AgentID); err != nil {
					fail(err)
				}
				fmt.Printf("agent %s was not running; removed stale record\n", rec.AgentID)
				return
			}
			// SIGTERM lets the session write its summary and deregister; a
			// tmux pane closes on its own once the process exits.
			if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil {
				_ = reg.Deregister(rec.AgentID)
				fmt.Printf("agent %s was not running; removed stale record\n", rec.AgentID)
				return
			}
			fmt.Printf("sent SIGTERM to agent %s (pid %d, up %s)\n",
				rec.AgentID, rec.PID, time.Since(rec.StartedAt).Round(time.Second))
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
