package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaselby/aleph-harness/internal/taskboard"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Work with the shared task board",
	}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksAddCmd())
	cmd.AddCommand(tasksClaimCmd())
	cmd.AddCommand(tasksStatusCmd())
	cmd.AddCommand(tasksReleaseCmd())
	return cmd
}

func openBoard() (*taskboard.Board, error) {
	h, _, err := openHome()
	if err != nil {
		return nil, err
	}
	return taskboard.New(h), nil
}

func printTask(t taskboard.Task) {
	assignee := t.Assignee
	if assignee == "" {
		assignee = "-"
	}
	fmt.Printf("%-10s %-11s %-8s %-12s %s\n", t.ID, t.Status, t.Priority, assignee, t.Description)
	if t.Status == taskboard.StatusBlocked && t.BlockedReason != "" {
		fmt.Printf("%-10s %-11s %-8s %-12s blocked: %s\n", "", "", "", "", t.BlockedReason)
	}
}

func tasksListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks on the board",
		Run: func(cmd *cobra.Command, args []string) {
			board, err := openBoard()
			if err != nil {
				fail(err)
			}
			list, err := board.List(context.Background(), status)
			if err != nil {
				fail(err)
			}
			if len(list) == 0 {
				fmt.Println("no tasks")
				return
			}
			fmt.Printf("%-10s %-11s %-8s %-12s %s\n", "ID", "STATUS", "PRIORITY", "ASSIGNEE", "DESCRIPTION")
			for _, t := range list {
				printTask(t)
			}
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter: open, claimed, in-progress, done or blocked")
	return cmd
}

func tasksAddCmd() *cobra.Command {
	var priority, parent string
	cmd := &cobra.Command{
		Use:   "add <description>",
		Short: "Add an open task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			board, err := openBoard()
			if err != nil {
				fail(err)
			}
			t, err := board.Add(context.Background(), args[0], priority, parent)
			if err != nil {
				fail(err)
			}
			fmt.Printf("added %s\n", t.ID)
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high (default medium)")
	cmd.Flags().StringVar(&parent, "parent", "", "nest under this task id")
	return cmd
}

func tasksClaimCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim an open task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			board, err := openBoard()
			if err != nil {
				fail(err)
			}
			t, err := board.Claim(context.Background(), args[0], as)
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s claimed by %s\n", t.ID, t.Assignee)
		},
	}
	cmd.Flags().StringVar(&as, "as", "user", "claiming agent id")
	return cmd
}

func tasksStatusCmd() *cobra.Command {
	var as, reason string
	cmd := &cobra.Command{
		Use:   "status <task-id> <new-status>",
		Short: "Move a claimed task through its lifecycle",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			board, err := openBoard()
			if err != nil {
				fail(err)
			}
			t, err := board.SetStatus(context.Background(), args[0], as, args[1], reason)
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s is now %s\n", t.ID, t.Status)
		},
	}
	cmd.Flags().StringVar(&as, "as", "user", "acting agent id")
	cmd.Flags().StringVar(&reason, "reason", "", "blocked reason, required for blocked")
	return cmd
}

func tasksReleaseCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Return a claimed task to the open pool",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			board, err := openBoard()
			if err != nil {
				fail(err)
			}
			t, err := board.Release(context.Background(), args[0], as)
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s released\n", t.ID)
		},
	}
	cmd.Flags().StringVar(&as, "as", "user", "releasing agent id")
	return cmd
}
