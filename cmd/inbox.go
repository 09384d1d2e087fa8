package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
)

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read and send inter-agent mail",
	}
	cmd.AddCommand(inboxListCmd())
	cmd.AddCommand(inboxShowCmd())
	cmd.AddCommand(inboxSendCmd())
	return cmd
}

func inboxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [agent-id]",
		Short: "List unread messages (default: main)",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			agent := "main"
			if len(args) == 1 {
				agent = args[0]
			}
			h, _, err := openHome()
			if err != nil {
				fail(err)
			}
			metas, err := inbox.New(h).ListUnread(context.Background(), agent)
			if err != nil {
				fail(err)
			}
			if len(metas) == 0 {
				fmt.Printf("no unread messages for %s\n", agent)
				return
			}
			for _, m := range metas {
				from := m.From
				if m.Channel != "" {
					from = m.From + " #" + m.Channel
				}
				fmt.Printf("%-27s %-7s %-20s %s\n", m.ID, m.Priority, from, m.Summary)
			}
		},
	}
}

func inboxShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id> <message-id>",
		Short: "Print one message",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			h, _, err := openHome()
			if err != nil {
				fail(err)
			}
			m, err := inbox.New(h).Read(args[0], args[1])
			if err != nil {
				fail(err)
			}
			fmt.Printf("From:     %s\n", m.From)
			if m.Channel != "" {
				fmt.Printf("Channel:  #%s\n", m.Channel)
			}
			fmt.Printf("Priority: %s\n", m.Priority)
			fmt.Printf("Date:     %s\n", m.Timestamp.Local().Format("2006-01-02 15:04:05"))
			fmt.Printf("Summary:  %s\n\n%s\n", m.Summary, m.Body)
		},
	}
}

func inboxSendCmd() *cobra.Command {
	var from, body, priority string
	cmd := &cobra.Command{
		Use:   "send <agent-id> <summary>",
		Short: "Deliver a message to an agent's inbox",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			h, _, err := openHome()
			if err != nil {
				fail(err)
			}
			m := &message.Message{
				ID:       platform.NewULID(),
				From:     from,
				To:       args[0],
				Summary:  args[1],
				Body:     body,
				Priority: priority,
			}
			if m.Body == "" {
				m.Body = m.Summary
			}
			m.Normalize()
			if err := m.Validate(); err != nil {
				fail(err)
			}
			if err := inbox.New(h).Deliver(m); err != nil {
				fail(err)
			}
			fmt.Printf("delivered %s to %s\n", m.ID, m.To)
		},
	}
	cmd.Flags().StringVar(&from, "from", "user", "sender id")
	cmd.Flags().StringVar(&body, "body", "", "message body (defaults to the summary)")
	cmd.Flags().StringVar(&priority, "priority", "", "high, normal or low")
	return cmd
}
