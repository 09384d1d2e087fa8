package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaselby/aleph-harness/internal/channels"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage broadcast channels",
	}
	cmd.AddCommand(channelsListCmd())
	cmd.AddCommand(channelsSubscribeCmd(true))
	cmd.AddCommand(channelsSubscribeCmd(false))
	cmd.AddCommand(channelsHistoryCmd())
	cmd.AddCommand(channelsBroadcastCmd())
	return cmd
}

func openChannels() (*channels.Service, error) {
	h, cfg, err := openHome()
	if err != nil {
		return nil, err
	}
	return channels.New(h, inbox.New(h), cfg.Retention.ChannelHistory), nil
}

func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channels and their subscribers",
		Run: func(cmd *cobra.Command, args []string) {
			svc, err := openChannels()
			if err != nil {
				fail(err)
			}
			names, err := svc.List()
			if err != nil {
				fail(err)
			}
			if len(names) == 0 {
				fmt.Println("no channels")
				return
			}
			for _, name := range names {
				subs, err := svc.Subscribers(context.Background(), name)
				if err != nil {
					fail(err)
				}
				fmt.Printf("#%-19s %d subscriber(s): %s\n", name, len(subs), strings.Join(subs, ", "))
			}
		},
	}
}

func channelsSubscribeCmd(subscribe bool) *cobra.Command {
	use, short := "subscribe", "Subscribe an agent to a channel"
	if !subscribe {
		use, short = "unsubscribe", "Remove an agent from a channel"
	}
	return &cobra.Command{
		Use:   use + " <channel> <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, err := openChannels()
			if err != nil {
				fail(err)
			}
			if subscribe {
				err = svc.Subscribe(context.Background(), args[0], args[1])
			} else {
				err = svc.Unsubscribe(context.Background(), args[0], args[1])
			}
			if err != nil {
				fail(err)
			}
			fmt.Printf("%sd %s on #%s\n", use, args[1], args[0])
		},
	}
}

func channelsHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Show recent broadcasts on a channel",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, err := openChannels()
			if err != nil {
				fail(err)
			}
			msgs, err := svc.History(context.Background(), args[0], n)
			if err != nil {
				fail(err)
			}
			if len(msgs) == 0 {
				fmt.Printf("no history on #%s\n", args[0])
				return
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %-12s %s\n", m.Timestamp.Local().Format("01-02 15:04"), m.From, m.Summary)
			}
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 20, "number of entries")
	return cmd
}

func channelsBroadcastCmd() *cobra.Command {
	var from, body, priority string
	cmd := &cobra.Command{
		Use:   "broadcast <channel> <summary>",
		Short: "Broadcast a message to every subscriber",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, err := openChannels()
			if err != nil {
				fail(err)
			}
			m := &message.Message{
				ID:       platform.NewULID(),
				From:     from,
				Channel:  args[0],
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
			recipients, err := svc.Broadcast(context.Background(), m)
			if err != nil {
				fail(err)
			}
			if len(recipients) == 0 {
				fmt.Printf("recorded on #%s (no subscribers)\n", args[0])
				return
			}
			fmt.Printf("delivered to %d subscriber(s): %s\n", len(recipients), strings.Join(recipients, ", "))
		},
	}
	cmd.Flags().StringVar(&from, "from", "user", "sender id")
	cmd.Flags().StringVar(&body, "body", "", "message body (defaults to the summary)")
	cmd.Flags().StringVar(&priority, "priority", "", "high, normal or low")
	return cmd
}
