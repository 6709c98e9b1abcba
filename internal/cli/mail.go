package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hexframe/swarmmail/internal/mailbox"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send SUBJECT BODY",
		Short: "Send a message to one or more agents",
		Long: `Send a message to one or more agents.

Recipients must be registered. Use --to '*' to broadcast to every
other agent in the project.

Examples:
  swarmmail send "auth handoff" "token refresh moved to internal/auth" --from amy --to bob
  swarmmail send "heads up" "rebasing main" --from amy --to '*'
  swarmmail send "re: schema" "agreed, shipping it" --from bob --to amy --thread thr_01J...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetStringSlice("to")
			thread, _ := cmd.Flags().GetString("thread")
			importance, _ := cmd.Flags().GetString("importance")
			ack, _ := cmd.Flags().GetBool("ack")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			result, err := sess.Mailbox().Send(cmd.Context(), mailbox.SendRequest{
				From:        from,
				To:          to,
				Subject:     args[0],
				Body:        args[1],
				ThreadID:    thread,
				Importance:  importance,
				AckRequired: ack,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				fmt.Printf("✓ Message sent: %s\n", result.MessageID)
				if result.ThreadID != "" {
					fmt.Printf("  Thread: %s\n", result.ThreadID)
				}
				fmt.Printf("  To: %s\n", strings.Join(result.Recipients, ", "))
			}
			return nil
		},
	}

	cmd.Flags().String("from", "", "Sender agent name (required)")
	cmd.Flags().StringSlice("to", nil, "Recipient agent name (repeatable; '*' broadcasts)")
	cmd.Flags().String("thread", "", "Reply into an existing thread")
	cmd.Flags().String("importance", "", "Message importance (low, normal, high)")
	cmd.Flags().Bool("ack", false, "Request an acknowledgement")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox AGENT",
		Short: "Show an agent's inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unread, _ := cmd.Flags().GetBool("unread")
			limit, _ := cmd.Flags().GetInt("limit")
			bodies, _ := cmd.Flags().GetBool("bodies")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			msgs, err := sess.Mailbox().Inbox(cmd.Context(), args[0], mailbox.InboxOptions{
				Limit:         limit,
				UnreadOnly:    unread,
				IncludeBodies: bodies,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				if !flagQuiet {
					fmt.Println("Inbox empty")
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, " \tID\tFROM\tSUBJECT\tAGE")
			for _, m := range msgs {
				marker := " "
				if m.ReadAt == nil {
					marker = "•"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					marker, m.ID, m.From, truncateLine(m.Subject, 50), formatAge(m.CreatedAt))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if bodies {
				for _, m := range msgs {
					fmt.Printf("\n--- %s\n%s\n", m.ID, m.Body)
				}
			}
			return nil
		},
	}

	cmd.Flags().Bool("unread", false, "Only unread messages")
	cmd.Flags().Int("limit", 0, "Maximum messages (capped by inbox.max_limit)")
	cmd.Flags().Bool("bodies", false, "Include message bodies")
	return cmd
}

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Read, acknowledge, and search messages",
	}
	cmd.AddCommand(messageReadCmd())
	cmd.AddCommand(messageAckCmd())
	cmd.AddCommand(messageSearchCmd())
	cmd.AddCommand(messageThreadCmd())
	cmd.AddCommand(messageThreadsCmd())
	cmd.AddCommand(messageSummarizeCmd())
	return cmd
}

func messageReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read MESSAGE_ID",
		Short: "Read a message and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			msg, err := sess.Mailbox().Read(cmd.Context(), args[0], agent)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(msg)
			}
			printMessage(msg)
			return nil
		},
	}
	cmd.Flags().String("agent", "", "Reading agent (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func messageAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack MESSAGE_ID",
		Short: "Acknowledge a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			msg, err := sess.Mailbox().Ack(cmd.Context(), args[0], agent)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(msg)
			}
			if !flagQuiet {
				fmt.Printf("✓ Acknowledged: %s\n", msg.ID)
			}
			return nil
		},
	}
	cmd.Flags().String("agent", "", "Acknowledging agent (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func messageSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Full-text search across messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			msgs, err := sess.Mailbox().Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				if !flagQuiet {
					fmt.Println("No matches")
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFROM\tSUBJECT\tAGE")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					m.ID, m.From, truncateLine(m.Subject, 50), formatAge(m.CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum results")
	return cmd
}

func messageThreadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thread THREAD_ID",
		Short: "Show every message in a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			msgs, err := sess.Mailbox().ThreadMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(msgs)
			}
			for i, m := range msgs {
				if i > 0 {
					fmt.Println()
				}
				printMessage(&m)
			}
			return nil
		},
	}
}

func messageThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List active threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			threads, err := sess.Mailbox().Threads(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(threads)
			}
			if len(threads) == 0 {
				if !flagQuiet {
					fmt.Println("No threads")
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tSUBJECT\tMSGS\tLAST ACTIVITY")
			for _, t := range threads {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					t.ThreadID, truncateLine(t.Subject, 50), t.MessageCount, formatAge(t.LastActivity))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum threads")
	return cmd
}

func messageSummarizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize THREAD_ID",
		Short: "Summarize a thread",
		Long: `Summarize a thread.

Aggregates are always computed locally. With --llm and a configured
Anthropic key, a prose summary of the conversation is added.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			useLLM, _ := cmd.Flags().GetBool("llm")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			summary, err := sess.Mailbox().SummarizeThread(cmd.Context(), args[0], mailbox.SummarizeOptions{LLM: useLLM})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(summary)
			}
			fmt.Printf("%s: %s\n", summary.ThreadID, summary.Subject)
			fmt.Printf("  Messages: %d\n", summary.MessageCount)
			fmt.Printf("  Participants: %s\n", strings.Join(summary.Participants, ", "))
			fmt.Printf("  Last activity: %s ago\n", formatAge(summary.LastActivity))
			if summary.Summary != "" {
				fmt.Printf("\n%s\n", summary.Summary)
			}
			return nil
		},
	}
	cmd.Flags().Bool("llm", false, "Add an LLM prose summary")
	return cmd
}

func printMessage(m *mailbox.Message) {
	fmt.Printf("%s  %s → %s\n", m.ID, m.From, m.Subject)
	fmt.Printf("  Sent: %s ago", formatAge(m.CreatedAt))
	if m.Importance != "" && m.Importance != "normal" {
		fmt.Printf("  [%s]", m.Importance)
	}
	if m.AckRequired {
		fmt.Print("  [ack required]")
	}
	fmt.Println()
	if m.ThreadID != "" {
		fmt.Printf("  Thread: %s\n", m.ThreadID)
	}
	if m.Body != "" {
		fmt.Printf("\n%s\n", m.Body)
	}
}
