package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hexframe/swarmmail/internal/session"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent registrations",
	}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentActiveCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Register an agent with the project",
		Long: `Register an agent with the project.

Names are lowercase letters, digits, and underscores. Re-registering
an existing name refreshes its metadata.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, _ := cmd.Flags().GetString("program")
			model, _ := cmd.Flags().GetString("model")
			task, _ := cmd.Flags().GetString("task")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			req := session.RegisterRequest{
				Name:            args[0],
				Program:         program,
				Model:           model,
				TaskDescription: task,
			}
			if err := sess.RegisterAgent(cmd.Context(), req); err != nil {
				return err
			}

			if flagJSON {
				return printJSON(req)
			}
			if !flagQuiet {
				fmt.Printf("✓ Agent registered: %s\n", req.Name)
				if program != "" {
					fmt.Printf("  Program: %s\n", program)
				}
				if task != "" {
					fmt.Printf("  Task: %s\n", task)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("program", "", "Program running the agent (e.g. claude-code)")
	cmd.Flags().String("model", "", "Model identifier")
	cmd.Flags().String("task", "", "What the agent is working on")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			agents, err := sess.Agents(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(agents)
			}
			if len(agents) == 0 {
				if !flagQuiet {
					fmt.Println("No agents registered")
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPROGRAM\tMODEL\tACTIVE\tTASK")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.Name, a.Program, a.Model, formatAge(a.LastActiveAt),
					truncateLine(a.TaskDescription, 40))
			}
			return w.Flush()
		},
	}
}

func agentActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active NAME",
		Short: "Record an agent heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Heartbeat(cmd.Context(), args[0]); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"agent": args[0]})
			}
			if !flagQuiet {
				fmt.Printf("✓ Heartbeat recorded: %s\n", args[0])
			}
			return nil
		},
	}
}
