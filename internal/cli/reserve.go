package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hexframe/swarmmail/internal/reservation"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

func reserveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reserve PATH...",
		Short: "Reserve file paths for an agent",
		Long: `Reserve file paths for an agent.

Paths are glob patterns ('src/**' covers the subtree). Reservation is
all-or-nothing: one conflicting path denies the whole request and
reports every holder in the way.

Examples:
  swarmmail reserve internal/auth/** --agent amy --reason "token refactor"
  swarmmail reserve go.mod go.sum --agent bob --shared --ttl 600`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			reason, _ := cmd.Flags().GetString("reason")
			shared, _ := cmd.Flags().GetBool("shared")
			ttl, _ := cmd.Flags().GetInt("ttl")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			result, err := sess.Reservations().Reserve(cmd.Context(), reservation.ReserveRequest{
				AgentName:  agent,
				Paths:      args,
				Reason:     reason,
				Shared:     shared,
				TTLSeconds: ttl,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				if err := printJSON(result); err != nil {
					return err
				}
			}
			if len(result.Conflicts) > 0 {
				if !flagJSON && !flagQuiet {
					fmt.Println("✗ Reservation denied:")
					for _, c := range result.Conflicts {
						fmt.Printf("  %s held by %s (%s, expires %s)\n",
							c.Path, c.Holder, c.HolderPattern, formatAge(c.ExpiresAt))
					}
				}
				return &swarmerr.ConflictError{
					Op:      "reserve",
					Msg:     fmt.Sprintf("%d path(s) already reserved", len(result.Conflicts)),
					Holders: conflictHolders(result.Conflicts),
				}
			}
			if !flagJSON && !flagQuiet {
				fmt.Printf("✓ Reserved %d path(s) for %s\n", len(result.Granted), agent)
				for _, r := range result.Granted {
					mode := "exclusive"
					if !r.Exclusive {
						mode = "shared"
					}
					fmt.Printf("  %s (%s, expires %s)\n", r.PathPattern, mode, r.ExpiresAt.Format("15:04:05"))
				}
			}
			return nil
		},
	}

	cmd.Flags().String("agent", "", "Reserving agent (required)")
	cmd.Flags().String("reason", "", "Why the paths are needed")
	cmd.Flags().Bool("shared", false, "Shared lease (conflicts only with exclusive ones)")
	cmd.Flags().Int("ttl", 0, "Lease TTL in seconds (default from config)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func conflictHolders(conflicts []reservation.Conflict) []string {
	seen := map[string]bool{}
	var holders []string
	for _, c := range conflicts {
		if !seen[c.Holder] {
			seen[c.Holder] = true
			holders = append(holders, c.Holder)
		}
	}
	return holders
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release [PATH...]",
		Short: "Release file reservations",
		Long: `Release file reservations.

With no paths or ids, releases everything the agent holds. --of
releases another agent's leases (crash cleanup); --sweep releases
every reservation in the project.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			ids, _ := cmd.Flags().GetStringSlice("id")
			of, _ := cmd.Flags().GetString("of")
			sweep, _ := cmd.Flags().GetBool("sweep")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			var released int
			switch {
			case sweep:
				released, err = sess.Reservations().ReleaseAll(cmd.Context(), agent)
			case of != "":
				released, err = sess.Reservations().ReleaseAgent(cmd.Context(), agent, of)
			default:
				released, err = sess.Reservations().Release(cmd.Context(), agent, reservation.ReleaseOptions{
					Paths:          args,
					ReservationIDs: ids,
				})
			}
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]int{"released": released})
			}
			if !flagQuiet {
				fmt.Printf("✓ Released %d reservation(s)\n", released)
			}
			return nil
		},
	}

	cmd.Flags().String("agent", "", "Releasing agent (required)")
	cmd.Flags().StringSlice("id", nil, "Release by reservation id (repeatable)")
	cmd.Flags().String("of", "", "Release every lease held by another agent")
	cmd.Flags().Bool("sweep", false, "Release every reservation in the project")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func reservationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "List active reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			var active []reservation.Reservation
			if agent != "" {
				active, err = sess.Reservations().ActiveFor(cmd.Context(), agent)
			} else {
				active, err = sess.Reservations().Active(cmd.Context())
			}
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(active)
			}
			if len(active) == 0 {
				if !flagQuiet {
					fmt.Println("No active reservations")
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tPATTERN\tMODE\tEXPIRES\tREASON")
			for _, r := range active {
				mode := "exclusive"
				if !r.Exclusive {
					mode = "shared"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.AgentName, r.PathPattern, mode, r.ExpiresAt.Format("15:04:05"),
					truncateLine(r.Reason, 40))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("agent", "", "Only this agent's reservations")
	return cmd
}
