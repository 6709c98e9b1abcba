package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/paths"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and replay the event log",
	}
	cmd.AddCommand(eventsTailCmd())
	cmd.AddCommand(eventsReplayCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		Long: `Show recent events, oldest first.

--since and --until accept RFC 3339 timestamps, dates, and natural
phrases like "2 hours ago". --after resumes from a row id, which is
how pollers page without missing anything. --cursor keeps that
bookkeeping in the database under a name: each run resumes where the
last run with the same name stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			types, _ := cmd.Flags().GetStringSlice("type")
			since, _ := cmd.Flags().GetString("since")
			until, _ := cmd.Flags().GetString("until")
			after, _ := cmd.Flags().GetInt64("after")
			cursor, _ := cmd.Flags().GetString("cursor")

			filter := event.Filter{Types: types, AfterID: after, Limit: limit}
			var err error
			if since != "" {
				if filter.Since, err = parseWhen(since); err != nil {
					return err
				}
			}
			if until != "" {
				if filter.Until, err = parseWhen(until); err != nil {
					return err
				}
			}

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if cursor != "" && after == 0 {
				if filter.AfterID, err = sess.Events().Cursor(cmd.Context(), cursor); err != nil {
					return err
				}
			}

			events, err := sess.Events().Read(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if cursor != "" && len(events) > 0 {
				last := events[len(events)-1].ID
				if err := sess.Events().SaveCursor(cmd.Context(), cursor, last); err != nil {
					return err
				}
			}

			if flagJSON {
				return printJSON(events)
			}
			if len(events) == 0 {
				if !flagQuiet {
					fmt.Println("No events")
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tTYPE\tDATA")
			for _, e := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					e.ID, e.Time().Format(time.RFC3339), e.Type, truncateLine(string(e.Data), 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum events")
	cmd.Flags().StringSlice("type", nil, "Filter by event type (repeatable)")
	cmd.Flags().String("since", "", "Events at or after this time")
	cmd.Flags().String("until", "", "Events before this time")
	cmd.Flags().Int64("after", 0, "Events with row id greater than this")
	cmd.Flags().String("cursor", "", "Named cursor to resume from and advance")
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Rebuild all projections from the log",
		Long: `Rebuild all projections from the log.

Drops every derived table and replays the project's events in order.
The log itself is never touched. Use this after schema changes or a
suspected projection bug.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			n, err := sess.Events().Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]int{"replayed": n})
			}
			if !flagQuiet {
				fmt.Printf("✓ Replayed %d event(s)\n", n)
			}
			return nil
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [DEST]",
		Short: "Write a consistent copy of the project database",
		Long: `Write a consistent copy of the project database.

The copy is a compacted standalone SQLite file produced with VACUUM
INTO after a WAL checkpoint. Restore by copying it over the project
database while nothing has the project open. DEST defaults to a
timestamped file next to the database and must not already exist.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			var dst string
			if len(args) > 0 {
				dst = args[0]
			} else {
				dbPath, err := paths.DBPath(sess.Project())
				if err != nil {
					return err
				}
				dst = fmt.Sprintf("%s.backup-%s", dbPath, time.Now().Format("20060102-150405"))
			}

			if err := sess.Events().Store().Backup(cmd.Context(), dst); err != nil {
				return err
			}
			var size int64
			if fi, err := os.Stat(dst); err == nil {
				size = fi.Size()
			}
			if flagJSON {
				return printJSON(map[string]any{"path": dst, "bytes": size})
			}
			if !flagQuiet {
				fmt.Printf("✓ Backup written: %s (%d bytes)\n", dst, size)
			}
			return nil
		},
	}
}

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Coordinate through named advisory locks",
		Long: `Coordinate through named advisory locks.

Locks are leases: they expire on their own, and every acquisition
gets a new sequence number so a stale holder cannot release or renew
a lock it lost.`,
	}
	cmd.AddCommand(lockAcquireCmd())
	cmd.AddCommand(lockRenewCmd())
	cmd.AddCommand(lockReleaseCmd())
	cmd.AddCommand(lockListCmd())
	return cmd
}

func lockAcquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire RESOURCE",
		Short: "Acquire a lease on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, _ := cmd.Flags().GetString("holder")
			ttl, _ := cmd.Flags().GetInt("ttl")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			lk, err := sess.Locks().Acquire(cmd.Context(), args[0], holder, time.Duration(ttl)*time.Second)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(lk)
			}
			if !flagQuiet {
				fmt.Printf("✓ Lock acquired: %s (seq %d, expires %s)\n",
					lk.Resource, lk.Seq, lk.ExpiresAt.Format("15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().String("holder", "", "Holding agent")
	cmd.Flags().Int("ttl", 0, "Lease TTL in seconds")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}

func lockRenewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "renew RESOURCE",
		Short: "Extend a lease before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, _ := cmd.Flags().GetString("holder")
			seq, _ := cmd.Flags().GetInt64("seq")
			ttl, _ := cmd.Flags().GetInt("ttl")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			lk, err := sess.Locks().Renew(cmd.Context(), args[0], holder, seq, time.Duration(ttl)*time.Second)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(lk)
			}
			if !flagQuiet {
				fmt.Printf("✓ Lock renewed: %s (expires %s)\n", lk.Resource, lk.ExpiresAt.Format("15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().String("holder", "", "Holding agent")
	cmd.Flags().Int64("seq", 0, "Sequence number from acquire")
	cmd.Flags().Int("ttl", 0, "New lease TTL in seconds")
	_ = cmd.MarkFlagRequired("holder")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func lockReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release RESOURCE",
		Short: "Release a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, _ := cmd.Flags().GetString("holder")
			seq, _ := cmd.Flags().GetInt64("seq")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Locks().Release(cmd.Context(), args[0], holder, seq); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"resource": args[0]})
			}
			if !flagQuiet {
				fmt.Printf("✓ Lock released: %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().String("holder", "", "Holding agent")
	cmd.Flags().Int64("seq", 0, "Sequence number from acquire")
	_ = cmd.MarkFlagRequired("holder")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func lockListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			locks, err := sess.Locks().List(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(locks)
			}
			if len(locks) == 0 {
				if !flagQuiet {
					fmt.Println("No locks held")
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tHOLDER\tSEQ\tEXPIRES")
			for _, lk := range locks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					lk.Resource, lk.Holder, lk.Seq, lk.ExpiresAt.Format("15:04:05"))
			}
			return w.Flush()
		},
	}
}

// projectInfo is the info command's JSON shape.
type projectInfo struct {
	Project      string     `json:"project"`
	Dir          string     `json:"dir"`
	Database     string     `json:"database"`
	LogFile      string     `json:"log_file,omitempty"`
	Snapshot     string     `json:"snapshot"`
	Agents       int        `json:"agents"`
	Reservations int        `json:"reservations"`
	Cells        *hiveStats `json:"cells,omitempty"`
}

type hiveStats struct {
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Closed     int `json:"closed"`
	Ready      int `json:"ready"`
	Total      int `json:"total"`
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show project paths and counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()
			ctx := cmd.Context()

			project := sess.Project()
			dbPath, err := paths.DBPath(project)
			if err != nil {
				return err
			}
			logPath, _ := paths.LogPath(project)

			agents, err := sess.Agents(ctx)
			if err != nil {
				return err
			}
			reservations, err := sess.Reservations().Active(ctx)
			if err != nil {
				return err
			}
			stats, err := sess.Hive().Stats(ctx)
			if err != nil {
				return err
			}

			info := projectInfo{
				Project:      project,
				Dir:          paths.ProjectDirName(project),
				Database:     dbPath,
				LogFile:      logPath,
				Snapshot:     sess.Hive().SnapshotPath(),
				Agents:       len(agents),
				Reservations: len(reservations),
				Cells: &hiveStats{
					Open:       stats.Open,
					InProgress: stats.InProgress,
					Blocked:    stats.Blocked,
					Closed:     stats.Closed,
					Ready:      stats.Ready,
					Total:      stats.Total,
				},
			}

			if flagJSON {
				return printJSON(info)
			}
			fmt.Printf("Project: %s\n", info.Project)
			fmt.Printf("  Dir: %s\n", info.Dir)
			fmt.Printf("  Database: %s\n", info.Database)
			if info.LogFile != "" {
				fmt.Printf("  Log: %s\n", info.LogFile)
			}
			fmt.Printf("  Snapshot: %s\n", info.Snapshot)
			fmt.Printf("Agents: %d\n", info.Agents)
			fmt.Printf("Reservations: %d active\n", info.Reservations)
			fmt.Printf("Cells: %d total (%d open, %d in progress, %d blocked, %d closed, %d ready)\n",
				stats.Total, stats.Open, stats.InProgress, stats.Blocked, stats.Closed, stats.Ready)
			return nil
		},
	}
}
