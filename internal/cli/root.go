// Package cli implements the swarmmail command tree. Commands are thin
// wrappers over a session: all coordination logic lives in the component
// packages, and failures surface through the swarmerr exit-code contract.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/paths"
	"github.com/hexframe/swarmmail/internal/session"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

var (
	// Global flags.
	flagProject string
	flagConfig  string
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
)

// Execute builds the command tree and runs it. Errors print to stderr
// and map to the stable exit codes wrappers script against.
func Execute(version, build string) {
	rootCmd := &cobra.Command{
		Use:   "swarmmail",
		Short: "Local-first coordination for agent swarms",
		Long: `SwarmMail coordinates multi-agent swarms on one machine.

Agents working on the same project share an append-only event log:
messages, file reservations, work cells, review verdicts, decision
traces, and semantic memory all live in one SQLite database and
replay deterministically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "Project key (or SWARMMAIL_PROJECT; defaults to the working directory)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config directory (default: user config home)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("swarmmail v{{.Version}} (build: " + build + ")\n")

	// Messaging
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(messageCmd())

	// File reservations
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(reservationsCmd())

	// Work tracking
	rootCmd.AddCommand(cellCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(watchCmd())

	// Coordination and memory
	rootCmd.AddCommand(swarmCmd())
	rootCmd.AddCommand(memoryCmd())

	// Infrastructure
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(infoCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(swarmerr.ExitCode(err))
	}
}

// projectKey resolves the project identity: the --project flag, then
// SWARMMAIL_PROJECT, then the working directory.
func projectKey() (string, error) {
	if flagProject != "" {
		return flagProject, nil
	}
	if env := os.Getenv("SWARMMAIL_PROJECT"); env != "" {
		return env, nil
	}
	return os.Getwd()
}

// openSession assembles the runtime for the resolved project. Callers
// own the returned session and must close it.
func openSession(ctx context.Context) (*session.Session, error) {
	project, err := projectKey()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.File == "" {
		if p, err := paths.LogPath(project); err == nil {
			cfg.Logging.File = p
		}
	}
	logger := logging.New(logging.Options{
		Verbose: flagVerbose,
		Quiet:   flagQuiet,
		File:    cfg.Logging,
	})
	return session.Open(ctx, project, session.Options{Config: cfg, Logger: logger})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parseWhen accepts RFC3339, a plain date, or natural language
// ("2 hours ago", "yesterday 9am").
func parseWhen(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(value, time.Now())
	if err != nil || r == nil {
		return time.Time{}, &swarmerr.ValidationError{
			Op: "cli.time", Msg: fmt.Sprintf("cannot parse time %q", value),
		}
	}
	return r.Time, nil
}

// isInteractive returns true if stdin is a terminal (not piped/redirected).
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// formatAge renders an elapsed duration the way humans scan lists:
// 45s, 12m, 3h, 2d.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncateLine keeps list output on one line per row.
func truncateLine(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// intFlag returns a pointer only when the user set the flag, so zero
// values stay distinguishable from "not given".
func intFlag(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}

// stringFlag is intFlag for string patches.
func stringFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

// float64Flag is intFlag for float patches.
func float64Flag(cmd *cobra.Command, name string) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return &v
}
