package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/gitctx"
	"github.com/hexframe/swarmmail/internal/swarm"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

func swarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Coordinate a swarm of worker agents",
		Long: `Coordinate a swarm of worker agents.

The coordinator loop: plan a task into subtasks, decompose the plan
into an epic, spawn workers with file reservations, review their
work, and complete subtasks with scope verification. Every choice
leaves a decision trace.`,
	}
	cmd.AddCommand(swarmPlanCmd())
	cmd.AddCommand(swarmValidateCmd())
	cmd.AddCommand(swarmDecomposeCmd())
	cmd.AddCommand(swarmSpawnCmd())
	cmd.AddCommand(swarmCompleteCmd())
	cmd.AddCommand(swarmCheckpointCmd())
	cmd.AddCommand(swarmRecoverCmd())
	cmd.AddCommand(swarmStatusCmd())
	cmd.AddCommand(swarmReviewCmd())
	cmd.AddCommand(swarmDecideCmd())
	cmd.AddCommand(swarmDecisionsCmd())
	cmd.AddCommand(swarmDecisionCmd())
	cmd.AddCommand(swarmLinkCmd())
	return cmd
}

// planOutput pairs the rendered prompt with the strategy choice so
// --json consumers get both in one document.
type planOutput struct {
	Strategy     string                `json:"strategy"`
	Confidence   float64               `json:"confidence"`
	Alternatives []swarm.StrategyScore `json:"alternatives,omitempty"`
	Prompt       string                `json:"prompt"`
}

func swarmPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan TASK",
		Short: "Render the planning prompt for a task",
		Long: `Render the planning prompt for a task.

Without --strategy the decomposition strategy is selected from the
task text. The prompt asks the planner for strict JSON that
'swarm validate' and 'swarm decompose' accept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, _ := cmd.Flags().GetString("strategy")
			planCtx, _ := cmd.Flags().GetString("context")
			useMemory, _ := cmd.Flags().GetBool("use-memory")

			out := planOutput{Strategy: strategy, Confidence: 1}
			if strategy == "" {
				choice := swarm.SelectStrategy(args[0])
				out.Strategy = choice.Strategy
				out.Confidence = choice.Confidence
				out.Alternatives = choice.Alternatives
			}

			prompt, err := swarm.PlanPrompt(swarm.PlanRequest{
				Task:      args[0],
				Strategy:  out.Strategy,
				Context:   planCtx,
				UseMemory: useMemory,
			})
			if err != nil {
				return err
			}
			out.Prompt = prompt

			if flagJSON {
				return printJSON(out)
			}
			if !flagQuiet {
				fmt.Printf("Strategy: %s (confidence %.2f)\n", out.Strategy, out.Confidence)
				for _, alt := range out.Alternatives {
					fmt.Printf("  alternative: %s (%.2f)\n", alt.Strategy, alt.Score)
				}
				fmt.Println()
			}
			fmt.Println(prompt)
			return nil
		},
	}

	cmd.Flags().String("strategy", "", "Force a strategy (file-based, feature-based, risk-based, research-based)")
	cmd.Flags().String("context", "", "Extra context for the planner")
	cmd.Flags().Bool("use-memory", false, "Ask the planner to recall project memory first")
	return cmd
}

// readPlan loads a plan document from a file, or stdin when path is "-".
func readPlan(path string) ([]byte, error) {
	if path == "-" {
		if isInteractive() && !flagQuiet {
			fmt.Fprintln(os.Stderr, "Reading plan from stdin (Ctrl-D to finish)")
		}
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, &swarmerr.IOError{Op: "swarm.plan", Path: "stdin", Err: err}
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &swarmerr.IOError{Op: "swarm.plan", Path: path, Err: err}
	}
	return raw, nil
}

func swarmValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a plan document without applying it",
		Long:  `Validate a plan document without applying it. Use "-" to read stdin.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPlan(args[0])
			if err != nil {
				return err
			}
			plan, err := swarm.ParseDecomposition(raw)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(plan)
			}
			if !flagQuiet {
				fmt.Printf("✓ Plan valid: %q with %d subtask(s)\n", plan.EpicTitle, len(plan.Subtasks))
				for i, st := range plan.Subtasks {
					fmt.Printf("  [%d] %s", i, st.Title)
					if len(st.Files) > 0 {
						fmt.Printf(" (%s)", strings.Join(st.Files, ", "))
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
}

func swarmDecomposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decompose FILE",
		Short: "Turn a plan document into an epic with subtasks",
		Long: `Turn a plan document into an epic with subtasks. Use "-" to read
stdin. Subtask file lists and dependencies become checkpoints and
blocking edges; the strategy decision is recorded with a trace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")

			raw, err := readPlan(args[0])
			if err != nil {
				return err
			}
			plan, err := swarm.ParseDecomposition(raw)
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			result, err := sess.Swarm().Decompose(cmd.Context(), plan, by)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				fmt.Printf("✓ Epic created: %s (%s strategy)\n", result.Epic.ID, result.Strategy)
				for _, st := range result.Subtasks {
					fmt.Printf("  %s  %s\n", st.ID, st.Title)
				}
				fmt.Printf("  Decision: %s\n", result.DecisionID)
			}
			return nil
		},
	}
	cmd.Flags().String("by", "", "Coordinating agent")
	return cmd
}

func swarmSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn BEAD",
		Short: "Start a worker on a subtask",
		Long: `Start a worker on a subtask: reserve its files, move the bead to
in_progress, and print the worker prompt. Fails without touching
anything if another agent holds a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, _ := cmd.Flags().GetString("worker")
			epic, _ := cmd.Flags().GetString("epic")
			files, _ := cmd.Flags().GetStringSlice("file")
			shared, _ := cmd.Flags().GetString("context")
			ttl, _ := cmd.Flags().GetInt("ttl")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			result, err := sess.Swarm().SpawnSubtask(cmd.Context(), swarm.SpawnRequest{
				BeadID:        args[0],
				EpicID:        epic,
				Worker:        worker,
				Files:         files,
				SharedContext: shared,
				TTLSeconds:    ttl,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				fmt.Printf("✓ Spawned %s on %s\n", result.Worker, result.BeadID)
				for _, r := range result.Granted {
					fmt.Printf("  reserved %s (expires %s)\n", r.PathPattern, r.ExpiresAt.Format("15:04:05"))
				}
				fmt.Println()
			}
			fmt.Println(result.Prompt)
			return nil
		},
	}

	cmd.Flags().String("worker", "", "Worker agent name")
	cmd.Flags().String("epic", "", "Epic id (defaults to the bead's parent)")
	cmd.Flags().StringSlice("file", nil, "File to reserve (repeatable; defaults to the checkpointed plan)")
	cmd.Flags().String("context", "", "Shared context passed into the worker prompt")
	cmd.Flags().Int("ttl", 0, "Reservation TTL in seconds")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func swarmCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete BEAD",
		Short: "Close a subtask and release the worker's reservations",
		Long: `Close a subtask and release the worker's reservations.

Files touched outside the worker's reservations are recorded as a
scope violation on the decision trace; the cell still closes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, _ := cmd.Flags().GetString("worker")
			summary, _ := cmd.Flags().GetString("summary")
			files, _ := cmd.Flags().GetStringSlice("files")
			skip, _ := cmd.Flags().GetBool("skip-verification")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			result, err := sess.Swarm().Complete(cmd.Context(), swarm.CompleteRequest{
				BeadID:           args[0],
				Worker:           worker,
				Summary:          summary,
				FilesTouched:     files,
				SkipVerification: skip,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				if result.ScopeViolation {
					fmt.Println("⚠ Scope violation:")
					for _, v := range result.Violations {
						fmt.Printf("  %s\n", v)
					}
				}
				fmt.Printf("✓ Completed %s, released %d reservation(s)\n", result.BeadID, result.Released)
			}
			return nil
		},
	}

	cmd.Flags().String("worker", "", "Worker agent name")
	cmd.Flags().String("summary", "", "What the worker did")
	cmd.Flags().StringSlice("files", nil, "File the worker touched (repeatable)")
	cmd.Flags().Bool("skip-verification", false, "Skip the scope verification gate")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func swarmCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint BEAD",
		Short: "Save coordination context for crash recovery",
		Long: `Save coordination context for crash recovery.

Fields left empty keep their previous values, so a coordinator can
checkpoint incrementally as the plan evolves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			epic, _ := cmd.Flags().GetString("epic")
			strategy, _ := cmd.Flags().GetString("strategy")
			files, _ := cmd.Flags().GetStringSlice("file")
			deps, _ := cmd.Flags().GetStringSlice("dep")
			directives, _ := cmd.Flags().GetString("directives")
			recovery, _ := cmd.Flags().GetString("recovery")

			if recovery != "" && !json.Valid([]byte(recovery)) {
				return &swarmerr.ValidationError{Op: "swarm.checkpoint", Msg: "--recovery must be valid JSON"}
			}

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			req := swarm.CheckpointRequest{
				BeadID:       args[0],
				EpicID:       epic,
				Strategy:     strategy,
				Files:        files,
				Dependencies: deps,
				Directives:   directives,
			}
			if recovery != "" {
				req.Recovery = json.RawMessage(recovery)
			}
			if err := sess.Swarm().Checkpoint(cmd.Context(), req); err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]string{"bead_id": args[0]})
			}
			if !flagQuiet {
				fmt.Printf("✓ Checkpoint saved: %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().String("epic", "", "Epic id")
	cmd.Flags().String("strategy", "", "Decomposition strategy")
	cmd.Flags().StringSlice("file", nil, "File in scope (repeatable)")
	cmd.Flags().StringSlice("dep", nil, "Bead this one depends on (repeatable)")
	cmd.Flags().String("directives", "", "Standing instructions for the worker")
	cmd.Flags().String("recovery", "", "Opaque recovery state (JSON)")
	return cmd
}

func swarmRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover BEAD",
		Short: "Print the latest checkpoint for a bead",
		Long: `Print the latest checkpoint for a bead.

Alongside the stored checkpoint, recover snapshots the current git
work tree (branch, uncommitted paths, commits not on the base branch)
so a resuming agent sees what is already on disk.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			cp, err := sess.Swarm().Recover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			snap := gitctx.Take(".")

			if flagJSON {
				return printJSON(struct {
					*swarm.Context
					WorkTree *gitctx.Snapshot `json:"work_tree,omitempty"`
				}{cp, snap})
			}
			fmt.Printf("Checkpoint for %s (updated %s ago)\n", cp.BeadID, formatAge(cp.UpdatedAt))
			if cp.EpicID != "" {
				fmt.Printf("  Epic: %s\n", cp.EpicID)
			}
			if cp.Strategy != "" {
				fmt.Printf("  Strategy: %s\n", cp.Strategy)
			}
			if len(cp.Files) > 0 {
				fmt.Printf("  Files: %s\n", strings.Join(cp.Files, ", "))
			}
			if len(cp.Dependencies) > 0 {
				fmt.Printf("  Depends on: %s\n", strings.Join(cp.Dependencies, ", "))
			}
			if cp.Directives != "" {
				fmt.Printf("  Directives: %s\n", cp.Directives)
			}
			if len(cp.Recovery) > 0 {
				fmt.Printf("  Recovery: %s\n", string(cp.Recovery))
			}
			if snap != nil {
				fmt.Printf("Work tree: %s", snap.Root)
				if snap.Branch != "" {
					fmt.Printf(" on %s", snap.Branch)
				}
				fmt.Println()
				if len(snap.Dirty) > 0 {
					fmt.Printf("  Uncommitted: %s\n", strings.Join(snap.Dirty, ", "))
				}
				if len(snap.Commits) > 0 {
					fmt.Printf("  Ahead of %s by %d commit(s)\n", snap.Base, len(snap.Commits))
				}
			}
			return nil
		},
	}
}

func swarmStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status EPIC",
		Short: "Show swarm progress for an epic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			status, err := sess.Swarm().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(status)
			}
			fmt.Printf("%s: %s\n", status.EpicID, status.EpicTitle)
			fmt.Printf("  Progress: %d/%d (%.0f%%)\n", len(status.Completed), status.Total, status.Progress)
			printStatusBucket("Active", status.Active)
			printStatusBucket("Ready", status.Ready)
			printStatusBucket("Blocked", status.Blocked)
			printStatusBucket("Completed", status.Completed)
			return nil
		},
	}
}

func printStatusBucket(name string, cells []swarm.StatusCell) {
	if len(cells) == 0 {
		return
	}
	fmt.Printf("\n%s (%d):\n", name, len(cells))
	for _, c := range cells {
		fmt.Printf("  %s  %s", c.ID, c.Title)
		if c.Assignee != "" {
			fmt.Printf(" [%s]", c.Assignee)
		}
		if len(c.BlockedBy) > 0 {
			fmt.Printf(" (waiting on %s)", strings.Join(c.BlockedBy, ", "))
		}
		fmt.Println()
	}
}

func swarmReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Run the review gate for a subtask",
		Long: `Run the review gate for a subtask.

A bead may fail review at most three times; the third needs_changes
verdict escalates to a human and blocks the bead.`,
	}

	begin := &cobra.Command{
		Use:   "begin BEAD",
		Short: "Start reviewing a bead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reviewer, _ := cmd.Flags().GetString("reviewer")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			review, err := sess.Swarm().ReviewBegin(cmd.Context(), args[0], reviewer)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(review)
			}
			if !flagQuiet {
				fmt.Printf("✓ Review started: %s (attempt %d)\n", review.BeadID, review.Attempt)
			}
			return nil
		},
	}
	begin.Flags().String("reviewer", "", "Reviewing agent")
	_ = begin.MarkFlagRequired("reviewer")

	feedback := &cobra.Command{
		Use:   "feedback BEAD",
		Short: "Record a review verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reviewer, _ := cmd.Flags().GetString("reviewer")
			worker, _ := cmd.Flags().GetString("worker")
			verdict, _ := cmd.Flags().GetString("verdict")
			summary, _ := cmd.Flags().GetString("summary")
			issues, _ := cmd.Flags().GetStringSlice("issue")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			review, err := sess.Swarm().ReviewFeedback(cmd.Context(), swarm.FeedbackRequest{
				BeadID:   args[0],
				Reviewer: reviewer,
				Worker:   worker,
				Verdict:  verdict,
				Summary:  summary,
				Issues:   issues,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(review)
			}
			if !flagQuiet {
				switch review.State {
				case swarm.ReviewBlocked:
					fmt.Printf("⚠ Review escalated: %s failed %d attempts, human attention needed\n",
						review.BeadID, review.Attempt)
				case swarm.ReviewApproved:
					fmt.Printf("✓ Review approved: %s\n", review.BeadID)
				default:
					fmt.Printf("✓ Verdict recorded: %s is %s (attempt %d)\n",
						review.BeadID, review.State, review.Attempt)
				}
			}
			return nil
		},
	}
	feedback.Flags().String("reviewer", "", "Reviewing agent")
	feedback.Flags().String("worker", "", "Worker to notify on needs_changes")
	feedback.Flags().String("verdict", "", "approved or needs_changes")
	feedback.Flags().String("summary", "", "Review summary")
	feedback.Flags().StringSlice("issue", nil, "Issue found (repeatable)")
	_ = feedback.MarkFlagRequired("reviewer")
	_ = feedback.MarkFlagRequired("verdict")

	show := &cobra.Command{
		Use:   "show BEAD",
		Short: "Show a bead's review state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			review, err := sess.Swarm().Review(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(review)
			}
			fmt.Printf("%s: %s (attempt %d)\n", review.BeadID, review.State, review.Attempt)
			if review.Worker != "" {
				fmt.Printf("  Worker: %s\n", review.Worker)
			}
			if !review.UpdatedAt.IsZero() {
				fmt.Printf("  Updated: %s ago\n", formatAge(review.UpdatedAt))
			}
			return nil
		},
	}

	cmd.AddCommand(begin, feedback, show)
	return cmd
}

func swarmDecideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Record a decision trace",
		Long: `Record a decision trace.

Decisions capture the why behind coordinator choices: the inputs
gathered, alternatives weighed, and the call made. Link them to
epics, beads, and memories with 'swarm link'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			decisionType, _ := cmd.Flags().GetString("type")
			agent, _ := cmd.Flags().GetString("agent")
			epic, _ := cmd.Flags().GetString("epic")
			bead, _ := cmd.Flags().GetString("bead")
			rationale, _ := cmd.Flags().GetString("rationale")
			decision, _ := cmd.Flags().GetString("decision")

			if decision != "" && !json.Valid([]byte(decision)) {
				return &swarmerr.ValidationError{Op: "swarm.decide", Msg: "--decision must be valid JSON"}
			}

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			req := swarm.DecisionRequest{
				DecisionType: decisionType,
				AgentName:    agent,
				EpicID:       epic,
				BeadID:       bead,
				Rationale:    rationale,
				QualityScore: float64Flag(cmd, "quality"),
			}
			if decision != "" {
				req.Decision = json.RawMessage(decision)
			}
			id, err := sess.Swarm().RecordDecision(cmd.Context(), req)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]string{"decision_id": id})
			}
			if !flagQuiet {
				fmt.Printf("✓ Decision recorded: %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().String("type", "", "Decision type (decomposition, assignment, completion, ...)")
	cmd.Flags().String("agent", "", "Deciding agent")
	cmd.Flags().String("epic", "", "Epic id")
	cmd.Flags().String("bead", "", "Bead id")
	cmd.Flags().String("rationale", "", "Why this call was made")
	cmd.Flags().String("decision", "", "The decision itself (JSON)")
	cmd.Flags().Float64("quality", 0, "Outcome quality score 0..1")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func swarmDecisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List decision traces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			decisionType, _ := cmd.Flags().GetString("type")
			epic, _ := cmd.Flags().GetString("epic")
			bead, _ := cmd.Flags().GetString("bead")
			limit, _ := cmd.Flags().GetInt("limit")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			decisions, err := sess.Swarm().Decisions(cmd.Context(), swarm.DecisionFilter{
				DecisionType: decisionType,
				EpicID:       epic,
				BeadID:       bead,
				Limit:        limit,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(decisions)
			}
			if len(decisions) == 0 {
				if !flagQuiet {
					fmt.Println("No decisions")
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tAGENT\tBEAD\tAGE\tRATIONALE")
			for _, d := range decisions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.DecisionType, d.AgentName, d.BeadID,
					formatAge(d.CreatedAt), truncateLine(d.Rationale, 40))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("type", "", "Filter by decision type")
	cmd.Flags().String("epic", "", "Filter by epic")
	cmd.Flags().String("bead", "", "Filter by bead")
	cmd.Flags().Int("limit", 20, "Maximum decisions")
	return cmd
}

func swarmDecisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decision ID",
		Short: "Show a decision trace with its entity links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()
			ctx := cmd.Context()

			decision, err := sess.Swarm().GetDecision(ctx, args[0])
			if err != nil {
				return err
			}
			links, err := sess.Swarm().Links(ctx, decision.ID)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(struct {
					swarm.Decision
					Links []swarm.EntityLink `json:"links,omitempty"`
				}{*decision, links})
			}

			fmt.Printf("%s: %s by %s, %s ago\n",
				decision.ID, decision.DecisionType, decision.AgentName, formatAge(decision.CreatedAt))
			if decision.EpicID != "" {
				fmt.Printf("  Epic: %s\n", decision.EpicID)
			}
			if decision.BeadID != "" {
				fmt.Printf("  Bead: %s\n", decision.BeadID)
			}
			if decision.Rationale != "" {
				fmt.Printf("  Rationale: %s\n", decision.Rationale)
			}
			if len(decision.Decision) > 0 {
				fmt.Printf("  Decision: %s\n", string(decision.Decision))
			}
			if decision.QualityScore != nil {
				fmt.Printf("  Quality: %.2f\n", *decision.QualityScore)
			}
			if decision.OutcomeEventID != 0 {
				fmt.Printf("  Outcome event: %d\n", decision.OutcomeEventID)
			}
			for _, l := range links {
				fmt.Printf("  link: %s %s (%s, strength %.2f)\n", l.EntityType, l.EntityID, l.LinkType, l.Strength)
			}
			return nil
		},
	}
}

func swarmLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link DECISION_ID",
		Short: "Link a decision to an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, _ := cmd.Flags().GetString("entity-type")
			entityID, _ := cmd.Flags().GetString("entity-id")
			linkType, _ := cmd.Flags().GetString("link-type")
			strength, _ := cmd.Flags().GetFloat64("strength")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			err = sess.Swarm().LinkEntity(cmd.Context(), args[0], event.EntityLinkData{
				EntityType: entityType,
				EntityID:   entityID,
				LinkType:   linkType,
				Strength:   strength,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]string{
					"decision_id": args[0], "entity_type": entityType, "entity_id": entityID,
				})
			}
			if !flagQuiet {
				fmt.Printf("✓ Linked %s → %s %s\n", args[0], entityType, entityID)
			}
			return nil
		},
	}

	cmd.Flags().String("entity-type", "", "Entity kind (bead, epic, memory, message, agent)")
	cmd.Flags().String("entity-id", "", "Entity id")
	cmd.Flags().String("link-type", "", "Relationship (caused, informed_by, supersedes, ...)")
	cmd.Flags().Float64("strength", 1.0, "Link strength 0..1")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}
