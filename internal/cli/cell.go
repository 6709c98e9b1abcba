package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/jsonl"
)

func cellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cell",
		Short: "Track work items",
		Long: `Track work items ("cells") through their lifecycle.

Cells move open → in_progress → closed, or get blocked along the way.
Every mutation is an event; partial ids are accepted anywhere a cell
id is.`,
	}
	cmd.AddCommand(cellCreateCmd())
	cmd.AddCommand(cellListCmd())
	cmd.AddCommand(cellShowCmd())
	cmd.AddCommand(cellUpdateCmd())
	cmd.AddCommand(cellStatusCmd())
	cmd.AddCommand(cellCloseCmd())
	cmd.AddCommand(cellDeleteCmd())
	cmd.AddCommand(cellLabelCmd())
	cmd.AddCommand(cellCommentCmd())
	cmd.AddCommand(cellCommentsCmd())
	return cmd
}

func cellCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create TITLE",
		Short: "Create a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			issueType, _ := cmd.Flags().GetString("type")
			parent, _ := cmd.Flags().GetString("parent")
			assignee, _ := cmd.Flags().GetString("assignee")
			by, _ := cmd.Flags().GetString("by")
			labels, _ := cmd.Flags().GetStringSlice("label")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			cell, err := sess.Hive().CreateCell(cmd.Context(), hive.CreateRequest{
				Title:       args[0],
				Description: description,
				IssueType:   issueType,
				Priority:    intFlag(cmd, "priority"),
				ParentID:    parent,
				Assignee:    assignee,
				CreatedBy:   by,
				Labels:      labels,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(cell)
			}
			if !flagQuiet {
				fmt.Printf("✓ Cell created: %s\n", cell.ID)
				fmt.Printf("  %s [%s, p%d]\n", cell.Title, cell.IssueType, cell.Priority)
			}
			return nil
		},
	}

	cmd.Flags().String("description", "", "Longer description")
	cmd.Flags().String("type", "", "Issue type (task, bug, feature, epic, chore)")
	cmd.Flags().Int("priority", 2, "Priority 0 (urgent) to 4 (backlog)")
	cmd.Flags().String("parent", "", "Parent cell id")
	cmd.Flags().String("assignee", "", "Assigned agent")
	cmd.Flags().String("by", "", "Creating agent")
	cmd.Flags().StringSlice("label", nil, "Label (repeatable)")
	return cmd
}

func cellListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cells",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			issueType, _ := cmd.Flags().GetString("type")
			parent, _ := cmd.Flags().GetString("parent")
			assignee, _ := cmd.Flags().GetString("assignee")
			label, _ := cmd.Flags().GetString("label")
			limit, _ := cmd.Flags().GetInt("limit")
			deleted, _ := cmd.Flags().GetBool("deleted")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			cells, err := sess.Hive().QueryCells(cmd.Context(), hive.Query{
				Status:            status,
				IssueType:         issueType,
				ParentID:          parent,
				Assignee:          assignee,
				Label:             label,
				Limit:             limit,
				IncludeTombstones: deleted,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(cells)
			}
			printCellTable(cells)
			return nil
		},
	}

	cmd.Flags().String("status", "", "Filter by status (open, in_progress, blocked, closed)")
	cmd.Flags().String("type", "", "Filter by issue type")
	cmd.Flags().String("parent", "", "Filter by parent cell")
	cmd.Flags().String("assignee", "", "Filter by assignee")
	cmd.Flags().String("label", "", "Filter by label")
	cmd.Flags().Int("limit", 50, "Maximum cells")
	cmd.Flags().Bool("deleted", false, "Include deleted cells")
	return cmd
}

func printCellTable(cells []hive.Cell) {
	if len(cells) == 0 {
		if !flagQuiet {
			fmt.Println("No cells")
		}
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tP\tSTATUS\tTYPE\tASSIGNEE\tTITLE\tAGE")
	for _, c := range cells {
		status := c.Status
		if c.Blocked && c.Status != hive.StatusBlocked {
			status += "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Priority, status, c.IssueType, c.Assignee,
			truncateLine(c.Title, 50), formatAge(c.CreatedAt))
	}
	_ = w.Flush()
}

// cellDetail is the show command's JSON shape.
type cellDetail struct {
	hive.Cell
	Dependencies []hive.Edge    `json:"dependencies,omitempty"`
	Dependents   []hive.Edge    `json:"dependents,omitempty"`
	Comments     []hive.Comment `json:"comments,omitempty"`
}

func cellShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a cell with dependencies and comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()
			ctx := cmd.Context()

			cell, err := sess.Hive().Get(ctx, args[0])
			if err != nil {
				return err
			}
			deps, err := sess.Hive().Dependencies(ctx, cell.ID)
			if err != nil {
				return err
			}
			dependents, err := sess.Hive().Dependents(ctx, cell.ID)
			if err != nil {
				return err
			}
			comments, err := sess.Hive().Comments(ctx, cell.ID)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(cellDetail{
					Cell: *cell, Dependencies: deps, Dependents: dependents, Comments: comments,
				})
			}

			fmt.Printf("%s: %s\n", cell.ID, cell.Title)
			fmt.Printf("  Status: %s", cell.Status)
			if cell.Blocked {
				fmt.Print(" (blocked by dependencies)")
			}
			fmt.Println()
			fmt.Printf("  Type: %s  Priority: %d\n", cell.IssueType, cell.Priority)
			if cell.Assignee != "" {
				fmt.Printf("  Assignee: %s\n", cell.Assignee)
			}
			if cell.ParentID != "" {
				fmt.Printf("  Parent: %s\n", cell.ParentID)
			}
			fmt.Printf("  Created: %s ago", formatAge(cell.CreatedAt))
			if cell.CreatedBy != "" {
				fmt.Printf(" by %s", cell.CreatedBy)
			}
			fmt.Println()
			if cell.ClosedAt != nil {
				fmt.Printf("  Closed: %s ago (%s)\n", formatAge(*cell.ClosedAt), cell.CloseReason)
			}
			if len(cell.Labels) > 0 {
				fmt.Printf("  Labels: %s\n", strings.Join(cell.Labels, ", "))
			}
			if cell.Description != "" {
				fmt.Printf("\n%s\n", cell.Description)
			}
			if len(deps) > 0 {
				fmt.Println("\nDepends on:")
				for _, e := range deps {
					fmt.Printf("  %s [%s] %s (%s)\n", e.DependsOnID, e.Relationship, e.Title, e.Status)
				}
			}
			if len(dependents) > 0 {
				fmt.Println("\nBlocks:")
				for _, e := range dependents {
					fmt.Printf("  %s [%s] %s (%s)\n", e.CellID, e.Relationship, e.Title, e.Status)
				}
			}
			if len(comments) > 0 {
				fmt.Printf("\nComments (%d):\n", len(comments))
				for _, c := range comments {
					author := c.Author
					if author == "" {
						author = "anonymous"
					}
					fmt.Printf("  [%d] %s, %s ago: %s\n", c.Index, author, formatAge(c.CreatedAt), c.Body)
				}
			}
			return nil
		},
	}
}

func cellUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update cell fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			patch := event.CellPatch{
				Title:       stringFlag(cmd, "title"),
				Description: stringFlag(cmd, "description"),
				Priority:    intFlag(cmd, "priority"),
				ParentID:    stringFlag(cmd, "parent"),
				Assignee:    stringFlag(cmd, "assignee"),
			}
			cell, err := sess.Hive().UpdateCell(cmd.Context(), args[0], patch, by)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(cell)
			}
			if !flagQuiet {
				fmt.Printf("✓ Cell updated: %s\n", cell.ID)
			}
			return nil
		},
	}

	cmd.Flags().String("title", "", "New title")
	cmd.Flags().String("description", "", "New description")
	cmd.Flags().Int("priority", 0, "New priority")
	cmd.Flags().String("parent", "", "New parent id (empty string detaches)")
	cmd.Flags().String("assignee", "", "New assignee (empty string unassigns)")
	cmd.Flags().String("by", "", "Acting agent")
	return cmd
}

func cellStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status ID STATUS",
		Short: "Move a cell to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Hive().ChangeStatus(cmd.Context(), args[0], args[1], by); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"id": args[0], "status": args[1]})
			}
			if !flagQuiet {
				fmt.Printf("✓ %s → %s\n", args[0], args[1])
			}
			return nil
		},
	}
	cmd.Flags().String("by", "", "Acting agent")
	return cmd
}

func cellCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close ID",
		Short: "Close a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Hive().CloseCell(cmd.Context(), args[0], reason, by); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"id": args[0], "status": hive.StatusClosed})
			}
			if !flagQuiet {
				fmt.Printf("✓ Cell closed: %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Close reason")
	cmd.Flags().String("by", "", "Acting agent")
	return cmd
}

func cellDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a cell (tombstone)",
		Long: `Delete a cell.

Deletion tombstones the cell: it disappears from listings but the
events that created it remain in the log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Hive().DeleteCell(cmd.Context(), args[0], reason, by); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"id": args[0], "status": hive.StatusTombstone})
			}
			if !flagQuiet {
				fmt.Printf("✓ Cell deleted: %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Deletion reason")
	cmd.Flags().String("by", "", "Acting agent")
	return cmd
}

func cellLabelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Manage cell labels",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add ID LABEL",
		Short: "Add a label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return relabel(cmd.Context(), args[0], args[1], true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove ID LABEL",
		Short: "Remove a label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return relabel(cmd.Context(), args[0], args[1], false)
		},
	})
	return cmd
}

func relabel(ctx context.Context, id, label string, add bool) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	if add {
		err = sess.Hive().AddLabel(ctx, id, label)
	} else {
		err = sess.Hive().RemoveLabel(ctx, id, label)
	}
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(map[string]string{"id": id, "label": label})
	}
	if !flagQuiet {
		verb := "labeled"
		if !add {
			verb = "unlabeled"
		}
		fmt.Printf("✓ Cell %s: %s [%s]\n", verb, id, label)
	}
	return nil
}

func cellCommentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment ID BODY",
		Short: "Comment on a cell",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Hive().AddComment(cmd.Context(), args[0], by, args[1]); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"id": args[0]})
			}
			if !flagQuiet {
				fmt.Printf("✓ Comment added to %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().String("by", "", "Comment author")
	return cmd
}

func cellCommentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comments ID",
		Short: "List a cell's comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			comments, err := sess.Hive().Comments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(comments)
			}
			if len(comments) == 0 {
				if !flagQuiet {
					fmt.Println("No comments")
				}
				return nil
			}
			for _, c := range comments {
				author := c.Author
				if author == "" {
					author = "anonymous"
				}
				fmt.Printf("[%d] %s, %s ago\n%s\n\n", c.Index, author, formatAge(c.CreatedAt), c.Body)
			}
			return nil
		},
	}
}

func depCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage cell dependencies",
		Long: `Manage cell dependencies.

Relationships: blocks (affects readiness), related, discovered-from.
The dependency graph stays acyclic over all relationship kinds.`,
	}
	cmd.AddCommand(depAddCmd())
	cmd.AddCommand(depRemoveCmd())
	cmd.AddCommand(depListCmd())
	cmd.AddCommand(depBlockersCmd())
	return cmd
}

func depAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add FROM TO",
		Short: "Record that FROM depends on TO",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, _ := cmd.Flags().GetString("type")
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Hive().AddDependency(cmd.Context(), args[0], args[1], rel, by); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"from": args[0], "to": args[1], "relationship": rel})
			}
			if !flagQuiet {
				fmt.Printf("✓ Dependency added: %s → %s\n", args[0], args[1])
			}
			return nil
		},
	}
	cmd.Flags().String("type", hive.RelBlocks, "Relationship (blocks, related, discovered-from)")
	cmd.Flags().String("by", "", "Acting agent")
	return cmd
}

func depRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove FROM TO",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, _ := cmd.Flags().GetString("type")
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Hive().RemoveDependency(cmd.Context(), args[0], args[1], rel, by); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"from": args[0], "to": args[1], "relationship": rel})
			}
			if !flagQuiet {
				fmt.Printf("✓ Dependency removed: %s → %s\n", args[0], args[1])
			}
			return nil
		},
	}
	cmd.Flags().String("type", hive.RelBlocks, "Relationship (blocks, related, discovered-from)")
	cmd.Flags().String("by", "", "Acting agent")
	return cmd
}

func depListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list ID",
		Short: "Show a cell's dependency edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()
			ctx := cmd.Context()

			deps, err := sess.Hive().Dependencies(ctx, args[0])
			if err != nil {
				return err
			}
			dependents, err := sess.Hive().Dependents(ctx, args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string][]hive.Edge{"dependencies": deps, "dependents": dependents})
			}
			if len(deps) == 0 && len(dependents) == 0 {
				if !flagQuiet {
					fmt.Println("No dependencies")
				}
				return nil
			}
			for _, e := range deps {
				fmt.Printf("depends on  %s [%s] %s (%s)\n", e.DependsOnID, e.Relationship, e.Title, e.Status)
			}
			for _, e := range dependents {
				fmt.Printf("blocks      %s [%s] %s (%s)\n", e.CellID, e.Relationship, e.Title, e.Status)
			}
			return nil
		},
	}
}

func depBlockersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blockers ID",
		Short: "List the open cells blocking this one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			blockers, err := sess.Hive().Blockers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(blockers)
			}
			if len(blockers) == 0 {
				if !flagQuiet {
					fmt.Println("Not blocked")
				}
				return nil
			}
			for _, id := range blockers {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func readyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List cells ready to work on",
		Long: `List cells ready to work on: open, unassigned or assigned,
with no open blocking dependencies, ordered by priority then age.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			cells, err := sess.Hive().Ready(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cells)
			}
			printCellTable(cells)
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "Maximum cells")
	return cmd
}

func epicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epic TITLE",
		Short: "Create an epic with subtasks",
		Long: `Create an epic with subtasks in one atomic step.

Each --subtask adds a child task. For plans with files and
dependencies, use 'swarm decompose' with a plan file instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			by, _ := cmd.Flags().GetString("by")
			subtasks, _ := cmd.Flags().GetStringSlice("subtask")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			req := hive.EpicRequest{
				Title:       args[0],
				Description: description,
				Priority:    intFlag(cmd, "priority"),
				CreatedBy:   by,
			}
			for _, title := range subtasks {
				req.Subtasks = append(req.Subtasks, hive.SubtaskSpec{Title: title})
			}

			result, err := sess.Hive().CreateEpic(cmd.Context(), req)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				fmt.Printf("✓ Epic created: %s\n", result.Epic.ID)
				for _, st := range result.Subtasks {
					fmt.Printf("  %s  %s\n", st.ID, st.Title)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("description", "", "Epic description")
	cmd.Flags().Int("priority", 2, "Priority 0 (urgent) to 4 (backlog)")
	cmd.Flags().String("by", "", "Creating agent")
	cmd.Flags().StringSlice("subtask", nil, "Subtask title (repeatable)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [ID...]",
		Short: "Export cells as JSONL",
		Long: `Export cells as JSONL, one record per line with dependencies,
labels, and comments attached. Without ids the whole project is
exported. Writes to stdout unless --out is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			deleted, _ := cmd.Flags().GetBool("deleted")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			records, err := sess.Hive().Export(cmd.Context(), hive.ExportOptions{
				IncludeDeleted: deleted,
				CellIDs:        args,
			})
			if err != nil {
				return err
			}

			if out == "" {
				for _, rec := range records {
					line, err := json.Marshal(rec)
					if err != nil {
						return err
					}
					fmt.Println(string(line))
				}
				return nil
			}

			rows := make([]any, len(records))
			for i, rec := range records {
				rows[i] = rec
			}
			checksum, err := jsonl.New(out).WriteAll(cmd.Context(), rows)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"cells": len(records), "path": out, "checksum": checksum})
			}
			if !flagQuiet {
				fmt.Printf("✓ Exported %d cell(s) to %s\n", len(records), out)
				fmt.Printf("  Checksum: %s\n", checksum)
			}
			return nil
		},
	}

	cmd.Flags().String("out", "", "Write to a file instead of stdout")
	cmd.Flags().Bool("deleted", false, "Include deleted cells")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import cells from a JSONL export",
		Long: `Import cells from a JSONL export.

Records whose content hash matches an existing cell are skipped,
matching ids with different content update, and everything else
creates. --dry-run reports the counts without writing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			skipExisting, _ := cmd.Flags().GetBool("skip-existing")
			by, _ := cmd.Flags().GetString("by")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			result, err := sess.Hive().ImportFile(cmd.Context(), args[0], hive.ImportOptions{
				Actor:        by,
				DryRun:       dryRun,
				SkipExisting: skipExisting,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				prefix := "✓ Imported"
				if dryRun {
					prefix = "Would import"
				}
				fmt.Printf("%s: %d created, %d updated, %d skipped\n",
					prefix, result.Created, result.Updated, result.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().Bool("dry-run", false, "Report counts without writing")
	cmd.Flags().Bool("skip-existing", false, "Never update existing cells")
	cmd.Flags().String("by", "", "Acting agent")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the snapshot file and import external edits",
		Long: `Watch the .hive JSONL snapshot and import changes made by other
tools (or synced through git) into the event log. Runs until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if !flagQuiet {
				fmt.Printf("Watching %s (Ctrl-C to stop)\n", sess.Hive().SnapshotPath())
			}
			if err := sess.Hive().Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
