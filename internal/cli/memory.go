package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/memory"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Store and search semantic memory",
		Long: `Store and search semantic memory.

Memories carry tags, a collection, a confidence score, and an age
tier that decays from hot through warm and cold to stale. Search is
vector similarity when an embedder is configured, full-text
otherwise.`,
	}
	cmd.AddCommand(memoryStoreCmd())
	cmd.AddCommand(memoryFindCmd())
	cmd.AddCommand(memoryGetCmd())
	cmd.AddCommand(memoryUpdateCmd())
	cmd.AddCommand(memoryDeleteCmd())
	cmd.AddCommand(memoryValidateCmd())
	cmd.AddCommand(memoryStatsCmd())
	cmd.AddCommand(memoryBackfillCmd())
	cmd.AddCommand(memoryEntitiesCmd())
	cmd.AddCommand(memoryEntityCmd())
	cmd.AddCommand(memoryTaxonomyCmd())
	return cmd
}

func memoryStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store CONTENT",
		Short: "Store a memory",
		Long: `Store a memory.

Entity extraction, entity tags, and similarity links are on by
default; the --no-* flags switch them off. Storing the same content
twice returns the existing id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, _ := cmd.Flags().GetStringSlice("tag")
			collection, _ := cmd.Flags().GetString("collection")
			confidence, _ := cmd.Flags().GetFloat64("confidence")
			noExtract, _ := cmd.Flags().GetBool("no-extract")
			noAutoTag, _ := cmd.Flags().GetBool("no-auto-tag")
			noAutoLink, _ := cmd.Flags().GetBool("no-auto-link")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			result, err := sess.Memory().Store(cmd.Context(), memory.StoreRequest{
				Content:         args[0],
				Tags:            tags,
				Collection:      collection,
				Confidence:      confidence,
				ExtractEntities: !noExtract,
				AutoTag:         !noAutoTag,
				AutoLink:        !noAutoLink,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				if result.Duplicate {
					fmt.Printf("✓ Already stored: %s\n", result.ID)
				} else {
					fmt.Printf("✓ Memory stored: %s\n", result.ID)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	cmd.Flags().String("collection", "", "Collection name")
	cmd.Flags().Float64("confidence", 0, "Confidence 0..1 (default 0.7)")
	cmd.Flags().Bool("no-extract", false, "Skip entity extraction")
	cmd.Flags().Bool("no-auto-tag", false, "Skip entity-derived tags")
	cmd.Flags().Bool("no-auto-link", false, "Skip similarity links")
	return cmd
}

func memoryFindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find QUERY",
		Short: "Search memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			fts, _ := cmd.Flags().GetBool("fts")
			expand, _ := cmd.Flags().GetBool("expand")
			collection, _ := cmd.Flags().GetString("collection")
			tier, _ := cmd.Flags().GetString("tier")

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			results, err := sess.Memory().Find(cmd.Context(), args[0], memory.FindOptions{
				Limit:      limit,
				FTS:        fts,
				Expand:     expand,
				Collection: collection,
				DecayTier:  tier,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(results)
			}
			if len(results) == 0 {
				if !flagQuiet {
					fmt.Println("No memories found")
				}
				return nil
			}
			for _, r := range results {
				fmt.Printf("%.2f  %s  [%s/%s]  %s\n",
					r.Score, r.ID, r.Collection, r.DecayTier, truncateLine(r.Content, 70))
				for _, rel := range r.Related {
					fmt.Printf("      ↳ %s (%s)  %s\n", rel.ID, rel.Relation, truncateLine(rel.Content, 60))
				}
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 10, "Maximum results")
	cmd.Flags().Bool("fts", false, "Force full-text search")
	cmd.Flags().Bool("expand", false, "Include linked memories")
	cmd.Flags().String("collection", "", "Restrict to a collection")
	cmd.Flags().String("tier", "", "Restrict to a decay tier (hot, warm, cold, stale)")
	return cmd
}

func memoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			m, err := sess.Memory().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(m)
			}
			fmt.Printf("%s  [%s/%s]  confidence %.2f\n", m.ID, m.Collection, m.DecayTier, m.Confidence)
			fmt.Printf("  Created: %s ago\n", formatAge(m.CreatedAt))
			if m.ValidatedAt != nil {
				fmt.Printf("  Validated: %s ago\n", formatAge(*m.ValidatedAt))
			}
			if len(m.Tags) > 0 {
				fmt.Printf("  Tags: %s\n", strings.Join(m.Tags, ", "))
			}
			fmt.Printf("\n%s\n", m.Content)
			return nil
		},
	}
}

func memoryUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			patch := event.MemoryPatch{
				Content:    stringFlag(cmd, "content"),
				Collection: stringFlag(cmd, "collection"),
				Confidence: float64Flag(cmd, "confidence"),
			}
			if cmd.Flags().Changed("tag") {
				tags, _ := cmd.Flags().GetStringSlice("tag")
				patch.Tags = &tags
			}
			if err := sess.Memory().Update(cmd.Context(), args[0], patch); err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]string{"id": args[0]})
			}
			if !flagQuiet {
				fmt.Printf("✓ Memory updated: %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().String("content", "", "New content (re-embeds)")
	cmd.Flags().StringSlice("tag", nil, "Replacement tag set (repeatable)")
	cmd.Flags().String("collection", "", "New collection")
	cmd.Flags().Float64("confidence", 0, "New confidence 0..1")
	return cmd
}

func memoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Memory().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"id": args[0]})
			}
			if !flagQuiet {
				fmt.Printf("✓ Memory deleted: %s\n", args[0])
			}
			return nil
		},
	}
}

func memoryValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate ID",
		Short: "Mark a memory as still true",
		Long: `Mark a memory as still true.

Validation resets the decay clock, so a confirmed memory stays hot
instead of aging toward stale.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			if err := sess.Memory().Validate(cmd.Context(), args[0]); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]string{"id": args[0]})
			}
			if !flagQuiet {
				fmt.Printf("✓ Memory validated: %s\n", args[0])
			}
			return nil
		},
	}
}

func memoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			stats, err := sess.Memory().Stats(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(stats)
			}
			fmt.Printf("Memories: %d (%d embedded)\n", stats.Memories, stats.Vectors)
			for _, tier := range []string{"hot", "warm", "cold", "stale"} {
				if n := stats.ByTier[tier]; n > 0 {
					fmt.Printf("  %s: %d\n", tier, n)
				}
			}
			if len(stats.ByCollection) > 0 {
				fmt.Println("Collections:")
				for name, n := range stats.ByCollection {
					fmt.Printf("  %s: %d\n", name, n)
				}
			}
			fmt.Printf("Entities: %d (%d taxonomy links)\n", stats.Entities, stats.TaxonomyLinks)
			fmt.Printf("Memory links: %d\n", stats.MemoryLinks)
			fmt.Printf("Validations: %d\n", stats.Validations)
			return nil
		},
	}
}

func memoryBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Embed memories stored without vectors",
		Long: `Embed memories stored without vectors.

Useful after configuring an embedder for a project that already has
memories: they were findable by full-text only until now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			n, err := sess.Memory().BackfillEmbeddings(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]int{"embedded": n})
			}
			if !flagQuiet {
				fmt.Printf("✓ Backfilled %d embedding(s)\n", n)
			}
			return nil
		},
	}
}

func memoryEntitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List extracted entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			entities, err := sess.Memory().ListEntities(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(entities)
			}
			if len(entities) == 0 {
				if !flagQuiet {
					fmt.Println("No entities")
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTITY\tMEMORIES\tALT LABELS")
			for _, e := range entities {
				fmt.Fprintf(w, "%s\t%d\t%s\n", e.PrefLabel, e.MemoryCount, strings.Join(e.AltLabels, ", "))
			}
			return w.Flush()
		},
	}
}

func memoryEntityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entity LABEL",
		Short: "Show an entity with its taxonomy neighbors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			entity, err := sess.Memory().GetEntity(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(entity)
			}
			fmt.Printf("%s (%d memories)\n", entity.PrefLabel, entity.MemoryCount)
			if len(entity.AltLabels) > 0 {
				fmt.Printf("  Also known as: %s\n", strings.Join(entity.AltLabels, ", "))
			}
			if len(entity.Broader) > 0 {
				fmt.Printf("  Broader: %s\n", strings.Join(entity.Broader, ", "))
			}
			if len(entity.Narrower) > 0 {
				fmt.Printf("  Narrower: %s\n", strings.Join(entity.Narrower, ", "))
			}
			for _, id := range entity.MemoryIDs {
				fmt.Printf("  memory: %s\n", id)
			}
			return nil
		},
	}
}

func memoryTaxonomyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "taxonomy ROOT",
		Short: "Print the concept tree under an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			tree, err := sess.Memory().TaxonomyTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(tree)
			}
			printTaxonomy(tree, 0)
			return nil
		},
	}
}

func printTaxonomy(node *memory.TaxonomyNode, depth int) {
	fmt.Printf("%s%s\n", strings.Repeat("  ", depth), node.Label)
	for _, child := range node.Children {
		printTaxonomy(child, depth+1)
	}
}
