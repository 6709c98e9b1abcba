// SwarmMail coordinator loop example.
//
// This example demonstrates:
// - Opening a project session
// - Registering agents and sending mail
// - Decomposing a plan into an epic with subtasks
// - Spawning a worker with file reservations
// - Checkpointing, review, and completion
// - Storing and recalling semantic memory
//
// Usage:
//   go run swarm-loop.go

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hexframe/swarmmail/internal/mailbox"
	"github.com/hexframe/swarmmail/internal/memory"
	"github.com/hexframe/swarmmail/internal/session"
	"github.com/hexframe/swarmmail/internal/swarm"
)

func main() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "swarmmail-example-")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// 1. Open a session. The project key is normally the repo root; a
	// scratch directory keeps this example self-contained.
	sess, err := session.Open(ctx, dir, session.Options{
		DBPath: filepath.Join(dir, "swarmmail.db"),
	})
	if err != nil {
		log.Fatalf("open session: %v", err)
	}
	defer sess.Close()
	log.Printf("✓ Session open for %s", sess.Project())

	// 2. Register the coordinator and a worker.
	for _, req := range []session.RegisterRequest{
		{Name: "queen", Program: "claude-code", TaskDescription: "coordinates the swarm"},
		{Name: "worker-1", Program: "claude-code", TaskDescription: "implements subtasks"},
	} {
		if err := sess.RegisterAgent(ctx, req); err != nil {
			log.Fatalf("register %s: %v", req.Name, err)
		}
		log.Printf("✓ Registered %s", req.Name)
	}

	// 3. Kick off a thread.
	sent, err := sess.Mailbox().Send(ctx, mailbox.SendRequest{
		From:    "queen",
		To:      []string{"worker-1"},
		Subject: "parser port",
		Body:    "Port the config parser. Plan follows.",
	})
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	log.Printf("✓ Message sent: %s", sent.MessageID)

	// 4. Decompose a plan into an epic. Decomposition JSON is what a
	// planning agent returns from the PlanPrompt.
	plan, err := swarm.ParseDecomposition([]byte(`{
		"epic_title": "Port the config parser",
		"strategy": "file-based",
		"subtasks": [
			{"title": "Port lexer", "files": ["lexer.go"]},
			{"title": "Port grammar", "files": ["grammar.go"], "depends_on": [0]}
		]
	}`))
	if err != nil {
		log.Fatalf("parse plan: %v", err)
	}
	dec, err := sess.Swarm().Decompose(ctx, plan, "queen")
	if err != nil {
		log.Fatalf("decompose: %v", err)
	}
	log.Printf("✓ Epic %s with %d subtasks (%s strategy)", dec.Epic.ID, len(dec.Subtasks), dec.Strategy)

	bead := dec.Subtasks[0].ID

	// 5. Spawn the worker on the first subtask. Files are reserved
	// before the prompt is handed out; a conflict aborts the spawn.
	spawned, err := sess.Swarm().SpawnSubtask(ctx, swarm.SpawnRequest{
		BeadID: bead,
		Worker: "worker-1",
	})
	if err != nil {
		log.Fatalf("spawn: %v", err)
	}
	log.Printf("✓ Spawned worker-1 on %s (%d file(s) reserved)", spawned.BeadID, len(spawned.Granted))

	// 6. The worker checkpoints progress so a replacement can resume.
	// Empty fields keep their spawn-time values.
	err = sess.Swarm().Checkpoint(ctx, swarm.CheckpointRequest{
		BeadID:     bead,
		Directives: "token cases done, scanner loop next",
	})
	if err != nil {
		log.Fatalf("checkpoint: %v", err)
	}

	// 7. Review and approve.
	if _, err := sess.Swarm().ReviewBegin(ctx, bead, "queen"); err != nil {
		log.Fatalf("review begin: %v", err)
	}
	review, err := sess.Swarm().ReviewFeedback(ctx, swarm.FeedbackRequest{
		BeadID:   bead,
		Reviewer: "queen",
		Worker:   "worker-1",
		Verdict:  swarm.VerdictApproved,
	})
	if err != nil {
		log.Fatalf("review feedback: %v", err)
	}
	log.Printf("✓ Review %s (attempt %d)", review.State, review.Attempt)

	// 8. Complete: files touched are checked against the reservations,
	// the cell closes, and every lease the worker holds is released.
	done, err := sess.Swarm().Complete(ctx, swarm.CompleteRequest{
		BeadID:       bead,
		Worker:       "worker-1",
		Summary:      "lexer ported",
		FilesTouched: []string{"lexer.go"},
	})
	if err != nil {
		log.Fatalf("complete: %v", err)
	}
	log.Printf("✓ Completed %s, released %d reservation(s)", done.BeadID, done.Released)

	// 9. Remember what was learned. Without an embedding model both the
	// dedup check and the search below run on FTS5.
	stored, err := sess.Memory().Store(ctx, memory.StoreRequest{
		Content:         "The config lexer treats CRLF as a single newline token.",
		Collection:      "learned",
		ExtractEntities: true,
	})
	if err != nil {
		log.Fatalf("memory store: %v", err)
	}
	log.Printf("✓ Memory stored: %s", stored.ID)

	found, err := sess.Memory().Find(ctx, "lexer newline", memory.FindOptions{Limit: 3})
	if err != nil {
		log.Fatalf("memory find: %v", err)
	}
	for _, r := range found {
		fmt.Printf("   %.2f  %s\n", r.Score, r.Content)
	}
}
