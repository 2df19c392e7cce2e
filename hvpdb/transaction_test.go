package hvpdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/8w6s/hvpdb/group"
)

func TestTransactionExplicitCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test")
	db, err := Open(path, "pw", DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tx := db.Begin(context.Background())
	g, err := db.Group("events")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if _, err := g.Insert(tx.Context(), group.Document{"kind": "login"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if g.Count(nil) != 1 {
		t.Fatalf("expected 1 document after commit, got %d", g.Count(nil))
	}

	// Committing twice must be a harmless no-op.
	if err := tx.Commit(); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
}

func TestTransactionExplicitRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test")
	db, err := Open(path, "pw", DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	g, err := db.Group("events")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}

	tx := db.Begin(context.Background())
	if _, err := g.Insert(tx.Context(), group.Document{"kind": "login"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if g.Count(nil) != 0 {
		t.Fatalf("expected 0 documents after rollback, got %d", g.Count(nil))
	}
}
