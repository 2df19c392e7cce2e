package group

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/8w6s/hvpdb/query"
	"github.com/8w6s/hvpdb/storage"
)

func walSize(t *testing.T, st *storage.Storage) int64 {
	t.Helper()
	info, err := os.Stat(st.WALPath())
	if err != nil {
		t.Fatalf("stat WAL: %v", err)
	}
	return info.Size()
}

func newTestGroup(t *testing.T, name string) (*Group, *storage.Storage) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.hvp")
	st, err := storage.Open(path, "pw", storage.DefaultOptions())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(name, st), st
}

func TestInsertAndFind(t *testing.T) {
	g, _ := newTestGroup(t, "users")
	ctx := context.Background()

	doc, err := g.Insert(ctx, Document{"name": "alice", "age": 30})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if doc["_id"] == "" || doc["_created_at"] == nil {
		t.Fatalf("expected generated _id and _created_at, got %+v", doc)
	}

	found := g.Find(query.Query{"name": "alice"})
	if len(found) != 1 || found[0]["age"] != 30 {
		t.Fatalf("unexpected find result: %+v", found)
	}
}

func TestUniqueIndexFailFast(t *testing.T) {
	g, st := newTestGroup(t, "users")
	ctx := context.Background()

	if err := g.CreateIndex("email", true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if _, err := g.Insert(ctx, Document{"email": "a@x"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	sizeBefore := walSize(t, st)

	_, err := g.Insert(ctx, Document{"email": "a@x"})
	if err == nil {
		t.Fatal("expected duplicate insert to fail")
	}

	sizeAfter := walSize(t, st)
	if sizeAfter != sizeBefore {
		t.Fatalf("expected no WAL growth after a failed unique insert, before=%d after=%d", sizeBefore, sizeAfter)
	}
	if g.Count(query.Query{}) != 1 {
		t.Fatalf("expected count 1 after failed duplicate insert, got %d", g.Count(query.Query{}))
	}
}

func TestUpdateCapturesBeforeImageAndMerges(t *testing.T) {
	g, _ := newTestGroup(t, "users")
	ctx := context.Background()

	doc, _ := g.Insert(ctx, Document{"name": "bob", "age": 20})
	id := doc["_id"].(string)

	updated, err := g.Update(ctx, query.Query{"_id": id}, Document{"age": 21})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(updated) != 1 || updated[0]["age"] != 21 || updated[0]["name"] != "bob" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
}

func TestDeleteRemovesDocumentAndIndexEntry(t *testing.T) {
	g, _ := newTestGroup(t, "users")
	ctx := context.Background()

	if err := g.CreateIndex("email", true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	doc, _ := g.Insert(ctx, Document{"email": "c@x"})
	id := doc["_id"].(string)

	n, err := g.Delete(ctx, query.Query{"_id": id})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if g.Count(query.Query{}) != 0 {
		t.Fatal("expected group empty after delete")
	}

	// The email value must be free for reuse now that the index entry was
	// removed alongside the document.
	if _, err := g.Insert(ctx, Document{"email": "c@x"}); err != nil {
		t.Fatalf("expected reinsert of freed unique value to succeed: %v", err)
	}
}

// TestUpdateRollsBackAllPriorDocumentsOnMidBatchFailure covers a multi-
// document Update where a later document's unique-constraint check fails:
// every document already mutated earlier in the same call must be
// restored, not just the one that failed.
func TestUpdateRollsBackAllPriorDocumentsOnMidBatchFailure(t *testing.T) {
	g, _ := newTestGroup(t, "widgets")
	ctx := context.Background()

	if err := g.CreateIndex("tag", true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	first, err := g.Insert(ctx, Document{"kind": "x", "tag": "a"})
	if err != nil {
		t.Fatalf("Insert first: %v", err)
	}
	firstID := first["_id"].(string)
	if _, err := g.Insert(ctx, Document{"kind": "x", "tag": "b"}); err != nil {
		t.Fatalf("Insert second: %v", err)
	}
	if _, err := g.Insert(ctx, Document{"kind": "x", "tag": "c"}); err != nil {
		t.Fatalf("Insert third: %v", err)
	}

	// Every document matches {"kind": "x"}, so the update visits all three,
	// in sorted id order. Re-tagging them all to "dup" succeeds for the
	// first one visited (claiming the unique value) and must fail on the
	// second, since the unique index now already holds "dup" for that
	// first document.
	_, err = g.Update(ctx, query.Query{"kind": "x"}, Document{"tag": "dup"})
	if err == nil {
		t.Fatal("expected the mid-batch unique violation to fail the whole Update")
	}

	// The first document's mutation must have been undone, not left applied.
	restored, ok := g.FindOne(query.Query{"_id": firstID})
	if !ok {
		t.Fatal("expected first document to still exist after rollback")
	}
	if restored["tag"] != "a" {
		t.Fatalf("expected first document's tag restored to \"a\" after rollback, got %v", restored["tag"])
	}

	// No document should carry the partially-applied "dup" tag.
	if n := g.Count(query.Query{"tag": "dup"}); n != 0 {
		t.Fatalf("expected 0 documents tagged \"dup\" after rollback, got %d", n)
	}

	// The original tags must still resolve via the unique index.
	if _, ok := g.FindOne(query.Query{"tag": "a"}); !ok {
		t.Fatal("expected original unique index entry for tag \"a\" to still work")
	}
}

// TestIndexRejectsNonScalarValue covers inserting a document whose indexed
// field holds a slice (an Array value in the document model), which cannot
// serve as a Go map key. It must fail cleanly, not panic, and must not
// leave a partially-inserted document behind.
func TestIndexRejectsNonScalarValue(t *testing.T) {
	g, _ := newTestGroup(t, "tagged")
	ctx := context.Background()

	if err := g.CreateIndex("labels", false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	_, err := g.Insert(ctx, Document{"labels": []interface{}{"a", "b"}})
	if err == nil {
		t.Fatal("expected inserting a slice-valued indexed field to fail")
	}
	if g.Count(query.Query{}) != 0 {
		t.Fatalf("expected no document left behind after rejected insert, got count %d", g.Count(query.Query{}))
	}
}
