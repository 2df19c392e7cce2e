package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/8w6s/hvpdb/security"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	sec, err := security.New("test-password", nil, nil)
	if err != nil {
		t.Fatalf("security.New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "test.log")
	w, err := Open(path, sec, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestAppendAndReplayAppliesCommittedTransaction(t *testing.T) {
	w, _ := newTestWAL(t)

	txn := "txn-1"
	batch := []Record{
		{Seq: 1, Txn: txn, Type: Begin},
		{Seq: 2, Txn: txn, Type: Data, Op: Insert, Group: "users", ID: "a", After: map[string]interface{}{"name": "alice"}},
		{Seq: 3, Txn: txn, Type: Data, Op: Insert, Group: "users", ID: "b", After: map[string]interface{}{"name": "bob"}},
		{Seq: 4, Txn: txn, Type: Commit},
	}
	if err := w.WriteBatch(batch, true); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	var applied []Record
	count, err := w.Replay(0, func(r Record) error {
		applied = append(applied, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 2 || len(applied) != 2 {
		t.Fatalf("expected 2 applied DATA records, got %d", count)
	}
	if applied[0].ID != "a" || applied[1].ID != "b" {
		t.Fatalf("unexpected replay order: %+v", applied)
	}
}

func TestReplaySkipsRolledBackTransaction(t *testing.T) {
	w, _ := newTestWAL(t)

	txn := "txn-2"
	batch := []Record{
		{Seq: 1, Txn: txn, Type: Begin},
		{Seq: 2, Txn: txn, Type: Data, Op: Insert, Group: "users", ID: "a"},
	}
	if err := w.WriteBatch(batch, true); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Append(Record{Seq: 3, Txn: txn, Type: Rollback}, true); err != nil {
		t.Fatalf("Append rollback: %v", err)
	}

	count, err := w.Replay(0, func(r Record) error {
		t.Fatalf("apply should not be called for a rolled-back transaction, got %+v", r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 applied records, got %d", count)
	}
}

func TestReplaySkipsSeqAtOrBelowLastSeq(t *testing.T) {
	w, _ := newTestWAL(t)

	txn := "txn-3"
	batch := []Record{
		{Seq: 1, Txn: txn, Type: Begin},
		{Seq: 2, Txn: txn, Type: Data, Op: Insert, ID: "old"},
		{Seq: 3, Txn: txn, Type: Commit},
	}
	if err := w.WriteBatch(batch, true); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	count, err := w.Replay(3, func(r Record) error {
		t.Fatalf("no record should survive the snapshot's seq, got %+v", r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestReplayStopsCleanlyAtTruncatedTail(t *testing.T) {
	w, path := newTestWAL(t)

	txn := "txn-4"
	full := []Record{
		{Seq: 1, Txn: txn, Type: Begin},
		{Seq: 2, Txn: txn, Type: Data, Op: Insert, ID: "a"},
		{Seq: 3, Txn: txn, Type: Data, Op: Insert, ID: "b"},
		{Seq: 4, Txn: txn, Type: Commit},
	}
	if err := w.WriteBatch(full, true); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	// Truncate mid-transaction: keep the header plus BEGIN and the first
	// DATA frame, but drop the second DATA frame and the COMMIT entirely.
	// This simulates S4 (crash before COMMIT): the whole transaction must
	// vanish on replay.
	truncated := info.Size() * 3 / 5
	if err := os.Truncate(path, truncated); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	// Reopen with the same key, so replay decrypts the surviving frames and
	// stops at the truncated one rather than at a decrypt failure.
	w2, err := Open(path, w.sec, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	count, err := w2.Replay(0, func(r Record) error { return nil })
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the incomplete transaction to leave no trace, got count=%d", count)
	}
}

func TestTruncateResetsToHeaderOnly(t *testing.T) {
	w, path := newTestWAL(t)

	if err := w.Append(Record{Seq: 1, Type: Data, Op: Insert, ID: "a"}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != w.headerLen {
		t.Fatalf("expected file size %d to equal header length %d", info.Size(), w.headerLen)
	}

	count, err := w.Replay(0, func(r Record) error {
		t.Fatalf("no records should survive a truncate, got %+v", r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestLegacyRecordsWithoutTxnApplyDirectly(t *testing.T) {
	w, _ := newTestWAL(t)

	if err := w.WriteBatch([]Record{
		{Seq: 1, Type: Data, Op: Insert, ID: "legacy-a"},
		{Seq: 2, Type: Data, Op: Insert, ID: "legacy-b"},
	}, true); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	var ids []string
	count, err := w.Replay(0, func(r Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 2 || len(ids) != 2 {
		t.Fatalf("expected 2 legacy records applied, got %d", count)
	}
}
