package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/8w6s/hvpdb/internal/hvperrors"
	"github.com/8w6s/hvpdb/wal"
)

func walFileSize(t *testing.T, st *Storage) int64 {
	t.Helper()
	info, err := os.Stat(st.WALPath())
	if err != nil {
		t.Fatalf("stat WAL: %v", err)
	}
	return info.Size()
}

// TestOpenSaveReopenRoundTrip covers spec scenario S1: data written and
// checkpointed must survive a full close+reopen under the same password.
func TestOpenSaveReopenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "round.hvp")

	st, err := Open(path, "correct-horse", DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	docs := st.Groups()["users"]
	if docs == nil {
		docs = make(map[string]map[string]interface{})
		st.Groups()["users"] = docs
	}
	doc := map[string]interface{}{"name": "alice", "age": int64(30)}
	docs["id-1"] = doc
	if err := st.AppendData("", wal.Insert, "users", "id-1", doc, nil); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	st.MarkDirty()

	if err := st.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(path, "correct-horse", DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, ok := st2.Groups()["users"]["id-1"]
	if !ok {
		t.Fatal("expected document to survive reopen")
	}
	if got["name"] != "alice" {
		t.Fatalf("unexpected reopened document: %+v", got)
	}
}

// TestSaveTruncatesWAL covers spec scenario S5: Save must checkpoint the
// snapshot and truncate the WAL back to header-only, and the truncated
// state itself must still be openable/recoverable afterward.
func TestSaveTruncatesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.hvp")

	st, err := Open(path, "pw", DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		doc := map[string]interface{}{"n": i}
		docs := st.Groups()["items"]
		if docs == nil {
			docs = make(map[string]map[string]interface{})
			st.Groups()["items"] = docs
		}
		docs[id] = doc
		if err := st.AppendData("", wal.Insert, "items", id, doc, nil); err != nil {
			t.Fatalf("AppendData: %v", err)
		}
	}
	st.MarkDirty()

	sizeBeforeSave := walFileSize(t, st)

	if err := st.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sizeAfterSave := walFileSize(t, st)
	if sizeAfterSave >= sizeBeforeSave {
		t.Fatalf("expected Save to truncate the WAL, before=%d after=%d", sizeBeforeSave, sizeAfterSave)
	}
	if st.Dirty() {
		t.Fatal("expected Save to clear the dirty flag")
	}

	// The checkpoint must itself be fully recoverable: reopening against
	// the now-truncated WAL and the freshly written snapshot must still
	// produce every document.
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st2, err := Open(path, "pw", DefaultOptions())
	if err != nil {
		t.Fatalf("reopen after checkpoint: %v", err)
	}
	defer st2.Close()
	if len(st2.Groups()["items"]) != 5 {
		t.Fatalf("expected 5 items after checkpoint+reopen, got %d", len(st2.Groups()["items"]))
	}
}

// TestOpenWrongPasswordRejected covers spec scenario S6: opening an
// existing, password-protected database with the wrong password must fail
// with hvperrors.BadPassword, never silently succeed or panic.
func TestOpenWrongPasswordRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.hvp")

	st, err := Open(path, "right-password", DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st.MarkDirty()
	if err := st.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = Open(path, "wrong-password", DefaultOptions())
	if err == nil {
		t.Fatal("expected Open with the wrong password to fail")
	}
	if !hvperrors.Is(err, hvperrors.BadPassword) {
		t.Fatalf("expected a BadPassword error, got %v", err)
	}
}
