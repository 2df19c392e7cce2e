// Package storage orchestrates the snapshot file, the WAL, and the
// cross-process locks into the load/replay and save/checkpoint protocols
// of spec §4.4. Grounded on the teacher pack's pkg/storage/engine.go (the
// facade shape: one struct wiring WAL + checkpoint manager + sequence
// tracker together) and original_source/hvpdb/storage.py for the exact
// protocol this spec mandates.
package storage

import (
	"strings"
	"sync"
	"time"

	"github.com/8w6s/hvpdb/internal/hvperrors"
	"github.com/8w6s/hvpdb/internal/hvplog"
	"github.com/8w6s/hvpdb/lockmgr"
	"github.com/8w6s/hvpdb/security"
	"github.com/8w6s/hvpdb/wal"
	"github.com/google/uuid"
)

// Storage owns one open database's durable state: the snapshot file, the
// WAL, the lock manager, and the in-memory mirror of {groups, _indexes,
// users, seq, meta} that Group handles read and mutate.
type Storage struct {
	path    string
	walPath string
	opts    Options

	sec  *security.Security
	wal  *wal.WAL
	lock *lockmgr.LockManager

	mu         sync.Mutex
	body       body
	dirty      bool
	seq        *seqTracker
	txnBuffers map[string][]wal.Record
}

// Open loads (or initializes) the database at path with password, per
// spec §4.4's load protocol.
func Open(path, password string, opts Options) (*Storage, error) {
	walPath := path + ".log"
	lock := lockmgr.New(path, opts.lockTimeout())

	release := lock.ReaderLock()
	b, sec, found, err := readSnapshot(path, password, nil, nil)
	release()
	if err != nil {
		return nil, err
	}

	if !found {
		b = emptyBody()
		if salt, kdf, ok, err := wal.ReadHeaderSaltAndKDF(walPath); err == nil && ok {
			sec, err = security.New(password, salt, &kdf)
			if err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		} else {
			sec, err = security.New(password, nil, opts.KDF)
			if err != nil {
				return nil, err
			}
		}
	}

	w, err := wal.Open(walPath, sec, opts.zstdLevel())
	if err != nil {
		return nil, err
	}

	s := &Storage{
		path:       path,
		walPath:    walPath,
		opts:       opts,
		sec:        sec,
		wal:        w,
		lock:       lock,
		body:       b,
		seq:        newSeqTracker(b.Seq),
		txnBuffers: make(map[string][]wal.Record),
	}

	if err := s.replayLocked(); err != nil {
		w.Close()
		return nil, err
	}

	return s, nil
}

// Normalize appends the ".hvp" extension to a bare path, per spec §4.6
// open(): a path ending in ".hvdb" names the (currently unimplemented)
// cluster-directory variant and is passed through unchanged.
func Normalize(path string) string {
	if strings.HasSuffix(path, ".hvp") || strings.HasSuffix(path, ".hvdb") {
		return path
	}
	return path + ".hvp"
}

func (s *Storage) replayLocked() error {
	applied, err := s.wal.Replay(s.seq.value(), func(rec wal.Record) error {
		s.applyRecord(rec)
		return nil
	})
	if err != nil {
		return err
	}
	if applied > 0 {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
	return nil
}

// applyRecord mutates the in-memory groups map for one already-validated
// DATA record (replay never re-validates uniqueness: that happened at
// original-write time). Index structures are rebuilt separately by
// RebuildIndexes, mirroring original_source's _apply_entry plus
// _rebuild_indexes split.
func (s *Storage) applyRecord(rec wal.Record) {
	if rec.Type != wal.Data {
		return
	}
	if rec.Seq > s.seq.value() {
		s.seq.set(rec.Seq)
	}
	if rec.Group == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.body.Groups[rec.Group]
	if !ok {
		group = make(map[string]map[string]interface{})
		s.body.Groups[rec.Group] = group
	}
	switch rec.Op {
	case wal.Insert, wal.Update:
		if rec.ID != "" && rec.After != nil {
			group[rec.ID] = rec.After
		}
	case wal.Delete:
		delete(group, rec.ID)
	}
}

// Groups returns the live, mutable group-document map and index map for
// direct use by the group package. Callers (Group) are responsible for
// holding whatever external serialization the caller's concurrency model
// requires; Storage itself does not make concurrent group mutation safe,
// matching spec §5's single-writer assumption.
func (s *Storage) Groups() map[string]map[string]map[string]interface{} { return s.body.Groups }

// Indexes returns the live index-spec map (group -> field -> spec).
func (s *Storage) Indexes() map[string]map[string]IndexSpec { return s.body.Indexes }

// Users returns the live users map.
func (s *Storage) Users() map[string]UserRecord { return s.body.Users }

// Meta returns the live metadata map.
func (s *Storage) Meta() map[string]interface{} { return s.body.Meta }

// MarkDirty flags that in-memory state has diverged from the last
// snapshot, so Commit knows to run Save.
func (s *Storage) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether a Save is pending.
func (s *Storage) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// BeginTxn allocates a transaction buffer and writes its BEGIN record into
// the buffer only (not yet to disk), per spec §4.4.
func (s *Storage) BeginTxn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := uuid.NewString()
	seq := s.seq.next()
	s.txnBuffers[txn] = []wal.Record{{Seq: seq, Txn: txn, Type: wal.Begin, Timestamp: nowUnix()}}
	return txn
}

// AppendData buffers (or, outside any transaction, writes directly to) one
// DATA record, per spec §4.4/§4.3.
func (s *Storage) AppendData(txn string, op wal.Op, group, id string, after, before map[string]interface{}) error {
	s.mu.Lock()
	seq := s.seq.next()
	rec := wal.Record{
		Seq: seq, Txn: txn, Type: wal.Data, Op: op,
		Group: group, ID: id, After: after, Before: before,
		Timestamp: nowUnix(),
	}
	if _, buffered := s.txnBuffers[txn]; txn != "" && buffered {
		s.txnBuffers[txn] = append(s.txnBuffers[txn], rec)
		s.dirty = true
		s.mu.Unlock()
		return nil
	}
	s.dirty = true
	s.mu.Unlock()
	return s.wal.Append(rec, s.opts.Durable)
}

// CommitTxn appends a COMMIT record to the buffer and writes the whole
// buffer as one atomic batch.
func (s *Storage) CommitTxn(txn string) error {
	s.mu.Lock()
	seq := s.seq.next()
	buf, ok := s.txnBuffers[txn]
	if !ok {
		s.mu.Unlock()
		return hvperrors.InvalidArgumentf("unknown transaction %q", txn)
	}
	buf = append(buf, wal.Record{Seq: seq, Txn: txn, Type: wal.Commit, Timestamp: nowUnix()})
	delete(s.txnBuffers, txn)
	s.mu.Unlock()

	return s.wal.WriteBatch(buf, s.opts.Durable)
}

// RollbackTxn discards the buffer and writes a ROLLBACK record directly to
// the WAL for audit, per spec §4.4.
func (s *Storage) RollbackTxn(txn string) error {
	s.mu.Lock()
	seq := s.seq.next()
	delete(s.txnBuffers, txn)
	s.mu.Unlock()

	return s.wal.Append(wal.Record{Seq: seq, Txn: txn, Type: wal.Rollback, Timestamp: nowUnix()}, s.opts.Durable)
}

// Save runs the checkpoint protocol: under the writer lock it
// encrypts+compresses the body to a temp file and renames it over the
// snapshot (writeSnapshot), then takes the critical-swap lock and
// truncates the WAL. The rename itself is not covered by the critical-swap
// lock; only the WAL truncation is.
func (s *Storage) Save() error {
	releaseWriter := s.lock.WriterLock()
	defer releaseWriter()

	s.mu.Lock()
	s.body.Seq = s.seq.value()
	snapshot := s.body
	s.mu.Unlock()

	if err := writeSnapshot(s.path, snapshot, s.sec, s.opts.zstdLevel()); err != nil {
		return err
	}

	releaseSwap := s.lock.CriticalSwapLock()
	defer releaseSwap()

	if err := s.wal.Truncate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// ChangePassword rotates the derived key under newPassword (a fresh
// random salt) and immediately forces a Save, so the on-disk snapshot and
// WAL header are re-encrypted under the new key before anything else can
// observe the old one. This is SPEC_FULL's supplemented password-rotation
// feature, grounded on original_source/hvpdb/core.py's change_password.
func (s *Storage) ChangePassword(newPassword string) error {
	if err := s.sec.Rotate(newPassword); err != nil {
		return err
	}
	s.MarkDirty()
	return s.Save()
}

// Commit runs Save only if state is dirty, per spec §4.6 commit().
func (s *Storage) Commit() error {
	if !s.Dirty() {
		return nil
	}
	return s.Save()
}

// Refresh reloads state from the snapshot+WAL (spec §4.6 refresh()). It
// does not rebuild group indexes; Database.Refresh does that for every
// cached group after this returns. force must be true if there are unsaved
// changes; otherwise Refresh refuses, matching original_source's guard
// against silently discarding uncommitted work.
func (s *Storage) Refresh(force bool) error {
	if s.Dirty() && !force {
		return hvperrors.InvalidArgumentf("cannot refresh with unsaved changes")
	}

	b, found, err := readSnapshotWithSecurity(s.path, s.sec)
	if err != nil {
		return err
	}
	if !found {
		b = emptyBody()
	}

	s.mu.Lock()
	s.body = b
	s.seq.set(b.Seq)
	s.txnBuffers = make(map[string][]wal.Record)
	s.dirty = false
	s.mu.Unlock()

	return s.replayLocked()
}

// Close commits pending changes, clears the security key, and closes the
// WAL, per spec §4.6 close().
func (s *Storage) Close() error {
	if err := s.Commit(); err != nil {
		hvplog.WithComponent("storage").Warn().Err(err).Msg("commit on close failed")
	}
	s.sec.Clear()
	return s.wal.Close()
}

// WALPath exposes the WAL's file path; the storage and group tests use it
// to measure the WAL file's size.
func (s *Storage) WALPath() string { return s.walPath }

// WALReplayAll replays the whole WAL from seq 0, for audit-trail reads
// (spec's D.2 supplemented feature) — it never mutates Storage's own
// state, only feeds records to collect.
func (s *Storage) WALReplayAll(collect func(wal.Record)) error {
	_, err := s.wal.Replay(0, func(r wal.Record) error {
		collect(r)
		return nil
	})
	return err
}

// nowUnix is a small seam so WAL record timestamps are produced from one
// place; it is not mockable time (this is embedded library code, not a
// service with a test clock), just a readability aid.
func nowUnix() int64 { return timeNow().Unix() }

func timeNow() time.Time { return time.Now() }
