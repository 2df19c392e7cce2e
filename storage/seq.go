package storage

import "sync/atomic"

// seqTracker is a thread-safe monotonic counter for WAL record sequence
// numbers, grounded on the teacher pack's LSNTracker (storage/lsn_tracker.go):
// an atomic uint64 rather than a mutex, since increment-and-read is the only
// operation that matters on the hot path.
type seqTracker struct {
	current uint64
}

func newSeqTracker(start uint64) *seqTracker {
	return &seqTracker{current: start}
}

// next advances the counter by one and returns the new value. Spec §4.4
// requires seq to advance exactly once per WAL record (BEGIN, each DATA,
// COMMIT, ROLLBACK).
func (t *seqTracker) next() uint64 {
	return atomic.AddUint64(&t.current, 1)
}

func (t *seqTracker) value() uint64 {
	return atomic.LoadUint64(&t.current)
}

func (t *seqTracker) set(v uint64) {
	atomic.StoreUint64(&t.current, v)
}
