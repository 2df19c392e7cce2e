// Package lockmgr implements the three advisory file locks that coordinate
// concurrent processes sharing one database file: a shared/exclusive lock
// for readers and the snapshot-swap, and a long-held exclusive lock for the
// writer computing a new snapshot. Grounded on the teacher pack's
// calvinalkan-agent-task/lock.go (a hand-rolled syscall.Flock-with-timeout
// around a sibling ".lock" file) generalized onto github.com/gofrs/flock,
// the portable ecosystem wrapper over the same primitive.
package lockmgr

import (
	"context"
	"time"

	"github.com/8w6s/hvpdb/internal/hvplog"
	"github.com/gofrs/flock"
)

// DefaultTimeout matches the teacher pack's LockTimeout constant.
const DefaultTimeout = 5 * time.Second

const retryDelay = 10 * time.Millisecond

// Release drops a lock acquired by one of LockManager's methods. It is
// always safe to call even if the underlying acquisition degraded to a
// no-op warning.
type Release func()

// LockManager owns the two lock files living beside a database path:
// "<path>.lock" (shared for readers, exclusive for the swap) and
// "<path>.writelock" (exclusive, held while a checkpoint is computed).
type LockManager struct {
	readerSwapPath string
	writerPath     string
	timeout        time.Duration
}

// New builds a LockManager for the database at dbPath (the snapshot path;
// lock files are named by appending suffixes to it).
func New(dbPath string, timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LockManager{
		readerSwapPath: dbPath + ".lock",
		writerPath:     dbPath + ".writelock",
		timeout:        timeout,
	}
}

// ReaderLock acquires a shared lock on ".lock" for the duration of a load().
// Acquisition failures (e.g. a filesystem without locking support) are
// downgraded to a warning per spec §4.2/§7: the operation proceeds, because
// this is an embedded, best-effort, cross-process lock discipline.
func (lm *LockManager) ReaderLock() Release {
	return lm.acquire(lm.readerSwapPath, false, "reader")
}

// WriterLock acquires the long-held exclusive lock on ".writelock" while a
// new snapshot is computed and written to a temp file. It does not block
// readers, who serialize on the separate ".lock" file.
func (lm *LockManager) WriterLock() Release {
	return lm.acquire(lm.writerPath, true, "writer")
}

// CriticalSwapLock acquires the exclusive lock on ".lock". Storage.Save
// holds it only for the WAL truncation; the snapshot rename happens before
// it is taken. It briefly blocks readers.
func (lm *LockManager) CriticalSwapLock() Release {
	return lm.acquire(lm.readerSwapPath, true, "critical-swap")
}

func (lm *LockManager) acquire(path string, exclusive bool, name string) Release {
	logger := hvplog.WithComponent("lockmgr")
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), lm.timeout)
	defer cancel()

	var locked bool
	var err error
	if exclusive {
		locked, err = fl.TryLockContext(ctx, retryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, retryDelay)
	}

	if err != nil || !locked {
		logger.Warn().Str("lock", name).Str("path", path).Err(err).
			Msg("failed to acquire advisory file lock; proceeding without it (embedded, best-effort locking)")
		return func() {}
	}

	return func() {
		if unlockErr := fl.Unlock(); unlockErr != nil {
			logger.Warn().Str("lock", name).Str("path", path).Err(unlockErr).
				Msg("failed to release advisory file lock")
		}
	}
}
