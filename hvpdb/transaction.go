package hvpdb

import "context"

// Transaction is a handle to one in-flight transaction bound to a
// context.Context (group.WithTxn). Grounded on original_source's
// HVPTransaction, adapted for Go: there is no __enter__/__exit__, so
// callers either use Database.WithTransaction for scoped commit/rollback,
// or call Commit/Rollback explicitly.
//
// Unlike the original, Insert/Update/Delete mutate the in-memory group
// state immediately (see group.Group), not on commit. A transaction's
// WAL records are still buffered until Commit, which is why Rollback
// must force a Refresh: it discards the in-memory mutations a rolled-back
// transaction already made, since those never reached the WAL as DATA
// records outside the (now-discarded) buffer.
type Transaction struct {
	db  *Database
	ctx context.Context
	txn string

	done bool
}

// Context returns the context.Context bound to this transaction. Pass it
// to Group.Insert/Update/Delete so their WAL writes are buffered under
// this transaction instead of being written directly.
func (t *Transaction) Context() context.Context { return t.ctx }

// ID returns the transaction's identifier.
func (t *Transaction) ID() string { return t.txn }

// Commit flushes the buffered WAL records as one atomic batch.
func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.db.st.CommitTxn(t.txn)
}

// Rollback discards the buffered WAL records and forces a refresh so any
// in-memory mutations already applied by the transaction's operations are
// undone.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.db.st.RollbackTxn(t.txn); err != nil {
		return err
	}
	return t.db.Refresh(true)
}
