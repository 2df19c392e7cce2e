package group

import "context"

// ambientTxnKey binds a transaction id to a context.Context, the Go
// equivalent of the contextvars-based "current transaction" slot the
// original Python implementation keeps on the Database object (spec §4.7).
type ambientTxnKey struct{}

// WithTxn returns a context carrying txn as the ambient transaction: group
// operations called with it participate in txn instead of opening their
// own implicit one.
func WithTxn(ctx context.Context, txn string) context.Context {
	return context.WithValue(ctx, ambientTxnKey{}, txn)
}

// AmbientTxn returns the transaction id bound to ctx, if any.
func AmbientTxn(ctx context.Context) (string, bool) {
	txn, ok := ctx.Value(ambientTxnKey{}).(string)
	return txn, ok
}
