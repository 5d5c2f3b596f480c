package transaction

import "context"

// Transaction is the behavior shared by client and server transactions.
type Transaction interface {
	// Key identifies the transaction for matching incoming messages.
	Key() Key
	// Terminate moves the transaction directly to the Terminated state,
	// releasing its timers.
	Terminate()
	// Done is closed once the transaction reaches the Terminated state.
	Done() <-chan struct{}
}

// contextKey namespaces values transaction.go's helpers stash on a
// context, distinct from any key an embedding application might use.
type contextKey string

const txContextKey contextKey = "transaction"

// WithTransaction returns a context carrying tx, so handlers invoked with
// it can recover which transaction delivered a message.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txContextKey, tx)
}

// FromContext returns the transaction stashed by WithTransaction, if any.
func FromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txContextKey).(Transaction)
	return tx, ok
}
