package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// WithTx begins a transaction on the tenant-scoped connection held in ctx and
// returns a derived context carrying the transaction. Repositories route their
// queries through the transaction when one is present, so a service can make a
// multi-statement mutation atomic without the repository layer knowing.
//
// The caller owns the returned pgx.Tx and must Commit or Rollback it.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no database connection in context")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}

	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxFromContext retrieves the in-flight transaction from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}
