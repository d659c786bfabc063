package sqljobstore

import (
	"context"
	"database/sql"
)

// sqlDB is the minimal subset of *sql.Conn / *sql.Tx that statement-level
// helpers need. Both types satisfy it, so command closures built for the
// write-only transaction work unchanged whether they end up running inside
// a transaction or directly against a session.
type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlExecer picks the transaction if the action context is running inside
// one, falling back to the bare session otherwise.
func sqlExecer(actx *ActionContext) sqlDB {
	if actx.Tx != nil {
		return actx.Tx
	}
	return actx.Session
}
