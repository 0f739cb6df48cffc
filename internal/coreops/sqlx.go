// sqlx.go adapts *sqlx.DB/*sqlx.Tx onto the QueryExecutor/CommandExecutor
// primitives above, the same thin-wrapper shape the teacher's
// PostgreSQLRepository (internal/community/repository.go,
// internal/monitoring/repository.go) uses — but with no entity-specific
// SQL baked in here: per spec.md §6, this core defines the persistence
// *interface*, not a schema. A host wires its own queries through these
// primitives.
package coreops

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver, registered for a host's sql.Open("postgres", ...)
)

// SqlxExecutor adapts a *sqlx.DB (or *sqlx.Tx, which shares this method
// set) onto QueryExecutor and CommandExecutor.
type SqlxExecutor struct {
	db sqlxHandle
}

// sqlxHandle is the subset of *sqlx.DB / *sqlx.Tx this adapter needs.
type sqlxHandle interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NewSqlxExecutor wraps db for use behind the coreops primitives.
func NewSqlxExecutor(db *sqlx.DB) *SqlxExecutor {
	return &SqlxExecutor{db: db}
}

// NewSqlxTxExecutor wraps an in-flight transaction the same way.
func NewSqlxTxExecutor(tx *sqlx.Tx) *SqlxExecutor {
	return &SqlxExecutor{db: tx}
}

func (s *SqlxExecutor) QueryRow(ctx context.Context, query string, args ...interface{}) Scanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *SqlxExecutor) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *SqlxExecutor) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}
