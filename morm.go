package morm

import (
	"context"
)

// Statement is the unit of work handed to a backend connection:
// parameterized SQL text plus its ordered arguments. Returns reports whether
// the statement yields result rows (a SELECT, or a write statement carrying
// a RETURNING clause); connection adapters use it to pick the right driver
// primitive.
type Statement struct {
	SQL     string
	Args    []any
	Returns bool
}

// Cursor is a forward-only handle over a completed statement's result rows.
// It is owned exclusively by whichever materializer or key-resolution step
// is actively consuming it; it is not safe for concurrent use.
//
// Next returns the next row's values, or [io.EOF] once the rows are
// exhausted. RowsAffected reports the write count for statements that do not
// return rows, and -1 when the count is unknown.
type Cursor interface {
	Columns() []string
	Next() ([]any, error)
	RowsAffected() int64
	Close() error
}

// Conn is a single checked-out backend connection.
//
// Execute runs one statement. Transaction runs the given statements inside a
// single backend transaction, committing only if every statement succeeds;
// on any failure the transaction is rolled back and the error returned. Both
// calls block for the duration of the round trip and honor ctx cancellation
// to the extent the underlying transport does.
//
// Release returns the connection to its pool. After Release the connection
// must not be used.
type Conn interface {
	Execute(ctx context.Context, stmt Statement) (Cursor, error)
	Transaction(ctx context.Context, stmts []Statement) ([]Cursor, error)
	Release() error
}

// Pool hands out backend connections. Checkout may block until a connection
// is free; cancellation is the caller's ctx, no internal timeout is imposed.
//
// [DBPool] adapts any database/sql pool to this contract.
type Pool interface {
	Checkout(ctx context.Context) (Conn, error)
}

// Runner executes statements on behalf of queries. *DB runs each statement
// on a freshly checked-out connection with implicit single-statement
// transaction wrapping; *Tx runs everything on one connection inside an
// explicit transaction scope.
type Runner interface {
	// ExecSQL executes one statement. When requireCommit is true and the
	// runner is in autocommit mode, the statement runs inside a
	// single-statement transaction scope so that statement and commit are
	// atomic together.
	ExecSQL(ctx context.Context, stmt Statement, requireCommit bool) (Cursor, error)

	// ExecBatch executes the statements on one connection inside one
	// transaction scope and returns their cursors in order.
	ExecBatch(ctx context.Context, stmts []Statement) ([]Cursor, error)
}
