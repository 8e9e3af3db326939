package morm

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
)

// TxConn is implemented by pool connections that can open an explicit
// transaction scope spanning multiple Execute calls. [DB.Atomic] requires
// it; the single-statement implicit scope of the execution pipeline only
// needs the base [Conn] contract.
type TxConn interface {
	Conn
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
}

// DBPool adapts a *sql.DB to the [Pool] contract. Checkout maps to
// (*sql.DB).Conn, which blocks until a pooled connection is free or ctx is
// done; database/sql owns the free list and its synchronization.
//
// Cursors returned by DBPool connections are client-side: the result set is
// fully read before the cursor is handed back, so releasing the connection
// never invalidates a cursor.
type DBPool struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDBPool wraps db. A nil logger discards pool diagnostics.
func NewDBPool(db *sql.DB, logger *slog.Logger) *DBPool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DBPool{db: db, logger: logger}
}

// Checkout borrows a connection. The caller must Release it when done.
func (p *DBPool) Checkout(ctx context.Context) (Conn, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		p.logger.Warn("connection checkout failed", "error", err)
		return nil, &backendError{kind: ErrConnectivity, err: err}
	}
	return &dbConn{conn: c}, nil
}

type dbConn struct {
	conn *sql.Conn
	tx   *sql.Tx // non-nil while an explicit scope is open
}

func (c *dbConn) Execute(ctx context.Context, stmt Statement) (Cursor, error) {
	if c.tx != nil {
		return runStatement(ctx, c.tx, stmt)
	}
	return runStatement(ctx, c.conn, stmt)
}

func (c *dbConn) Transaction(ctx context.Context, stmts []Statement) ([]Cursor, error) {
	if c.tx != nil {
		return nil, fmt.Errorf("morm: transaction already open")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	cursors := make([]Cursor, 0, len(stmts))
	for _, stmt := range stmts {
		cur, err := runStatement(ctx, tx, stmt)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		cursors = append(cursors, cur)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cursors, nil
}

func (c *dbConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("morm: transaction already open")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *dbConn) Commit() error {
	if c.tx == nil {
		return fmt.Errorf("morm: no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *dbConn) Rollback() error {
	if c.tx == nil {
		return fmt.Errorf("morm: no open transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

func (c *dbConn) Release() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.conn.Close()
}

// sqlRunner is satisfied by *sql.Conn and *sql.Tx.
type sqlRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// runStatement executes one statement and materializes its outcome into a
// client-side cursor, so the connection can move on to the next statement
// (or be released) immediately.
func runStatement(ctx context.Context, r sqlRunner, stmt Statement) (Cursor, error) {
	if stmt.Returns {
		rows, err := r.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return nil, err
		}
		return readRows(rows)
	}
	res, err := r.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = -1
	}
	return &bufCursor{affected: affected}, nil
}

func readRows(rows *sql.Rows) (_ Cursor, err error) {
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	cur := &bufCursor{cols: cols, affected: -1}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		cur.rows = append(cur.rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cur, nil
}

// bufCursor is a forward-only cursor over already-fetched rows.
type bufCursor struct {
	cols     []string
	rows     [][]any
	i        int
	affected int64
}

func (c *bufCursor) Columns() []string { return c.cols }

func (c *bufCursor) Next() ([]any, error) {
	if c.i >= len(c.rows) {
		return nil, io.EOF
	}
	row := c.rows[c.i]
	c.i++
	return row, nil
}

func (c *bufCursor) RowsAffected() int64 { return c.affected }
func (c *bufCursor) Close() error        { return nil }

// emptyCursor is handed out when the error hook suppresses a backend error.
func emptyCursor() Cursor { return &bufCursor{affected: 0} }
