package morm

import (
	"context"
	"strings"
	"testing"
)

// Shared scripted fakes for the Pool/Conn/Cursor contracts. A fakePool hands
// out connections whose statements are answered by the pool's handler; every
// pool-level event is appended to the log so tests can assert on execution
// order and transaction boundaries.

type stmtHandler func(stmt Statement) (Cursor, error)

type fakePool struct {
	h            stmtHandler
	log          []string
	stmts        []Statement
	checkouts    int
	failCheckout error
}

func (p *fakePool) Checkout(ctx context.Context) (Conn, error) {
	if p.failCheckout != nil {
		return nil, p.failCheckout
	}
	p.checkouts++
	p.log = append(p.log, "checkout")
	return &fakeConn{p: p}, nil
}

func (p *fakePool) run(stmt Statement) (Cursor, error) {
	p.log = append(p.log, "exec: "+stmt.SQL)
	p.stmts = append(p.stmts, stmt)
	if p.h == nil {
		return newCursor(nil), nil
	}
	return p.h(stmt)
}

// fakeConn implements TxConn so the same fixture serves implicit scopes,
// batches, and Atomic.
type fakeConn struct {
	p    *fakePool
	inTx bool
}

func (c *fakeConn) Execute(ctx context.Context, stmt Statement) (Cursor, error) {
	return c.p.run(stmt)
}

func (c *fakeConn) Transaction(ctx context.Context, stmts []Statement) ([]Cursor, error) {
	c.p.log = append(c.p.log, "begin")
	cursors := make([]Cursor, 0, len(stmts))
	for _, stmt := range stmts {
		cur, err := c.p.run(stmt)
		if err != nil {
			c.p.log = append(c.p.log, "rollback")
			return nil, err
		}
		cursors = append(cursors, cur)
	}
	c.p.log = append(c.p.log, "commit")
	return cursors, nil
}

func (c *fakeConn) Begin(ctx context.Context) error {
	c.inTx = true
	c.p.log = append(c.p.log, "begin")
	return nil
}

func (c *fakeConn) Commit() error {
	c.inTx = false
	c.p.log = append(c.p.log, "commit")
	return nil
}

func (c *fakeConn) Rollback() error {
	c.inTx = false
	c.p.log = append(c.p.log, "rollback")
	return nil
}

func (c *fakeConn) Release() error {
	c.p.log = append(c.p.log, "release")
	return nil
}

// plainConn strips the TxConn methods so Atomic can be exercised against a
// pool without explicit-transaction support.
type plainConn struct {
	c *fakeConn
}

func (c plainConn) Execute(ctx context.Context, stmt Statement) (Cursor, error) {
	return c.c.Execute(ctx, stmt)
}

func (c plainConn) Transaction(ctx context.Context, stmts []Statement) ([]Cursor, error) {
	return c.c.Transaction(ctx, stmts)
}

func (c plainConn) Release() error { return c.c.Release() }

type plainPool struct {
	fakePool
}

func (p *plainPool) Checkout(ctx context.Context) (Conn, error) {
	conn, err := p.fakePool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	return plainConn{c: conn.(*fakeConn)}, nil
}

// fakeDialect has independently toggleable capabilities so every insert
// key-resolution strategy can be scripted.
type fakeDialect struct {
	name      string
	ph        Placeholder
	returning bool
	sequences bool
	many      bool
	classify  func(error) error
}

func (d *fakeDialect) Name() string {
	if d.name == "" {
		return "fake"
	}
	return d.name
}

func (d *fakeDialect) Placeholder() Placeholder { return d.ph }
func (d *fakeDialect) InsertReturning() bool    { return d.returning }
func (d *fakeDialect) Sequences() bool          { return d.sequences }
func (d *fakeDialect) InsertMany() bool         { return d.many }

func (d *fakeDialect) QuoteIdent(n string) string {
	return `"` + strings.ReplaceAll(n, `"`, `""`) + `"`
}

func (d *fakeDialect) TypeName(t ColumnType) string { return strings.ToUpper(t.String()) }
func (d *fakeDialect) SerialType() string           { return "SERIAL" }

func (d *fakeDialect) Classify(err error) error {
	if d.classify != nil {
		return d.classify(err)
	}
	return nil
}

func newCursor(cols []string, rows ...[]any) *bufCursor {
	return &bufCursor{cols: cols, rows: rows, affected: int64(len(rows))}
}

func affectedCursor(n int64) *bufCursor { return &bufCursor{affected: n} }

func newTestDB(t *testing.T, d Dialect, h stmtHandler) (*DB, *fakePool) {
	t.Helper()
	pool := &fakePool{h: h}
	db, err := New(Config{Pool: pool, Dialect: d})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return db, pool
}

func usersTable() *Table {
	return &Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: TypeInt},
			{Name: "username", Type: TypeString},
			{Name: "active", Type: TypeBool},
		},
		PrimaryKey: []string{"id"},
	}
}

func tweetsTable() *Table {
	return &Table{
		Name: "tweets",
		Columns: []Column{
			{Name: "id", Type: TypeInt},
			{Name: "user_id", Type: TypeInt},
			{Name: "body", Type: TypeString},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{
			{Column: "user_id", RefTable: "users", RefColumn: "id"},
		},
	}
}

func hasLogEntry(log []string, entry string) bool {
	for _, l := range log {
		if l == entry {
			return true
		}
	}
	return false
}

func logIndex(log []string, entry string) int {
	for i, l := range log {
		if strings.HasPrefix(l, entry) {
			return i
		}
	}
	return -1
}
