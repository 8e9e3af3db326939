package morm

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
)

// In-memory database/sql driver with an event log, so the DBPool adapter can
// be exercised against real database/sql plumbing.

type driverHandler func(query string, args []driver.NamedValue) (cols []string, rows [][]driver.Value, affected int64, err error)

type recConnector struct {
	h      driverHandler
	events *[]string
}

func (c *recConnector) Connect(context.Context) (driver.Conn, error) {
	return &recConn{h: c.h, events: c.events}, nil
}

func (c *recConnector) Driver() driver.Driver { return recDriver{} }

type recDriver struct{}

func (recDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open by DSN not supported; use sql.OpenDB")
}

type recConn struct {
	h      driverHandler
	events *[]string
}

func (c *recConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported in test driver")
}

func (c *recConn) Close() error { return nil }

func (c *recConn) Begin() (driver.Tx, error) {
	*c.events = append(*c.events, "begin")
	return recTx{events: c.events}, nil
}

func (c *recConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	*c.events = append(*c.events, "query: "+query)
	cols, rows, _, err := c.h(query, args)
	if err != nil {
		return nil, err
	}
	return &recRows{cols: cols, data: rows}, nil
}

func (c *recConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	*c.events = append(*c.events, "exec: "+query)
	_, _, affected, err := c.h(query, args)
	if err != nil {
		return nil, err
	}
	return recResult{affected: affected}, nil
}

type recTx struct{ events *[]string }

func (t recTx) Commit() error {
	*t.events = append(*t.events, "commit")
	return nil
}

func (t recTx) Rollback() error {
	*t.events = append(*t.events, "rollback")
	return nil
}

type recResult struct{ affected int64 }

func (r recResult) LastInsertId() (int64, error) { return 0, nil }
func (r recResult) RowsAffected() (int64, error) { return r.affected, nil }

type recRows struct {
	cols []string
	data [][]driver.Value
	i    int
}

func (r *recRows) Columns() []string { return append([]string(nil), r.cols...) }
func (r *recRows) Close() error      { return nil }

func (r *recRows) Next(dest []driver.Value) error {
	if r.i >= len(r.data) {
		return io.EOF
	}
	row := r.data[r.i]
	for i := range dest {
		if i < len(row) {
			dest[i] = row[i]
		} else {
			dest[i] = nil
		}
	}
	r.i++
	return nil
}

func newRecPool(t *testing.T, h driverHandler) (*DBPool, *[]string) {
	t.Helper()
	events := &[]string{}
	sdb := sql.OpenDB(&recConnector{h: h, events: events})
	t.Cleanup(func() { _ = sdb.Close() })
	return NewDBPool(sdb, nil), events
}

func TestDBPool_QueryBuffersBeforeRelease(t *testing.T) {
	pool, _ := newRecPool(t, func(query string, args []driver.NamedValue) ([]string, [][]driver.Value, int64, error) {
		return []string{"id", "name"}, [][]driver.Value{
			{int64(1), "ana"},
			{int64(2), "bo"},
		}, 0, nil
	})

	conn, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	cur, err := conn.Execute(context.Background(), Statement{SQL: "SELECT id, name FROM users", Returns: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := conn.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The cursor is client-side: releasing the connection does not
	// invalidate it.
	var n int
	for {
		row, err := cur.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(row) != 2 {
			t.Fatalf("row = %v", row)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
}

func TestDBPool_ExecReportsAffected(t *testing.T) {
	pool, events := newRecPool(t, func(query string, args []driver.NamedValue) ([]string, [][]driver.Value, int64, error) {
		return nil, nil, 4, nil
	})

	conn, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer func() { _ = conn.Release() }()

	cur, err := conn.Execute(context.Background(), Statement{SQL: "UPDATE users SET active = false"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cur.RowsAffected() != 4 {
		t.Fatalf("affected = %d, want 4", cur.RowsAffected())
	}
	if len(*events) != 1 || !strings.HasPrefix((*events)[0], "exec:") {
		t.Fatalf("events = %v", *events)
	}
}

func TestDBPool_TransactionCommits(t *testing.T) {
	pool, events := newRecPool(t, func(query string, args []driver.NamedValue) ([]string, [][]driver.Value, int64, error) {
		if strings.HasPrefix(query, "SELECT") {
			return []string{"currval"}, [][]driver.Value{{int64(9)}}, 0, nil
		}
		return nil, nil, 1, nil
	})

	conn, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer func() { _ = conn.Release() }()

	cursors, err := conn.Transaction(context.Background(), []Statement{
		{SQL: "INSERT INTO t (a) VALUES (1)"},
		{SQL: "SELECT CURRVAL('\"t_id_seq\"')", Returns: true},
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if len(cursors) != 2 {
		t.Fatalf("cursors = %d", len(cursors))
	}
	row, err := cursors[1].Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if row[0] != int64(9) {
		t.Fatalf("currval = %#v", row[0])
	}

	evts := *events
	if evts[0] != "begin" || evts[len(evts)-1] != "commit" {
		t.Fatalf("events = %v", evts)
	}
}

func TestDBPool_TransactionRollsBackOnFailure(t *testing.T) {
	boom := errors.New("constraint")
	pool, events := newRecPool(t, func(query string, args []driver.NamedValue) ([]string, [][]driver.Value, int64, error) {
		if strings.Contains(query, "bad") {
			return nil, nil, 0, boom
		}
		return nil, nil, 1, nil
	})

	conn, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer func() { _ = conn.Release() }()

	_, err = conn.Transaction(context.Background(), []Statement{
		{SQL: "INSERT INTO t (a) VALUES (1)"},
		{SQL: "INSERT bad"},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	found := false
	for _, e := range *events {
		if e == "rollback" {
			found = true
		}
		if e == "commit" {
			t.Fatalf("failed transaction committed: %v", *events)
		}
	}
	if !found {
		t.Fatalf("no rollback recorded: %v", *events)
	}
}

func TestDBPool_CheckoutHonorsContext(t *testing.T) {
	pool, _ := newRecPool(t, func(string, []driver.NamedValue) ([]string, [][]driver.Value, int64, error) {
		return nil, nil, 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Checkout(ctx)
	if err == nil {
		t.Fatal("checkout succeeded with canceled context")
	}
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("err = %v, want ErrConnectivity", err)
	}
}

func TestDBPool_ExplicitScope(t *testing.T) {
	pool, events := newRecPool(t, func(query string, args []driver.NamedValue) ([]string, [][]driver.Value, int64, error) {
		return nil, nil, 1, nil
	})

	conn, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer func() { _ = conn.Release() }()

	tc, ok := conn.(TxConn)
	if !ok {
		t.Fatal("DBPool connection does not implement TxConn")
	}
	if err := tc.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tc.Execute(context.Background(), Statement{SQL: "UPDATE t SET a = 1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := tc.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	evts := *events
	if len(evts) != 3 || evts[0] != "begin" || evts[2] != "commit" {
		t.Fatalf("events = %v", evts)
	}
}

func TestDBPool_ReleaseRollsBackOpenScope(t *testing.T) {
	pool, events := newRecPool(t, func(string, []driver.NamedValue) ([]string, [][]driver.Value, int64, error) {
		return nil, nil, 0, nil
	})

	conn, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	tc := conn.(TxConn)
	if err := tc.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := conn.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	found := false
	for _, e := range *events {
		if e == "rollback" {
			found = true
		}
	}
	if !found {
		t.Fatalf("open scope not rolled back on release: %v", *events)
	}
}
