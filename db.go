package morm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrorHook inspects a backend-raised error before the pipeline returns it.
// Returning true propagates the error; returning false suppresses it, in
// which case the caller receives an empty cursor. The default hook always
// propagates.
type ErrorHook func(err error, sql string, args []any, requireCommit bool) bool

// Config holds the collaborators a DB is assembled from. Pool and Dialect
// are required; everything else has a default.
type Config struct {
	// Pool hands out backend connections. Use [NewDBPool] for database/sql.
	Pool Pool

	// Dialect describes the backend's capabilities.
	Dialect Dialect

	// Logger receives statement-level debug records and pipeline warnings.
	// If nil, a no-op logger is used.
	Logger *slog.Logger

	// Hook classifies backend errors. If nil, every error propagates.
	Hook ErrorHook

	// Resolver supplies the ordered dependent relations consumed by
	// cascading deletes. If nil, a resolver over the DB's registered models
	// is used.
	Resolver DependencyResolver
}

// DB is the execution pipeline: it turns statements into cursors, wrapping
// each committing statement in a single-statement transaction scope while in
// autocommit mode. Model operations are built on top of it.
//
// DB is safe for concurrent use; individual Query and Record instances are
// not.
type DB struct {
	pool     Pool
	dialect  Dialect
	logger   *slog.Logger
	hook     ErrorHook
	resolver DependencyResolver

	mu      sync.Mutex
	models  []*Model
	byTable map[string]*Model
}

// New assembles a DB from its collaborators.
func New(cfg Config) (*DB, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("morm: Config.Pool is required")
	}
	if cfg.Dialect == nil {
		return nil, fmt.Errorf("morm: Config.Dialect is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db := &DB{
		pool:    cfg.Pool,
		dialect: cfg.Dialect,
		logger:  logger,
		hook:    cfg.Hook,
		byTable: make(map[string]*Model),
	}
	db.resolver = cfg.Resolver
	if db.resolver == nil {
		db.resolver = &registryResolver{db: db}
	}
	return db, nil
}

// Dialect returns the backend dialect the DB was assembled with.
func (db *DB) Dialect() Dialect { return db.dialect }

// ExecSQL executes one statement. Checkout may block until the pool has a
// free connection; no internal timeout is imposed beyond ctx. When
// requireCommit is true the statement runs inside a single-statement
// transaction scope, so statement and commit are atomic together and the
// connection is held only for the duration of that scope.
func (db *DB) ExecSQL(ctx context.Context, stmt Statement, requireCommit bool) (Cursor, error) {
	db.logger.Debug("execute", "sql", stmt.SQL, "args", stmt.Args, "commit", requireCommit)

	conn, err := db.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Release() }()

	var cur Cursor
	if requireCommit {
		cursors, terr := conn.Transaction(ctx, []Statement{stmt})
		if terr == nil {
			cur = cursors[0]
		}
		err = terr
	} else {
		cur, err = conn.Execute(ctx, stmt)
	}
	if err != nil {
		return db.routeError(err, stmt, requireCommit)
	}
	return cur, nil
}

// ExecBatch executes the statements on one connection inside one transaction
// scope and returns their cursors in order. Insert key resolution uses it
// when the generated key must be read back in the inserting session.
func (db *DB) ExecBatch(ctx context.Context, stmts []Statement) ([]Cursor, error) {
	for _, stmt := range stmts {
		db.logger.Debug("execute", "sql", stmt.SQL, "args", stmt.Args, "commit", true)
	}

	conn, err := db.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Release() }()

	cursors, err := conn.Transaction(ctx, stmts)
	if err != nil {
		first := Statement{}
		if len(stmts) > 0 {
			first = stmts[0]
		}
		if _, herr := db.routeError(err, first, true); herr != nil {
			return nil, herr
		}
		return nil, nil
	}
	return cursors, nil
}

// routeError classifies err, then passes it through the hook. A suppressed
// error yields an empty cursor.
func (db *DB) routeError(err error, stmt Statement, requireCommit bool) (Cursor, error) {
	err = classify(db.dialect, err)
	if db.hook != nil && !db.hook(err, stmt.SQL, stmt.Args, requireCommit) {
		db.logger.Warn("backend error suppressed by hook",
			"sql", stmt.SQL,
			"error", err,
		)
		return emptyCursor(), nil
	}
	return nil, err
}

// Atomic runs fn inside an explicit transaction scope on a single pooled
// connection. The scope commits when fn returns nil and rolls back when fn
// returns an error or panics. Statements issued through the *Tx are not
// individually committed; the scope owns the commit.
//
// The pool's connections must implement [TxConn]; [DBPool] connections do.
func (db *DB) Atomic(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := db.pool.Checkout(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Release() }()

	tc, ok := conn.(TxConn)
	if !ok {
		return ErrNoTransactions
	}
	if err := tc.Begin(ctx); err != nil {
		return classify(db.dialect, err)
	}

	done := false
	defer func() {
		if !done {
			_ = tc.Rollback()
			if err == nil {
				err = fmt.Errorf("morm: transaction aborted")
			}
		}
	}()

	if err = fn(&Tx{db: db, conn: tc}); err != nil {
		_ = tc.Rollback()
		done = true
		return err
	}
	if err = tc.Commit(); err != nil {
		done = true
		return classify(db.dialect, err)
	}
	done = true
	return nil
}

// Tx is an explicit transaction scope handed to the function passed to
// [DB.Atomic]. It implements [Runner]: statements run on the scope's
// connection with no implicit per-statement commit.
type Tx struct {
	db   *DB
	conn TxConn
}

// ExecSQL executes one statement inside the scope. requireCommit is
// accepted for interface compatibility and ignored: the enclosing scope
// owns the commit.
func (tx *Tx) ExecSQL(ctx context.Context, stmt Statement, requireCommit bool) (Cursor, error) {
	tx.db.logger.Debug("execute (tx)", "sql", stmt.SQL, "args", stmt.Args)
	cur, err := tx.conn.Execute(ctx, stmt)
	if err != nil {
		return tx.db.routeError(err, stmt, false)
	}
	return cur, nil
}

// ExecBatch executes the statements sequentially inside the scope.
func (tx *Tx) ExecBatch(ctx context.Context, stmts []Statement) ([]Cursor, error) {
	cursors := make([]Cursor, 0, len(stmts))
	for _, stmt := range stmts {
		cur, err := tx.ExecSQL(ctx, stmt, false)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, cur)
	}
	return cursors, nil
}

// errIsIntegrity reports whether err is classified as a constraint
// violation.
func errIsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }
