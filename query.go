package morm

import (
	"context"
	"errors"
	"io"
	"strings"
)

// query is the state shared by every query variant: the bound model, the
// runner it executes on, and the dirty flag driving result memoization.
// A query instance has at most one outstanding execution in flight; it is
// not re-entrant and callers serialize access to a single instance.
type query struct {
	model    *Model
	via      Runner
	res      *Result
	dirty    bool
	lastStmt Statement
}

func (q *query) runner() Runner {
	if q.via != nil {
		return q.via
	}
	return q.model.db
}

func (q *query) dialect() Dialect { return q.model.db.dialect }

// SelectQuery reads rows from one table. Mutators return the receiver for
// chaining and mark the query dirty; executing a dirty query discards any
// cached result and re-runs the statement.
type SelectQuery struct {
	query
	columns []string
	rawCols []string // literal projections, e.g. the "1" existence probe
	conds   []Cond
	orderBy []string
	limit   int
	offset  int
}

// Columns restricts the projection; the default is every table column.
func (q *SelectQuery) Columns(cols ...string) *SelectQuery {
	q.columns = cols
	q.dirty = true
	return q
}

// Where appends criteria, combined with AND.
func (q *SelectQuery) Where(conds ...Cond) *SelectQuery {
	q.conds = append(q.conds, conds...)
	q.dirty = true
	return q
}

// OrderBy replaces the ordering; prefix a column with "-" for descending.
func (q *SelectQuery) OrderBy(cols ...string) *SelectQuery {
	q.orderBy = cols
	q.dirty = true
	return q
}

func (q *SelectQuery) Limit(n int) *SelectQuery {
	q.limit = n
	q.dirty = true
	return q
}

func (q *SelectQuery) Offset(n int) *SelectQuery {
	q.offset = n
	q.dirty = true
	return q
}

// Via runs the query on the given runner (a *Tx scope) instead of the DB.
func (q *SelectQuery) Via(r Runner) *SelectQuery {
	q.via = r
	return q
}

// clone returns an independent copy with no cached result, used for the
// derived probes (Get's limit-1 variant, Exists' literal-1 variant).
func (q *SelectQuery) clone() *SelectQuery {
	return &SelectQuery{
		query:   query{model: q.model, via: q.via, dirty: true},
		columns: append([]string(nil), q.columns...),
		rawCols: append([]string(nil), q.rawCols...),
		conds:   append([]Cond(nil), q.conds...),
		orderBy: append([]string(nil), q.orderBy...),
		limit:   q.limit,
		offset:  q.offset,
	}
}

// Execute runs the select at most once while clean: a cached result is
// returned as-is, and only a dirty mark triggers re-execution (discarding
// and replacing the cached result).
func (q *SelectQuery) Execute(ctx context.Context) (*Result, error) {
	if q.res != nil && !q.dirty {
		return q.res, nil
	}
	stmt := buildSelect(q.dialect(), q)
	q.lastStmt = stmt
	cur, err := q.runner().ExecSQL(ctx, stmt, false)
	if err != nil {
		return nil, err
	}
	q.res = newResult(q.model, cur)
	q.dirty = false
	return q.res, nil
}

// All executes the query and materializes every row.
func (q *SelectQuery) All(ctx context.Context) ([]*Record, error) {
	res, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return res.All()
}

// First materializes exactly one row without forcing full consumption of
// the cursor. It returns (nil, nil) on an empty result.
func (q *SelectQuery) First(ctx context.Context) (*Record, error) {
	res, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return res.First()
}

// Get materializes exactly one row and fails with a *NotFoundError carrying
// the statement text and bound parameters if none match. The probe always
// reads the first matching row; any pagination on the query is discarded.
func (q *SelectQuery) Get(ctx context.Context) (*Record, error) {
	probe := q.clone().Limit(1).Offset(0)
	rec, err := probe.First(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &NotFoundError{SQL: probe.lastStmt.SQL, Args: probe.lastStmt.Args}
	}
	return rec, nil
}

// Exists runs a cheap probe, a single-column single-row "literal 1" variant
// of the query, rather than materializing real rows.
func (q *SelectQuery) Exists(ctx context.Context) (bool, error) {
	probe := q.clone().Limit(1).Offset(0)
	probe.rawCols = []string{"1"}
	probe.columns = nil
	probe.orderBy = nil
	v, err := probe.Scalar(ctx, false)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Scalar returns the first column of the first row. Without conversion the
// value is read straight off the cursor; with conversion it goes through
// full row materialization and field-level type conversion. Either way the
// resolved value (or explicit nil for an empty result) is always returned.
func (q *SelectQuery) Scalar(ctx context.Context, convert bool) (any, error) {
	res, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return res.scalar(convert)
}

// InsertResult reports the outcome of an insert. For a single-row insert PK
// holds the resolved key: a scalar for a single-column key, an ordered
// []any for a composite key, or nil when no resolution strategy applied.
// For a bulk insert with requested ids, IDs holds the generated keys in row
// order. The per-row fallback mode (backend without multi-row insert)
// produces neither PK nor IDs; OK alone reports success.
type InsertResult struct {
	PK  any
	IDs []any
	OK  bool
}

// InsertQuery writes one or more rows, or the rows of a subquery.
type InsertQuery struct {
	query
	rows      []map[string]any
	multi     bool
	fromCols  []string
	from      *SelectQuery
	returnIDs bool
}

// ReturnIDList asks a bulk insert to report the generated keys in row
// order. It requires a backend with both multi-row insert and RETURNING
// support; otherwise the result carries the success flag only.
func (q *InsertQuery) ReturnIDList() *InsertQuery {
	q.returnIDs = true
	return q
}

// Via runs the query on the given runner (a *Tx scope) instead of the DB.
func (q *InsertQuery) Via(r Runner) *InsertQuery {
	q.via = r
	return q
}

// Execute runs the insert and resolves generated keys by the first
// applicable strategy: a RETURNING clause when the backend has one, else a
// session-local CURRVAL read when the key has a sequence, else no key.
func (q *InsertQuery) Execute(ctx context.Context) (*InsertResult, error) {
	d := q.dialect()
	t := q.model.table

	switch {
	case q.from != nil:
		return q.executeFrom(ctx, d, t)
	case !q.multi:
		return q.executeSingle(ctx, d, t)
	case !d.InsertMany():
		return q.executeLoop(ctx, d, t)
	default:
		return q.executeMulti(ctx, d, t)
	}
}

func (q *InsertQuery) executeSingle(ctx context.Context, d Dialect, t *Table) (*InsertResult, error) {
	switch {
	case d.InsertReturning() && len(t.PrimaryKey) > 0:
		stmt := buildInsert(d, t, q.rows, t.PrimaryKey)
		q.lastStmt = stmt
		cur, err := q.runner().ExecSQL(ctx, stmt, true)
		if err != nil {
			return nil, err
		}
		pk, err := readReturnedKey(cur, t)
		if err != nil {
			return nil, err
		}
		return &InsertResult{PK: pk, OK: true}, nil

	case d.Sequences() && t.Sequence != "" && len(t.PrimaryKey) == 1:
		// CURRVAL is session-local, so the insert and the read-back must
		// share a connection: run both in one transaction scope.
		stmt := buildInsert(d, t, q.rows, nil)
		q.lastStmt = stmt
		cursors, err := q.runner().ExecBatch(ctx, []Statement{stmt, buildCurrval(d, t)})
		if err != nil {
			return nil, err
		}
		if len(cursors) < 2 {
			return &InsertResult{OK: true}, nil
		}
		pk, err := readReturnedKey(cursors[1], t)
		if err != nil {
			return nil, err
		}
		return &InsertResult{PK: pk, OK: true}, nil

	default:
		stmt := buildInsert(d, t, q.rows, nil)
		q.lastStmt = stmt
		if _, err := q.runner().ExecSQL(ctx, stmt, true); err != nil {
			return nil, err
		}
		return &InsertResult{OK: true}, nil
	}
}

func (q *InsertQuery) executeMulti(ctx context.Context, d Dialect, t *Table) (*InsertResult, error) {
	if q.returnIDs && d.InsertReturning() && len(t.PrimaryKey) > 0 {
		stmt := buildInsert(d, t, q.rows, t.PrimaryKey)
		q.lastStmt = stmt
		cur, err := q.runner().ExecSQL(ctx, stmt, true)
		if err != nil {
			return nil, err
		}
		keyType := TypeAny
		if c, ok := t.Column(t.PrimaryKey[0]); ok {
			keyType = c.Type
		}
		var ids []any
		for {
			row, err := cur.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			id, err := convertValue(keyType, row[0])
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return &InsertResult{IDs: ids, OK: true}, nil
	}

	stmt := buildInsert(d, t, q.rows, nil)
	q.lastStmt = stmt
	if _, err := q.runner().ExecSQL(ctx, stmt, true); err != nil {
		return nil, err
	}
	return &InsertResult{OK: true}, nil
}

// executeLoop is the fallback for backends without multi-row insert: one
// statement per row, issued sequentially. No id list is produced in this
// mode; that is a documented limitation, not an error.
func (q *InsertQuery) executeLoop(ctx context.Context, d Dialect, t *Table) (*InsertResult, error) {
	for _, row := range q.rows {
		stmt := buildInsert(d, t, []map[string]any{row}, nil)
		q.lastStmt = stmt
		if _, err := q.runner().ExecSQL(ctx, stmt, true); err != nil {
			return nil, err
		}
	}
	return &InsertResult{OK: true}, nil
}

func (q *InsertQuery) executeFrom(ctx context.Context, d Dialect, t *Table) (*InsertResult, error) {
	stmt := buildInsertFrom(d, t, q.fromCols, q.from, nil)
	q.lastStmt = stmt
	if _, err := q.runner().ExecSQL(ctx, stmt, true); err != nil {
		return nil, err
	}
	return &InsertResult{OK: true}, nil
}

// readReturnedKey reads one returned row and converts each value to its key
// column's native type: an ordered []any for a composite key, a scalar for
// a single-column key, nil when the cursor has no row.
func readReturnedKey(cur Cursor, t *Table) (any, error) {
	row, err := cur.Next()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(t.PrimaryKey))
	for i, k := range t.PrimaryKey {
		keyType := TypeAny
		if c, ok := t.Column(k); ok {
			keyType = c.Type
		}
		var raw any
		if i < len(row) {
			raw = row[i]
		}
		v, err := convertValue(keyType, raw)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	if t.compositeKey() {
		return vals, nil
	}
	return vals[0], nil
}

// UpdateQuery writes new values into matching rows.
type UpdateQuery struct {
	query
	set   map[string]any
	conds []Cond
}

// Where appends criteria, combined with AND.
func (q *UpdateQuery) Where(conds ...Cond) *UpdateQuery {
	q.conds = append(q.conds, conds...)
	return q
}

// Via runs the query on the given runner (a *Tx scope) instead of the DB.
func (q *UpdateQuery) Via(r Runner) *UpdateQuery {
	q.via = r
	return q
}

// Execute runs the update and reports rows affected.
func (q *UpdateQuery) Execute(ctx context.Context) (int64, error) {
	stmt := buildUpdate(q.dialect(), q.model.table, q.set, q.conds)
	q.lastStmt = stmt
	cur, err := q.runner().ExecSQL(ctx, stmt, true)
	if err != nil {
		return 0, err
	}
	return cur.RowsAffected(), nil
}

// DeleteQuery removes matching rows.
type DeleteQuery struct {
	query
	conds []Cond
}

// Where appends criteria, combined with AND.
func (q *DeleteQuery) Where(conds ...Cond) *DeleteQuery {
	q.conds = append(q.conds, conds...)
	return q
}

// Via runs the query on the given runner (a *Tx scope) instead of the DB.
func (q *DeleteQuery) Via(r Runner) *DeleteQuery {
	q.via = r
	return q
}

// Execute runs the delete and reports rows affected.
func (q *DeleteQuery) Execute(ctx context.Context) (int64, error) {
	stmt := buildDelete(q.dialect(), q.model.table, q.conds)
	q.lastStmt = stmt
	cur, err := q.runner().ExecSQL(ctx, stmt, true)
	if err != nil {
		return 0, err
	}
	return cur.RowsAffected(), nil
}

// RawQuery executes caller-written SQL against the model's table. Positional
// "?" parameters and :named parameters (one struct or map argument) are both
// accepted; see [Rebind].
type RawQuery struct {
	query
	sql  string
	args []any
}

// Via runs the query on the given runner (a *Tx scope) instead of the DB.
func (q *RawQuery) Via(r Runner) *RawQuery {
	q.via = r
	return q
}

func (q *RawQuery) build() (Statement, error) {
	sql, args, err := Rebind(q.sql, q.dialect().Placeholder(), q.args...)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql, Args: args, Returns: stmtReturnsRows(sql)}, nil
}

// Execute runs the raw statement at most once while clean, memoizing its
// result like a select.
func (q *RawQuery) Execute(ctx context.Context) (*Result, error) {
	if q.res != nil && !q.dirty {
		return q.res, nil
	}
	stmt, err := q.build()
	if err != nil {
		return nil, err
	}
	q.lastStmt = stmt
	cur, err := q.runner().ExecSQL(ctx, stmt, !stmt.Returns)
	if err != nil {
		return nil, err
	}
	q.res = newResult(q.model, cur)
	q.dirty = false
	return q.res, nil
}

// First materializes exactly one row; (nil, nil) on an empty result.
func (q *RawQuery) First(ctx context.Context) (*Record, error) {
	res, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return res.First()
}

// Get materializes exactly one row or fails with a *NotFoundError.
func (q *RawQuery) Get(ctx context.Context) (*Record, error) {
	rec, err := q.First(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &NotFoundError{SQL: q.lastStmt.SQL, Args: q.lastStmt.Args}
	}
	return rec, nil
}

// Scalar returns the first column of the first row, with the same
// conversion contract as [SelectQuery.Scalar].
func (q *RawQuery) Scalar(ctx context.Context, convert bool) (any, error) {
	res, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return res.scalar(convert)
}

// stmtReturnsRows reports whether raw SQL is expected to produce rows.
func stmtReturnsRows(sql string) bool {
	s := strings.ToUpper(strings.TrimSpace(sql))
	for _, prefix := range []string{"SELECT", "WITH", "VALUES", "SHOW", "PRAGMA", "EXPLAIN"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return strings.Contains(s, " RETURNING ")
}
