package morm

import (
	"errors"
	"io"
)

// Result lazily and idempotently turns a cursor into model rows. It is
// owned by exactly one query instance: the query hands out the same Result
// until it is marked dirty and re-executed, at which point the wrapper is
// discarded and replaced.
//
// Rows are pulled from the cursor on demand and cached; already-materialized
// rows are never re-read. Iteration is restartable only by re-executing the
// owning query, not by rewinding the cursor.
type Result struct {
	model *Model
	cur   Cursor
	cols  []string
	rows  [][]any   // raw cursor values, in arrival order
	recs  []*Record // lazily-built records, recs[i] materializes rows[i]
	pos   int
	eof   bool
}

func newResult(m *Model, cur Cursor) *Result {
	return &Result{model: m, cur: cur, cols: cur.Columns()}
}

// Columns returns the cursor's column names.
func (r *Result) Columns() []string { return r.cols }

// RowsAffected reports the write count for statements without rows.
func (r *Result) RowsAffected() int64 { return r.cur.RowsAffected() }

// fill pulls raw rows from the cursor until n rows are cached or the cursor
// is exhausted; n < 0 pulls everything.
func (r *Result) fill(n int) error {
	for !r.eof && (n < 0 || len(r.rows) < n) {
		row, err := r.cur.Next()
		if errors.Is(err, io.EOF) {
			r.eof = true
			_ = r.cur.Close()
			return nil
		}
		if err != nil {
			return err
		}
		r.rows = append(r.rows, row)
		r.recs = append(r.recs, nil)
	}
	return nil
}

// record materializes the cached row at i, converting each value to its
// column's native type where the table metadata knows the column.
func (r *Result) record(i int) (*Record, error) {
	if r.recs[i] != nil {
		return r.recs[i], nil
	}
	data := make(map[string]any, len(r.cols))
	for j, name := range r.cols {
		var raw any
		if j < len(r.rows[i]) {
			raw = r.rows[i][j]
		}
		if c, ok := r.model.table.Column(name); ok {
			v, err := convertValue(c.Type, raw)
			if err != nil {
				return nil, err
			}
			data[name] = v
		} else {
			data[name] = raw
		}
	}
	r.recs[i] = &Record{model: r.model, data: data, dirty: make(map[string]struct{})}
	return r.recs[i], nil
}

// Next returns the next row in iteration order, or io.EOF once the result
// is exhausted. Cached rows are served without touching the cursor.
func (r *Result) Next() (*Record, error) {
	if r.pos >= len(r.rows) {
		if err := r.fill(r.pos + 1); err != nil {
			return nil, err
		}
		if r.pos >= len(r.rows) {
			return nil, io.EOF
		}
	}
	rec, err := r.record(r.pos)
	if err != nil {
		return nil, err
	}
	r.pos++
	return rec, nil
}

// All materializes and returns every row.
func (r *Result) All() ([]*Record, error) {
	if err := r.fill(-1); err != nil {
		return nil, err
	}
	out := make([]*Record, len(r.rows))
	for i := range r.rows {
		rec, err := r.record(i)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// First materializes exactly one row without forcing full consumption of
// the cursor; (nil, nil) when the result is empty.
func (r *Result) First() (*Record, error) {
	if err := r.fill(1); err != nil {
		return nil, err
	}
	if len(r.rows) == 0 {
		return nil, nil
	}
	return r.record(0)
}

// scalar implements the Scalar contract: without conversion the first
// column of the first row is read straight off the cursor; with conversion
// the row goes through full materialization and field-level conversion.
// The resolved value (or explicit nil) is always returned.
func (r *Result) scalar(convert bool) (any, error) {
	if err := r.fill(1); err != nil {
		return nil, err
	}
	if len(r.rows) == 0 || len(r.cols) == 0 {
		return nil, nil
	}
	if !convert {
		return r.rows[0][0], nil
	}
	rec, err := r.record(0)
	if err != nil {
		return nil, err
	}
	return rec.Get(r.cols[0]), nil
}
