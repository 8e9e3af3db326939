package morm

import (
	"context"
	"fmt"
	"slices"
)

// Model binds a table's metadata to a DB. It is the root of every query and
// row-level operation against that table. Bind with [DB.Model]; binding also
// registers the table so cascading deletes can discover dependent relations.
type Model struct {
	db    *DB
	table *Table
}

// Model binds t and registers it. Binding the same table name twice returns
// the existing model.
func (db *DB) Model(t *Table) *Model {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.byTable[t.Name]; ok {
		return m
	}
	m := &Model{db: db, table: t}
	db.models = append(db.models, m)
	db.byTable[t.Name] = m
	return m
}

// models returns a snapshot of the registered models in registration order.
func (db *DB) registered() []*Model {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Clone(db.models)
}

// Table returns the bound table metadata.
func (m *Model) Table() *Table { return m.table }

// DB returns the database the model is bound to.
func (m *Model) DB() *DB { return m.db }

// Select starts a read of the given columns (default: all table columns),
// pre-ordered by the table's default ordering.
func (m *Model) Select(cols ...string) *SelectQuery {
	q := &SelectQuery{query: query{model: m, dirty: true}}
	q.columns = cols
	q.orderBy = append([]string(nil), m.table.OrderBy...)
	return q
}

// Update starts a write of the given field values into matching rows.
func (m *Model) Update(set map[string]any) *UpdateQuery {
	return &UpdateQuery{query: query{model: m, dirty: true}, set: set}
}

// Insert starts a single-row insert.
func (m *Model) Insert(fields map[string]any) *InsertQuery {
	return &InsertQuery{query: query{model: m, dirty: true}, rows: []map[string]any{fields}}
}

// InsertMany starts a bulk insert. On a backend with native multi-row
// insert this is one statement; otherwise it falls back to one insert per
// row (in which case no id list can be produced).
func (m *Model) InsertMany(rows []map[string]any) *InsertQuery {
	return &InsertQuery{query: query{model: m, dirty: true}, rows: rows, multi: true}
}

// InsertFrom starts an INSERT INTO ... SELECT of the subquery's rows into
// the given columns.
func (m *Model) InsertFrom(cols []string, sub *SelectQuery) *InsertQuery {
	return &InsertQuery{query: query{model: m, dirty: true}, fromCols: cols, from: sub, multi: true}
}

// Delete starts a delete of matching rows.
func (m *Model) Delete() *DeleteQuery {
	return &DeleteQuery{query: query{model: m, dirty: true}}
}

// Raw starts a query over caller-written SQL, materialized against this
// model's metadata.
func (m *Model) Raw(sql string, args ...any) *RawQuery {
	return &RawQuery{query: query{model: m, dirty: true}, sql: sql, args: args}
}

// NewRecord constructs an unsaved record; every given field starts dirty.
func (m *Model) NewRecord(fields map[string]any) *Record {
	data := make(map[string]any, len(fields))
	dirty := make(map[string]struct{}, len(fields))
	for k, v := range fields {
		data[k] = v
		dirty[k] = struct{}{}
	}
	return &Record{model: m, data: data, dirty: dirty}
}

// Create inserts a new row and returns it with its resolved primary key.
func (m *Model) Create(ctx context.Context, fields map[string]any) (*Record, error) {
	rec := m.NewRecord(fields)
	if _, err := rec.Save(ctx, SaveOptions{ForceInsert: true}); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetOrCreate selects by the given criteria and returns the row if found.
// Otherwise it creates a row from the plain-equality criteria merged with
// defaults. If the creation loses a race to a concurrent creator (a
// uniqueness violation), the select is re-run exactly once; if it still
// finds nothing the original violation is returned. There is no further
// retry loop.
//
// The second return value reports whether this call created the row.
func (m *Model) GetOrCreate(ctx context.Context, criteria []Cond, defaults map[string]any) (*Record, bool, error) {
	rec, err := m.Select().Where(criteria...).Get(ctx)
	if err == nil {
		return rec, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}

	fields := make(map[string]any, len(criteria)+len(defaults))
	for _, c := range criteria {
		if c.isEquality() {
			fields[c.Field] = c.Value
		}
	}
	for k, v := range defaults {
		fields[k] = v
	}

	rec, cerr := m.Create(ctx, fields)
	if cerr == nil {
		return rec, true, nil
	}
	if !errIsIntegrity(cerr) {
		return nil, false, cerr
	}

	// A concurrent creator may have won the race; look once more.
	rec, err = m.Select().Where(criteria...).Get(ctx)
	if err == nil {
		return rec, false, nil
	}
	if IsNotFound(err) {
		return nil, false, cerr
	}
	return nil, false, err
}

// TableExists reports whether the bound table exists in the backend.
func (m *Model) TableExists(ctx context.Context) (bool, error) {
	tables, err := m.db.Tables(ctx, m.table.Schema)
	if err != nil {
		return false, err
	}
	return slices.Contains(tables, m.table.Name), nil
}

// CreateTable creates the bound table, its primary-key sequence (on
// backends with sequences, when the table names one and it does not exist
// yet), and its secondary indexes. With failSilently an existing table is
// left alone.
func (m *Model) CreateTable(ctx context.Context, failSilently bool) error {
	if failSilently {
		exists, err := m.TableExists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	d := m.db.dialect
	t := m.table
	if d.Sequences() && t.Sequence != "" {
		exists, err := m.db.SequenceExists(ctx, t.Sequence)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := m.db.ExecSQL(ctx, buildCreateSequence(t.Sequence), true); err != nil {
				return err
			}
		}
	}
	if _, err := m.db.ExecSQL(ctx, buildCreateTable(d, t), true); err != nil {
		return err
	}
	for _, idx := range t.Indexes {
		if err := m.CreateIndex(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex creates one secondary index on the bound table.
func (m *Model) CreateIndex(ctx context.Context, idx Index) error {
	_, err := m.db.ExecSQL(ctx, buildCreateIndex(m.db.dialect, m.table, idx), true)
	return err
}

// SaveOptions control [Record.Save]. ForceInsert inserts even when the
// record already has a primary key. Only narrows the saved fields to the
// named subset.
type SaveOptions struct {
	ForceInsert bool
	Only        []string
}

// Save writes the record. With a primary key present (and ForceInsert off)
// it updates the changed fields, stripping every key component from the
// assignment list and scoping by key equality; otherwise it inserts all
// tracked fields and adopts the resolved key. The dirty set is cleared on
// success; the return value is the number of rows written.
func (r *Record) Save(ctx context.Context, opts SaveOptions) (int64, error) {
	t := r.model.table

	if r.PK() != nil && !opts.ForceInsert {
		set := make(map[string]any, len(r.dirty))
		for f := range r.dirty {
			if t.isKeyColumn(f) {
				continue
			}
			if opts.Only != nil && !slices.Contains(opts.Only, f) {
				continue
			}
			set[f] = r.data[f]
		}
		if len(set) == 0 {
			clear(r.dirty)
			return 0, nil
		}
		conds, err := r.pkConds()
		if err != nil {
			return 0, err
		}
		rows, err := r.model.Update(set).Where(conds...).Execute(ctx)
		if err != nil {
			return 0, err
		}
		clear(r.dirty)
		return rows, nil
	}

	fields := r.Fields()
	if opts.Only != nil {
		for f := range fields {
			if !slices.Contains(opts.Only, f) {
				delete(fields, f)
			}
		}
	}
	res, err := r.model.Insert(fields).Execute(ctx)
	if err != nil {
		return 0, err
	}
	if res.PK != nil {
		r.SetPK(res.PK)
	}
	clear(r.dirty)
	return 1, nil
}

// DeleteOptions control [Record.Delete]. Recursive walks the dependent
// relations before removing the row itself. DeleteNullable removes rows
// holding a nullable reference outright instead of detaching them by
// setting the reference to NULL.
type DeleteOptions struct {
	Recursive      bool
	DeleteNullable bool
}

// Delete removes the record's row. With Recursive set, every dependent
// relation supplied by the dependency resolver is processed first,
// dependents before the root: nullable references are detached (set to
// NULL) unless DeleteNullable forces their removal, non-nullable references
// are deleted. The root row is deleted only after all dependents, by
// primary-key equality. After a successful delete no further operations
// against the record are defined.
func (r *Record) Delete(ctx context.Context, opts DeleteOptions) (int64, error) {
	if opts.Recursive {
		deps, err := r.model.db.resolver.Dependents(ctx, r, opts.DeleteNullable)
		if err != nil {
			return 0, err
		}
		for _, dep := range deps {
			if dep.Nullable && !opts.DeleteNullable {
				_, err = dep.Model.Update(map[string]any{dep.Column: nil}).Where(dep.Where).Execute(ctx)
			} else {
				_, err = dep.Model.Delete().Where(dep.Where).Execute(ctx)
			}
			if err != nil {
				return 0, err
			}
		}
	}
	conds, err := r.pkConds()
	if err != nil {
		return 0, err
	}
	return r.model.Delete().Where(conds...).Execute(ctx)
}

// Dependency is one edge of the dependent-relation walk: rows of Model
// whose Column references the row being deleted, matched by Where.
type Dependency struct {
	Model    *Model
	Column   string
	Nullable bool
	Where    Cond
}

// DependencyResolver supplies the dependent relations of a row, already
// ordered so that dependents come before the relations they depend on; the
// cascading delete consumes the order as given and does not sort.
// deleteNullable reports whether rows behind nullable references will be
// removed rather than detached: only then do their own dependents need to
// appear in the result.
type DependencyResolver interface {
	Dependents(ctx context.Context, rec *Record, deleteNullable bool) ([]Dependency, error)
}

// registryResolver derives dependencies from the foreign keys of the DB's
// registered tables. Transitive dependents are matched through nested
// subqueries on the intermediate tables' primary keys; edges are emitted
// depth-first so the deepest dependents come first.
type registryResolver struct {
	db *DB
}

func (r *registryResolver) Dependents(ctx context.Context, rec *Record, deleteNullable bool) ([]Dependency, error) {
	root := rec.Model()
	t := root.table
	if len(t.PrimaryKey) != 1 {
		return nil, fmt.Errorf("morm: cascading delete requires a single-column primary key on %s", t.Name)
	}
	pkVal := rec.Get(t.PrimaryKey[0])
	if pkVal == nil {
		return nil, fmt.Errorf("morm: record of %s has no primary-key value", t.Name)
	}

	models := r.db.registered()
	var out []Dependency
	seen := make(map[string]bool) // "table.column" edges already walked

	var walk func(parent *Model, condFor func(fkColumn string) Cond)
	walk = func(parent *Model, condFor func(fkColumn string) Cond) {
		for _, dep := range models {
			for _, fk := range dep.table.ForeignKeys {
				if fk.RefTable != parent.table.Name {
					continue
				}
				edge := dep.table.Name + "." + fk.Column
				if seen[edge] {
					continue
				}
				seen[edge] = true

				where := condFor(fk.Column)
				// Rows behind a nullable reference are detached, not
				// removed, unless deleteNullable; their own dependents
				// then stay in place.
				if len(dep.table.PrimaryKey) == 1 && (!fk.Nullable || deleteNullable) {
					depModel, depPK, depWhere := dep, dep.table.PrimaryKey[0], where
					walk(dep, func(col string) Cond {
						return In(col, depModel.Select(depPK).Where(depWhere))
					})
				}
				out = append(out, Dependency{
					Model:    dep,
					Column:   fk.Column,
					Nullable: fk.Nullable,
					Where:    where,
				})
			}
		}
	}
	walk(root, func(col string) Cond { return Eq(col, pkVal) })
	return out, nil
}
