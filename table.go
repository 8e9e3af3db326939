package morm

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ColumnType is a portable column type used for DDL generation and for
// converting backend values to their native Go representation during row
// materialization. TypeAny disables conversion.
type ColumnType int

const (
	TypeAny ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeString
	TypeBytes
	TypeTime
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeTime:
		return "time"
	default:
		return "any"
	}
}

// Column describes one column of a table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// ForeignKey describes a reference from one of this table's columns to
// another table. Nullable references can be detached (set to NULL) instead
// of deleted during a cascading delete.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
	Nullable  bool
}

// Index describes a secondary index created by CreateTable.
type Index struct {
	Columns []string
	Unique  bool
}

// Table is the static metadata a model is bound to. PrimaryKey lists the key
// columns in order; more than one entry makes the key composite. Sequence
// optionally names the sequence backing a generated single-column key (used
// by the CURRVAL key-resolution strategy on backends with sequences).
// OrderBy is the default ordering applied by Select; prefix a column with
// "-" for descending.
type Table struct {
	Name        string
	Schema      string
	Columns     []Column
	PrimaryKey  []string
	Sequence    string
	ForeignKeys []ForeignKey
	Indexes     []Index
	OrderBy     []string
}

// Column returns the named column's metadata.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) compositeKey() bool { return len(t.PrimaryKey) > 1 }

func (t *Table) isKeyColumn(name string) bool {
	for _, k := range t.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

// Record is an in-memory row bound to its model. It holds the current field
// values and the set of fields changed since load; the dirty set is cleared
// by a successful Save. Records are not synchronized; callers serialize
// mutations of a single instance.
type Record struct {
	model *Model
	data  map[string]any
	dirty map[string]struct{}
}

// Model returns the model the record is bound to.
func (r *Record) Model() *Model { return r.model }

// Get returns the current value of a field, or nil if the field is unset.
func (r *Record) Get(field string) any { return r.data[field] }

// Set assigns a field value and marks the field dirty.
func (r *Record) Set(field string, v any) {
	r.data[field] = v
	r.dirty[field] = struct{}{}
}

// Fields returns a copy of the record's current field values.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out
}

// DirtyFields returns the sorted names of fields changed since load/save.
func (r *Record) DirtyFields() []string {
	out := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PK returns the record's primary-key value: a scalar for a single-column
// key, an ordered []any for a composite key, or nil when the key is not yet
// set (any missing or nil component counts as unset).
func (r *Record) PK() any {
	t := r.model.table
	switch len(t.PrimaryKey) {
	case 0:
		return nil
	case 1:
		return r.data[t.PrimaryKey[0]]
	}
	vals := make([]any, len(t.PrimaryKey))
	for i, k := range t.PrimaryKey {
		v := r.data[k]
		if v == nil {
			return nil
		}
		vals[i] = v
	}
	return vals
}

// SetPK assigns the primary-key value: a scalar, or an ordered []any for a
// composite key. Key fields set this way are not marked dirty; the key is
// adopted from the backend, not a pending change.
func (r *Record) SetPK(v any) {
	t := r.model.table
	if v == nil || len(t.PrimaryKey) == 0 {
		return
	}
	if vals, ok := v.([]any); ok && t.compositeKey() {
		for i, k := range t.PrimaryKey {
			if i < len(vals) {
				r.data[k] = vals[i]
			}
		}
		return
	}
	r.data[t.PrimaryKey[0]] = v
}

// pkConds builds the primary-key equality conditions for this record, one
// per key component.
func (r *Record) pkConds() ([]Cond, error) {
	t := r.model.table
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("morm: table %s has no primary key", t.Name)
	}
	if r.PK() == nil {
		return nil, fmt.Errorf("morm: record of %s has no primary-key value", t.Name)
	}
	conds := make([]Cond, len(t.PrimaryKey))
	for i, k := range t.PrimaryKey {
		conds[i] = Eq(k, r.data[k])
	}
	return conds, nil
}

const sqlTimeLayout = "2006-01-02 15:04:05"

// convertValue coerces a backend value to the column type's native Go
// representation. nil passes through; TypeAny disables conversion.
func convertValue(t ColumnType, v any) (any, error) {
	if v == nil || t == TypeAny {
		return v, nil
	}
	switch t {
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case uint64:
			return int64(x), nil
		case float64:
			return int64(x), nil
		case []byte:
			return strconv.ParseInt(string(x), 10, 64)
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case []byte:
			return strconv.ParseFloat(string(x), 64)
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case []byte:
			return parseBool(string(x))
		case string:
			return parseBool(x)
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return fmt.Sprint(x), nil
		}
	case TypeBytes:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case []byte:
			return parseTime(string(x))
		case string:
			return parseTime(x)
		}
	}
	return nil, fmt.Errorf("morm: cannot convert %T to %s", v, t)
}

func parseBool(s string) (bool, error) {
	switch s {
	case "1", "t", "true", "TRUE", "y", "yes":
		return true, nil
	case "0", "f", "false", "FALSE", "n", "no":
		return false, nil
	}
	return false, fmt.Errorf("morm: cannot convert %q to bool", s)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{sqlTimeLayout, time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("morm: cannot parse %q as time", s)
}
