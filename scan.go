package morm

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"reflect"
	"strconv"
	"sync"
	"time"
)

// Typed materialization: Fetch and FetchOne turn result rows into caller
// structs (or single-column primitives) using a cached per-(type, column
// set) plan. Column names map to struct fields through the db tag,
// case-insensitively; unmatched columns are dropped.

// Mapper owns the materialization caches. The package keeps a lazy global
// one; create your own in tests.
type Mapper struct {
	planCache        sync.Map // planKey -> *scanPlan
	structIndexCache sync.Map // reflect.Type -> *fieldIndex
}

func NewMapper() *Mapper { return &Mapper{} }

var (
	mapper     *Mapper
	mapperOnce sync.Once
)

func getMapper() *Mapper {
	mapperOnce.Do(func() { mapper = NewMapper() })
	return mapper
}

// rowSource is any query whose Execute yields a result set; SelectQuery and
// RawQuery both qualify.
type rowSource interface {
	Execute(ctx context.Context) (*Result, error)
}

// Fetch executes q and materializes every row into a T.
//
// Example:
//
//	type User struct {
//	    ID    int64  `db:"id"`
//	    Email string `db:"email"`
//	}
//	users, err := morm.Fetch[User](ctx, accounts.Select().Where(morm.Eq("active", true)))
func Fetch[T any](ctx context.Context, q rowSource) ([]T, error) {
	res, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.fill(-1); err != nil {
		return nil, err
	}
	pl, err := planFor[T](getMapper(), res.cols)
	if err != nil {
		return nil, err
	}
	rt := reflect.TypeOf((*T)(nil)).Elem()
	out := make([]T, 0, len(res.rows))
	for _, row := range res.rows {
		rv := reflect.New(rt)
		if err := pl.apply(rv.Elem(), row); err != nil {
			return nil, err
		}
		out = append(out, rv.Elem().Interface().(T))
	}
	return out, nil
}

// FetchOne executes q and materializes the first row into a T;
// sql.ErrNoRows when the result is empty.
func FetchOne[T any](ctx context.Context, q rowSource) (T, error) {
	var zero T
	res, err := q.Execute(ctx)
	if err != nil {
		return zero, err
	}
	if err := res.fill(1); err != nil {
		return zero, err
	}
	if len(res.rows) == 0 {
		return zero, sql.ErrNoRows
	}
	pl, err := planFor[T](getMapper(), res.cols)
	if err != nil {
		return zero, err
	}
	rt := reflect.TypeOf((*T)(nil)).Elem()
	rv := reflect.New(rt)
	if err := pl.apply(rv.Elem(), res.rows[0]); err != nil {
		return zero, err
	}
	return rv.Elem().Interface().(T), nil
}

// ---------------- Planning & caches ----------------

type planKey struct {
	rt    reflect.Type
	hash  uint64 // FNV-1a of normalized columns
	ncols int
}

type scanPlan struct {
	rt       reflect.Type
	isStruct bool
	steps    []scanStep // one per column; empty fpath with drop unset = whole value
}

type scanStep struct {
	drop  bool
	fpath []int
}

func planFor[T any](m *Mapper, cols []string) (*scanPlan, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("morm: query returned zero columns")
	}
	norm := make([]string, len(cols))
	h := fnv.New64a()
	for i, c := range cols {
		norm[i] = normalizeColAscii(c)
		_, _ = h.Write([]byte(norm[i]))
		_, _ = h.Write([]byte{0})
	}
	rt := reflect.TypeOf((*T)(nil)).Elem()
	return m.getPlan(rt, norm, h.Sum64())
}

func (m *Mapper) getPlan(rt reflect.Type, cols []string, colHash uint64) (*scanPlan, error) {
	key := planKey{rt: rt, hash: colHash, ncols: len(cols)}
	if v, ok := m.planCache.Load(key); ok {
		return v.(*scanPlan), nil
	}

	p := &scanPlan{rt: rt, isStruct: isStructType(rt)}
	if p.isStruct {
		indexer := m.structIndex(rt)
		p.steps = make([]scanStep, len(cols))
		for i, c := range cols {
			if fp, ok := indexer.byName[c]; ok {
				p.steps[i] = scanStep{fpath: fp}
			} else {
				p.steps[i] = scanStep{drop: true}
			}
		}
	} else {
		if len(cols) != 1 {
			return nil, fmt.Errorf("morm: cannot map %d columns into %s; use a struct", len(cols), rt)
		}
		p.steps = []scanStep{{}}
	}

	m.planCache.Store(key, p)
	return p, nil
}

type fieldIndex struct {
	byName map[string][]int // lower-case column name -> index path
}

func (m *Mapper) structIndex(rt reflect.Type) *fieldIndex {
	if v, ok := m.structIndexCache.Load(rt); ok {
		return v.(*fieldIndex)
	}
	fi := buildStructIndex(rt)
	m.structIndexCache.Store(rt, &fi)
	return &fi
}

func (p *scanPlan) apply(root reflect.Value, row []any) error {
	if !p.isStruct {
		var v any
		if len(row) > 0 {
			v = row[0]
		}
		return assignValue(root, v)
	}
	for i, st := range p.steps {
		if st.drop {
			continue
		}
		var v any
		if i < len(row) {
			v = row[i]
		}
		if err := assignValue(fieldByPathAlloc(root, st.fpath), v); err != nil {
			return fmt.Errorf("morm: column %d: %w", i, err)
		}
	}
	return nil
}

// ---------------- Struct indexing & tags ----------------

func buildStructIndex(rt reflect.Type) fieldIndex {
	idx := fieldIndex{byName: make(map[string][]int)}
	seen := make(map[string]struct{})

	var walk func(t reflect.Type, base []int, forceInline bool)
	walk = func(t reflect.Type, base []int, forceInline bool) {
		t = derefPtr(t)
		if t.Kind() != reflect.Struct {
			return
		}
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if sf.PkgPath != "" && !sf.Anonymous { // unexported, non-anonymous
				continue
			}
			tag := sf.Tag.Get("db")
			name, inline, omit := parseTag(tag)
			if omit {
				continue
			}
			ft := sf.Type
			path := append(append([]int(nil), base...), i)

			if inline || (sf.Anonymous && (forceInline || tag == "")) {
				if isStructType(ft) || (ft.Kind() == reflect.Ptr && isStructType(ft.Elem())) {
					walk(ft, path, inline)
					continue
				}
			}
			if name == "" {
				name = sf.Name
			}
			lc := toLowerAscii(name)
			if _, ok := seen[lc]; !ok {
				idx.byName[lc] = path
				seen[lc] = struct{}{}
			}
		}
	}
	walk(rt, nil, false)
	return idx
}

// parseTag supports: "-", "col", ",inline", "col,inline", "inline,col".
func parseTag(tag string) (name string, inline bool, omit bool) {
	if tag == "-" {
		return "", false, true
	}
	if tag == "" {
		return "", false, false
	}
	start := 0
	for i := 0; i <= len(tag); i++ {
		if i == len(tag) || tag[i] == ',' {
			part := tag[start:i]
			if part == "inline" {
				inline = true
			} else if part != "" && name == "" {
				name = part
			}
			start = i + 1
		}
	}
	return name, inline, false
}

// ---------------- Value assignment ----------------

var timeType = reflect.TypeOf(time.Time{})

// assignValue coerces one cursor value into dst. Fields implementing
// sql.Scanner take the value as-is; nil zeroes the destination; numeric,
// boolean, string, byte, and time destinations accept the usual driver
// representations, including their textual forms.
func assignValue(dst reflect.Value, v any) error {
	if dst.CanAddr() {
		if sc, ok := dst.Addr().Interface().(sql.Scanner); ok {
			return sc.Scan(v)
		}
	}
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assignValue(dst.Elem(), v)
	}

	sv := reflect.ValueOf(v)
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}

	switch dst.Kind() {
	case reflect.Bool:
		b, err := parseBool(asString(v))
		if err != nil {
			return convError(v, dst)
		}
		dst.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch n := v.(type) {
		case int64:
			dst.SetInt(n)
		case float64:
			dst.SetInt(int64(n))
		case bool:
			if n {
				dst.SetInt(1)
			} else {
				dst.SetInt(0)
			}
		default:
			n64, err := strconv.ParseInt(asString(v), 10, 64)
			if err != nil {
				return convError(v, dst)
			}
			dst.SetInt(n64)
		}
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch n := v.(type) {
		case int64:
			if n < 0 {
				return convError(v, dst)
			}
			dst.SetUint(uint64(n))
		case float64:
			dst.SetUint(uint64(n))
		default:
			u64, err := strconv.ParseUint(asString(v), 10, 64)
			if err != nil {
				return convError(v, dst)
			}
			dst.SetUint(u64)
		}
		return nil
	case reflect.Float32, reflect.Float64:
		switch n := v.(type) {
		case float64:
			dst.SetFloat(n)
		case int64:
			dst.SetFloat(float64(n))
		default:
			f, err := strconv.ParseFloat(asString(v), 64)
			if err != nil {
				return convError(v, dst)
			}
			dst.SetFloat(f)
		}
		return nil
	case reflect.String:
		dst.SetString(asString(v))
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			dst.SetBytes([]byte(asString(v)))
			return nil
		}
	}

	if dst.Type() == timeType {
		t, err := parseTime(asString(v))
		if err != nil {
			return convError(v, dst)
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}
	return convError(v, dst)
}

func convError(v any, dst reflect.Value) error {
	return fmt.Errorf("cannot assign %T to %s", v, dst.Type())
}

// ---------------- Type helpers ----------------

func isStructType(t reflect.Type) bool {
	t = derefPtr(t)
	return t.Kind() == reflect.Struct && t != timeType
}

func derefPtr(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// fieldByPathAlloc walks fpath, allocating nil pointers so the final field
// is addressable.
func fieldByPathAlloc(root reflect.Value, fpath []int) reflect.Value {
	v := root
	for _, i := range fpath {
		if v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

// ---------------- Column normalization (ASCII fast-path) ----------------

func normalizeColAscii(s string) string {
	if l := len(s); l >= 2 {
		switch s[0] {
		case '"':
			if s[l-1] == '"' {
				s = s[1 : l-1]
			}
		case '`':
			if s[l-1] == '`' {
				s = s[1 : l-1]
			}
		case '[':
			if s[l-1] == ']' {
				s = s[1 : l-1]
			}
		}
	}
	return toLowerAscii(s)
}

func toLowerAscii(s string) string {
	var need bool
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			need = true
			break
		}
	}
	if !need {
		return s
	}
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c = c + ('a' - 'A')
		}
		b[i] = c
	}
	return string(b)
}
