package morm

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// The builder turns query state into parameterized statement text plus an
// ordered argument sequence. SQL is generated with "?" placeholders and
// rewritten once, on finalization, into the dialect's style; subqueries are
// embedded before the rewrite so numbering stays consistent.

func finish(d Dialect, sql string, args []any, returns bool) Statement {
	return Statement{SQL: rewritePlaceholders(sql, d.Placeholder()), Args: args, Returns: returns}
}

func qualifiedTable(d Dialect, t *Table) string {
	if t.Schema != "" {
		return d.QuoteIdent(t.Schema) + "." + d.QuoteIdent(t.Name)
	}
	return d.QuoteIdent(t.Name)
}

// orderedFields returns the map's keys in table-column order, with any keys
// not present in the table metadata appended in sorted order. Deterministic
// output keeps statement text stable for logging and tests.
func orderedFields(t *Table, m map[string]any) []string {
	out := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, c := range t.Columns {
		if _, ok := m[c.Name]; ok {
			out = append(out, c.Name)
			seen[c.Name] = true
		}
	}
	var extra []string
	for k := range m {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func buildSelect(d Dialect, q *SelectQuery) Statement {
	sql, args := selectSQL(d, q)
	return finish(d, sql, args, true)
}

// selectSQL renders a select with "?" placeholders so it can also be
// embedded as a subquery.
func selectSQL(d Dialect, q *SelectQuery) (string, []any) {
	t := q.model.table
	var b strings.Builder
	var args []any

	b.WriteString("SELECT ")
	switch {
	case len(q.rawCols) > 0:
		b.WriteString(strings.Join(q.rawCols, ", "))
	case len(q.columns) > 0:
		writeColumnList(&b, d, q.columns)
	case len(t.Columns) > 0:
		names := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			names[i] = c.Name
		}
		writeColumnList(&b, d, names)
	default:
		b.WriteByte('*')
	}
	b.WriteString(" FROM ")
	b.WriteString(qualifiedTable(d, t))

	writeWhere(&b, &args, d, q.conds)

	if len(q.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.orderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			if name, ok := strings.CutPrefix(o, "-"); ok {
				b.WriteString(d.QuoteIdent(name))
				b.WriteString(" DESC")
			} else {
				b.WriteString(d.QuoteIdent(o))
			}
		}
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String(), args
}

func buildInsert(d Dialect, t *Table, rows []map[string]any, returning []string) Statement {
	var b strings.Builder
	var args []any

	b.WriteString("INSERT INTO ")
	b.WriteString(qualifiedTable(d, t))

	fields := orderedFields(t, rows[0])
	if len(fields) == 0 {
		if d.Name() == "mysql" {
			b.WriteString(" () VALUES ()")
		} else {
			b.WriteString(" DEFAULT VALUES")
		}
	} else {
		b.WriteString(" (")
		writeColumnList(&b, d, fields)
		b.WriteString(") VALUES ")
		for i, row := range rows {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			for j, f := range fields {
				if j > 0 {
					b.WriteString(", ")
				}
				b.WriteByte('?')
				args = append(args, row[f])
			}
			b.WriteByte(')')
		}
	}
	writeReturning(&b, d, returning)
	return finish(d, b.String(), args, len(returning) > 0)
}

func buildInsertFrom(d Dialect, t *Table, cols []string, sub *SelectQuery, returning []string) Statement {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualifiedTable(d, t))
	b.WriteString(" (")
	writeColumnList(&b, d, cols)
	b.WriteString(") ")
	subSQL, args := selectSQL(d, sub)
	b.WriteString(subSQL)
	writeReturning(&b, d, returning)
	return finish(d, b.String(), args, len(returning) > 0)
}

func buildUpdate(d Dialect, t *Table, set map[string]any, conds []Cond) Statement {
	var b strings.Builder
	var args []any

	b.WriteString("UPDATE ")
	b.WriteString(qualifiedTable(d, t))
	b.WriteString(" SET ")
	for i, f := range orderedFields(t, set) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(f))
		b.WriteString(" = ?")
		args = append(args, set[f])
	}
	writeWhere(&b, &args, d, conds)
	return finish(d, b.String(), args, false)
}

func buildDelete(d Dialect, t *Table, conds []Cond) Statement {
	var b strings.Builder
	var args []any

	b.WriteString("DELETE FROM ")
	b.WriteString(qualifiedTable(d, t))
	writeWhere(&b, &args, d, conds)
	return finish(d, b.String(), args, false)
}

// buildCurrval reads the current value of the table's primary-key sequence
// in the calling session, schema-qualified like the table.
func buildCurrval(d Dialect, t *Table) Statement {
	seq := `"` + t.Sequence + `"`
	if t.Schema != "" {
		seq = t.Schema + "." + seq
	}
	return Statement{SQL: fmt.Sprintf("SELECT CURRVAL('%s')", seq), Returns: true}
}

func buildCreateTable(d Dialect, t *Table) Statement {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(qualifiedTable(d, t))
	b.WriteString(" (")

	// A single integer key with no explicit sequence becomes the dialect's
	// auto-generated serial column; everything else gets a table-level
	// PRIMARY KEY constraint.
	inlinePK := ""
	if len(t.PrimaryKey) == 1 {
		if c, ok := t.Column(t.PrimaryKey[0]); ok && c.Type == TypeInt && t.Sequence == "" {
			inlinePK = c.Name
		}
	}

	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c.Name))
		b.WriteByte(' ')
		if c.Name == inlinePK {
			b.WriteString(d.SerialType())
			b.WriteString(" PRIMARY KEY")
			continue
		}
		b.WriteString(d.TypeName(c.Type))
		if t.Sequence != "" && d.Sequences() && t.isKeyColumn(c.Name) {
			fmt.Fprintf(&b, ` DEFAULT NEXTVAL('"%s"')`, t.Sequence)
		}
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if inlinePK == "" && len(t.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		writeColumnList(&b, d, t.PrimaryKey)
		b.WriteByte(')')
	}
	for _, fk := range t.ForeignKeys {
		fmt.Fprintf(&b, ", FOREIGN KEY (%s) REFERENCES %s (%s)",
			d.QuoteIdent(fk.Column), d.QuoteIdent(fk.RefTable), d.QuoteIdent(fk.RefColumn))
	}
	b.WriteByte(')')
	return Statement{SQL: b.String()}
}

func buildCreateSequence(name string) Statement {
	return Statement{SQL: fmt.Sprintf(`CREATE SEQUENCE "%s"`, name)}
}

func buildCreateIndex(d Dialect, t *Table, idx Index) Statement {
	var b strings.Builder
	b.WriteString("CREATE ")
	if idx.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	b.WriteString(d.QuoteIdent(t.Name + "_" + strings.Join(idx.Columns, "_")))
	b.WriteString(" ON ")
	b.WriteString(qualifiedTable(d, t))
	b.WriteString(" (")
	writeColumnList(&b, d, idx.Columns)
	b.WriteByte(')')
	return Statement{SQL: b.String()}
}

func writeColumnList(b *strings.Builder, d Dialect, names []string) {
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(n))
	}
}

func writeReturning(b *strings.Builder, d Dialect, cols []string) {
	if len(cols) == 0 {
		return
	}
	b.WriteString(" RETURNING ")
	writeColumnList(b, d, cols)
}

func writeWhere(b *strings.Builder, args *[]any, d Dialect, conds []Cond) {
	if len(conds) == 0 {
		return
	}
	b.WriteString(" WHERE ")
	for i, c := range conds {
		if i > 0 {
			b.WriteString(" AND ")
		}
		writeCond(b, args, d, c)
	}
}

func writeCond(b *strings.Builder, args *[]any, d Dialect, c Cond) {
	field := d.QuoteIdent(c.Field)
	switch c.Op {
	case "IS NULL", "IS NOT NULL":
		b.WriteString(field)
		b.WriteByte(' ')
		b.WriteString(c.Op)
	case "IN":
		b.WriteString(field)
		b.WriteString(" IN (")
		switch v := c.Value.(type) {
		case *SelectQuery:
			subSQL, subArgs := selectSQL(d, v)
			b.WriteString(subSQL)
			*args = append(*args, subArgs...)
		default:
			rv := reflect.ValueOf(c.Value)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				b.WriteByte('?')
				*args = append(*args, c.Value)
				break
			}
			if rv.Len() == 0 {
				// IN (NULL) matches no rows.
				b.WriteString("NULL")
				break
			}
			for i := 0; i < rv.Len(); i++ {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteByte('?')
				*args = append(*args, rv.Index(i).Interface())
			}
		}
		b.WriteByte(')')
	case "=":
		if c.Value == nil {
			b.WriteString(field)
			b.WriteString(" IS NULL")
			break
		}
		b.WriteString(field)
		b.WriteString(" = ?")
		*args = append(*args, c.Value)
	case "!=":
		if c.Value == nil {
			b.WriteString(field)
			b.WriteString(" IS NOT NULL")
			break
		}
		b.WriteString(field)
		b.WriteString(" != ?")
		*args = append(*args, c.Value)
	default:
		b.WriteString(field)
		b.WriteByte(' ')
		b.WriteString(c.Op)
		b.WriteString(" ?")
		*args = append(*args, c.Value)
	}
}
