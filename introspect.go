package morm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Backend metadata. Each dialect supplies catalog queries with a common row
// shape per method, so the DB-level decoding is shared.

// ColumnMeta describes one column of an existing table.
type ColumnMeta struct {
	Name       string
	DataType   string
	Nullable   bool
	PrimaryKey bool
	Table      string
}

// IndexMeta describes one index of an existing table.
type IndexMeta struct {
	Name       string
	Definition string
	Columns    []string
	Unique     bool
	Table      string
}

// ForeignKeyMeta describes one foreign key of an existing table.
type ForeignKeyMeta struct {
	Column    string
	RefTable  string
	RefColumn string
	Table     string
}

// introspector is the catalog-query side of a dialect. Row shapes:
// tables (name), columns (name, nullable yes/no, type), primary keys
// (name), foreign keys (column, ref table, ref column), indexes (name,
// definition, unique, comma-joined columns), sequence existence (count).
type introspector interface {
	tablesSQL(schema string) Statement
	columnsSQL(table, schema string) Statement
	primaryKeysSQL(table, schema string) Statement
	foreignKeysSQL(table, schema string) Statement
	indexesSQL(table, schema string) Statement
	sequenceExistsSQL(name string) (Statement, error)
}

func (db *DB) introspector() (introspector, error) {
	in, ok := db.dialect.(introspector)
	if !ok {
		return nil, fmt.Errorf("morm: dialect %s does not support introspection", db.dialect.Name())
	}
	return in, nil
}

// queryRows executes stmt in autocommit mode and drains the cursor.
func (db *DB) queryRows(ctx context.Context, stmt Statement) ([][]any, error) {
	cur, err := db.ExecSQL(ctx, stmt, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close() }()

	var rows [][]any
	for {
		row, err := cur.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// Tables lists the table names in the schema, sorted. An empty schema means
// the backend's default (public on PostgreSQL, the current database on
// MySQL).
func (db *DB) Tables(ctx context.Context, schema string) ([]string, error) {
	in, err := db.introspector()
	if err != nil {
		return nil, err
	}
	rows, err := db.queryRows(ctx, in.tablesSQL(schema))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = asString(row[0])
	}
	return out, nil
}

// Columns describes the table's columns in ordinal position, with primary
// key membership filled in from the key constraint.
func (db *DB) Columns(ctx context.Context, table, schema string) ([]ColumnMeta, error) {
	in, err := db.introspector()
	if err != nil {
		return nil, err
	}
	pks, err := db.PrimaryKeys(ctx, table, schema)
	if err != nil {
		return nil, err
	}
	keyed := make(map[string]bool, len(pks))
	for _, pk := range pks {
		keyed[pk] = true
	}
	rows, err := db.queryRows(ctx, in.columnsSQL(table, schema))
	if err != nil {
		return nil, err
	}
	out := make([]ColumnMeta, len(rows))
	for i, row := range rows {
		name := asString(row[0])
		out[i] = ColumnMeta{
			Name:       name,
			DataType:   asString(row[2]),
			Nullable:   strings.EqualFold(asString(row[1]), "YES"),
			PrimaryKey: keyed[name],
			Table:      table,
		}
	}
	return out, nil
}

// PrimaryKeys lists the table's primary-key column names.
func (db *DB) PrimaryKeys(ctx context.Context, table, schema string) ([]string, error) {
	in, err := db.introspector()
	if err != nil {
		return nil, err
	}
	rows, err := db.queryRows(ctx, in.primaryKeysSQL(table, schema))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = asString(row[0])
	}
	return out, nil
}

// ForeignKeys lists the table's outgoing foreign keys.
func (db *DB) ForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyMeta, error) {
	in, err := db.introspector()
	if err != nil {
		return nil, err
	}
	rows, err := db.queryRows(ctx, in.foreignKeysSQL(table, schema))
	if err != nil {
		return nil, err
	}
	out := make([]ForeignKeyMeta, len(rows))
	for i, row := range rows {
		out[i] = ForeignKeyMeta{
			Column:    asString(row[0]),
			RefTable:  asString(row[1]),
			RefColumn: asString(row[2]),
			Table:     table,
		}
	}
	return out, nil
}

// Indexes lists the table's indexes, unique indexes first.
func (db *DB) Indexes(ctx context.Context, table, schema string) ([]IndexMeta, error) {
	in, err := db.introspector()
	if err != nil {
		return nil, err
	}
	rows, err := db.queryRows(ctx, in.indexesSQL(table, schema))
	if err != nil {
		return nil, err
	}
	out := make([]IndexMeta, len(rows))
	for i, row := range rows {
		out[i] = IndexMeta{
			Name:       asString(row[0]),
			Definition: asString(row[1]),
			Unique:     asBool(row[2]),
			Columns:    splitColumns(asString(row[3])),
			Table:      table,
		}
	}
	return out, nil
}

// SequenceExists reports whether a sequence with the given name exists. On
// backends without sequences this is an error.
func (db *DB) SequenceExists(ctx context.Context, name string) (bool, error) {
	in, err := db.introspector()
	if err != nil {
		return false, err
	}
	stmt, err := in.sequenceExistsSQL(name)
	if err != nil {
		return false, err
	}
	rows, err := db.queryRows(ctx, stmt)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && len(rows[0]) > 0 && asInt64(rows[0][0]) > 0, nil
}

// SetSearchPath sets the schema search path for the session the statement
// lands on. With a pool larger than one connection the setting is not
// guaranteed to be visible to later statements; prefer schema-qualified
// tables for pooled use.
func (db *DB) SetSearchPath(ctx context.Context, schemas ...string) error {
	if db.dialect.Name() != "postgres" {
		return fmt.Errorf("morm: dialect %s does not support search paths", db.dialect.Name())
	}
	if len(schemas) == 0 {
		return fmt.Errorf("morm: SetSearchPath needs at least one schema")
	}
	args := make([]any, len(schemas))
	for i, s := range schemas {
		args[i] = s
	}
	sql := "SET search_path TO " + strings.TrimSuffix(strings.Repeat("?, ", len(schemas)), ", ")
	_, err := db.ExecSQL(ctx, finish(db.dialect, sql, args, false), false)
	return err
}

func (postgresDialect) tablesSQL(schema string) Statement {
	if schema == "" {
		schema = "public"
	}
	return finish(Postgres,
		"SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = ? ORDER BY tablename",
		[]any{schema}, true)
}

func (postgresDialect) columnsSQL(table, schema string) Statement {
	if schema == "" {
		schema = "public"
	}
	return finish(Postgres, `
		SELECT column_name, is_nullable, data_type
		FROM information_schema.columns
		WHERE table_name = ? AND table_schema = ?
		ORDER BY ordinal_position`,
		[]any{table, schema}, true)
}

func (postgresDialect) primaryKeysSQL(table, schema string) Statement {
	if schema == "" {
		schema = "public"
	}
	return finish(Postgres, `
		SELECT kc.column_name
		FROM information_schema.table_constraints AS tc
		INNER JOIN information_schema.key_column_usage AS kc ON (
			tc.table_name = kc.table_name AND
			tc.table_schema = kc.table_schema AND
			tc.constraint_name = kc.constraint_name)
		WHERE
			tc.constraint_type = ? AND
			tc.table_name = ? AND
			tc.table_schema = ?`,
		[]any{"PRIMARY KEY", table, schema}, true)
}

func (postgresDialect) foreignKeysSQL(table, schema string) Statement {
	if schema == "" {
		schema = "public"
	}
	return finish(Postgres, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON (tc.constraint_name = kcu.constraint_name AND
				tc.constraint_schema = kcu.constraint_schema)
		JOIN information_schema.constraint_column_usage AS ccu
			ON (ccu.constraint_name = tc.constraint_name AND
				ccu.constraint_schema = tc.constraint_schema)
		WHERE
			tc.constraint_type = 'FOREIGN KEY' AND
			tc.table_name = ? AND
			tc.table_schema = ?`,
		[]any{table, schema}, true)
}

func (postgresDialect) indexesSQL(table, schema string) Statement {
	if schema == "" {
		schema = "public"
	}
	return finish(Postgres, `
		SELECT
			i.relname, idxs.indexdef, idx.indisunique,
			array_to_string(array_agg(cols.attname), ',')
		FROM pg_catalog.pg_class AS t
		INNER JOIN pg_catalog.pg_index AS idx ON t.oid = idx.indrelid
		INNER JOIN pg_catalog.pg_class AS i ON idx.indexrelid = i.oid
		INNER JOIN pg_catalog.pg_indexes AS idxs ON
			(idxs.tablename = t.relname AND idxs.indexname = i.relname)
		LEFT OUTER JOIN pg_catalog.pg_attribute AS cols ON
			(cols.attrelid = t.oid AND cols.attnum = ANY(idx.indkey))
		WHERE t.relname = ? AND t.relkind = ? AND idxs.schemaname = ?
		GROUP BY i.relname, idxs.indexdef, idx.indisunique
		ORDER BY idx.indisunique DESC, i.relname`,
		[]any{table, "r", schema}, true)
}

func (postgresDialect) sequenceExistsSQL(name string) (Statement, error) {
	return finish(Postgres, `
		SELECT COUNT(*) FROM pg_class, pg_namespace
		WHERE relkind = 'S'
			AND pg_class.relnamespace = pg_namespace.oid
			AND relname = ?`,
		[]any{name}, true), nil
}

// MySQL catalog queries run against information_schema; an empty schema
// falls back to the connection's current database.

func (mysqlDialect) tablesSQL(schema string) Statement {
	return finish(MySQL, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE())
		ORDER BY table_name`,
		[]any{schema}, true)
}

func (mysqlDialect) columnsSQL(table, schema string) Statement {
	return finish(MySQL, `
		SELECT column_name, is_nullable, data_type
		FROM information_schema.columns
		WHERE table_name = ? AND table_schema = COALESCE(NULLIF(?, ''), DATABASE())
		ORDER BY ordinal_position`,
		[]any{table, schema}, true)
}

func (mysqlDialect) primaryKeysSQL(table, schema string) Statement {
	return finish(MySQL, `
		SELECT column_name
		FROM information_schema.key_column_usage
		WHERE constraint_name = 'PRIMARY'
			AND table_name = ?
			AND table_schema = COALESCE(NULLIF(?, ''), DATABASE())
		ORDER BY ordinal_position`,
		[]any{table, schema}, true)
}

func (mysqlDialect) foreignKeysSQL(table, schema string) Statement {
	return finish(MySQL, `
		SELECT column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_name = ?
			AND table_schema = COALESCE(NULLIF(?, ''), DATABASE())
			AND referenced_table_name IS NOT NULL`,
		[]any{table, schema}, true)
}

func (mysqlDialect) indexesSQL(table, schema string) Statement {
	return finish(MySQL, `
		SELECT index_name, '', NOT MAX(non_unique),
			GROUP_CONCAT(column_name ORDER BY seq_in_index)
		FROM information_schema.statistics
		WHERE table_name = ? AND table_schema = COALESCE(NULLIF(?, ''), DATABASE())
		GROUP BY index_name
		ORDER BY MAX(non_unique), index_name`,
		[]any{table, schema}, true)
}

func (mysqlDialect) sequenceExistsSQL(string) (Statement, error) {
	return Statement{}, fmt.Errorf("morm: mysql does not support sequences")
}

// SQLite catalog queries use sqlite_master plus the pragma table-valued
// functions; the schema argument is ignored (SQLite attaches databases
// rather than schemas).

func (sqliteDialect) tablesSQL(string) Statement {
	return Statement{
		SQL:     "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name",
		Returns: true,
	}
}

func (sqliteDialect) columnsSQL(table, _ string) Statement {
	return finish(SQLite, `
		SELECT name, CASE "notnull" WHEN 0 THEN 'YES' ELSE 'NO' END, type
		FROM pragma_table_info(?)
		ORDER BY cid`,
		[]any{table}, true)
}

func (sqliteDialect) primaryKeysSQL(table, _ string) Statement {
	return finish(SQLite, `
		SELECT name FROM pragma_table_info(?)
		WHERE pk > 0 ORDER BY pk`,
		[]any{table}, true)
}

func (sqliteDialect) foreignKeysSQL(table, _ string) Statement {
	return finish(SQLite, `
		SELECT "from", "table", "to" FROM pragma_foreign_key_list(?)
		ORDER BY id, seq`,
		[]any{table}, true)
}

func (sqliteDialect) indexesSQL(table, _ string) Statement {
	return finish(SQLite, `
		SELECT il.name, COALESCE(m.sql, ''), il."unique",
			(SELECT group_concat(ii.name) FROM pragma_index_info(il.name) AS ii)
		FROM pragma_index_list(?) AS il
		LEFT JOIN sqlite_master AS m ON m.name = il.name
		ORDER BY il."unique" DESC, il.name`,
		[]any{table}, true)
}

func (sqliteDialect) sequenceExistsSQL(string) (Statement, error) {
	return Statement{}, fmt.Errorf("morm: sqlite does not support sequences")
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case string:
		ok, err := parseBool(b)
		return err == nil && ok
	case []byte:
		ok, err := parseBool(string(b))
		return err == nil && ok
	default:
		return false
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscan(n, &out)
		return out
	case []byte:
		var out int64
		_, _ = fmt.Sscan(string(n), &out)
		return out
	default:
		return 0
	}
}
