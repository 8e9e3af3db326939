package morm

import (
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlite3 "modernc.org/sqlite"
)

// Dialect describes a backend's capabilities and conventions: which insert
// key-resolution strategies it supports, its placeholder style, identifier
// quoting, DDL type names, and how its driver errors map onto the morm error
// taxonomy.
//
// The three built-in dialects are [Postgres], [MySQL], and [SQLite].
type Dialect interface {
	Name() string

	// Placeholder is the positional parameter style the backend expects.
	// Statements are built with "?" and rewritten on finalization.
	Placeholder() Placeholder

	// InsertReturning reports whether inserts can carry a RETURNING clause,
	// the preferred primary-key resolution strategy.
	InsertReturning() bool

	// Sequences reports whether the backend has sequence objects; when true
	// and a table names a primary-key sequence, generated keys can be read
	// back with CURRVAL.
	Sequences() bool

	// InsertMany reports whether a single INSERT may carry multiple VALUES
	// rows. When false, bulk inserts fall back to one statement per row.
	InsertMany() bool

	QuoteIdent(name string) string

	// TypeName maps a portable column type to this backend's DDL type.
	TypeName(t ColumnType) string

	// SerialType is the DDL type of a single-column auto-generated integer
	// primary key.
	SerialType() string

	// Classify maps a backend-raised error onto [ErrIntegrity] or
	// [ErrConnectivity], or returns nil for errors outside the taxonomy.
	Classify(err error) error
}

// Postgres is the PostgreSQL dialect (github.com/lib/pq). It supports every
// key-resolution strategy: RETURNING, sequences, and multi-row inserts.
var Postgres Dialect = postgresDialect{}

// MySQL is the MySQL/MariaDB dialect (github.com/go-sql-driver/mysql).
// Multi-row inserts are supported; RETURNING and sequences are not.
var MySQL Dialect = mysqlDialect{}

// SQLite is the SQLite dialect (modernc.org/sqlite, driver name "sqlite").
// RETURNING and multi-row inserts are supported; sequences are not.
var SQLite Dialect = sqliteDialect{}

type postgresDialect struct{}

func (postgresDialect) Name() string               { return "postgres" }
func (postgresDialect) Placeholder() Placeholder   { return PlaceholderDollar }
func (postgresDialect) InsertReturning() bool      { return true }
func (postgresDialect) Sequences() bool            { return true }
func (postgresDialect) InsertMany() bool           { return true }
func (postgresDialect) QuoteIdent(n string) string { return pq.QuoteIdentifier(n) }
func (postgresDialect) SerialType() string         { return "BIGSERIAL" }

func (postgresDialect) TypeName(t ColumnType) string {
	switch t {
	case TypeInt:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBool:
		return "BOOLEAN"
	case TypeBytes:
		return "BYTEA"
	case TypeTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (postgresDialect) Classify(err error) error {
	if isBadConn(err) {
		return ErrConnectivity
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}
	switch pqErr.Code.Class() {
	case "23": // integrity_constraint_violation
		return ErrIntegrity
	case "08", "53", "57": // connection_exception, insufficient_resources, operator_intervention
		return ErrConnectivity
	}
	return nil
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string             { return "mysql" }
func (mysqlDialect) Placeholder() Placeholder { return PlaceholderQuestion }
func (mysqlDialect) InsertReturning() bool    { return false }
func (mysqlDialect) Sequences() bool          { return false }
func (mysqlDialect) InsertMany() bool         { return true }
func (mysqlDialect) SerialType() string       { return "BIGINT AUTO_INCREMENT" }

func (mysqlDialect) QuoteIdent(n string) string {
	return "`" + strings.ReplaceAll(n, "`", "``") + "`"
}

func (mysqlDialect) TypeName(t ColumnType) string {
	switch t {
	case TypeInt:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE"
	case TypeBool:
		return "BOOLEAN"
	case TypeBytes:
		return "BLOB"
	case TypeTime:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// MySQL error numbers that signal a constraint violation.
var mysqlIntegrityErrnos = map[uint16]bool{
	1022: true, // duplicate key
	1062: true, // duplicate entry for unique index
	1169: true, // unique constraint
	1215: true, // cannot add foreign key
	1216: true, // foreign key, no parent row
	1217: true, // foreign key, child rows exist
	1451: true, // row is referenced
	1452: true, // referenced row missing
	1557: true, // partition constraint
	1586: true, // duplicate entry with key name
	1761: true, // foreign key, duplicate in parent
	1762: true, // foreign key, duplicate in child
}

func (mysqlDialect) Classify(err error) error {
	if isBadConn(err) || errors.Is(err, mysql.ErrInvalidConn) {
		return ErrConnectivity
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && mysqlIntegrityErrnos[myErr.Number] {
		return ErrIntegrity
	}
	return nil
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string             { return "sqlite" }
func (sqliteDialect) Placeholder() Placeholder { return PlaceholderQuestion }
func (sqliteDialect) InsertReturning() bool    { return true }
func (sqliteDialect) Sequences() bool          { return false }
func (sqliteDialect) InsertMany() bool         { return true }
func (sqliteDialect) SerialType() string       { return "INTEGER" }

func (sqliteDialect) QuoteIdent(n string) string {
	return `"` + strings.ReplaceAll(n, `"`, `""`) + `"`
}

func (sqliteDialect) TypeName(t ColumnType) string {
	switch t {
	case TypeInt:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	case TypeBool:
		return "BOOLEAN"
	case TypeBytes:
		return "BLOB"
	case TypeTime:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

const (
	sqliteConstraint = 19 // SQLITE_CONSTRAINT
	sqliteBusy       = 5  // SQLITE_BUSY
	sqliteCantOpen   = 14 // SQLITE_CANTOPEN
)

func (sqliteDialect) Classify(err error) error {
	if isBadConn(err) {
		return ErrConnectivity
	}
	var sqErr *sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqliteConstraint:
			return ErrIntegrity
		case sqliteBusy, sqliteCantOpen:
			return ErrConnectivity
		}
		return nil
	}
	// The driver sometimes surfaces plain-text constraint errors.
	if strings.Contains(err.Error(), "constraint failed") {
		return ErrIntegrity
	}
	return nil
}

func isBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn)
}
