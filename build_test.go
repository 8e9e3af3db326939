package morm

import (
	"reflect"
	"strings"
	"testing"
)

func newBuildModel(t *testing.T, table *Table) *Model {
	t.Helper()
	db, _ := newTestDB(t, Postgres, nil)
	return db.Model(table)
}

func TestBuildSelect_Defaults(t *testing.T) {
	m := newBuildModel(t, usersTable())
	stmt := buildSelect(Postgres, m.Select())

	want := `SELECT "id", "username", "active" FROM "users"`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	if !stmt.Returns {
		t.Fatal("select not marked as returning rows")
	}
}

func TestBuildSelect_WhereOrderLimitOffset(t *testing.T) {
	m := newBuildModel(t, usersTable())
	q := m.Select("id").
		Where(Eq("active", true), Gt("id", 10)).
		OrderBy("-id", "username").
		Limit(5).
		Offset(20)
	stmt := buildSelect(Postgres, q)

	want := `SELECT "id" FROM "users" WHERE "active" = $1 AND "id" > $2 ORDER BY "id" DESC, "username" LIMIT 5 OFFSET 20`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	eqSlice(t, stmt.Args, []any{true, 10}, "args")
}

func TestBuildSelect_SchemaQualified(t *testing.T) {
	table := usersTable()
	table.Schema = "app"
	m := newBuildModel(t, table)
	stmt := buildSelect(Postgres, m.Select("id"))

	if !strings.Contains(stmt.SQL, `FROM "app"."users"`) {
		t.Fatalf("sql = %q", stmt.SQL)
	}
}

func TestBuildSelect_NullComparisons(t *testing.T) {
	m := newBuildModel(t, usersTable())
	stmt := buildSelect(Postgres, m.Select("id").Where(Eq("username", nil), Ne("active", nil), IsNull("id")))

	want := `SELECT "id" FROM "users" WHERE "username" IS NULL AND "active" IS NOT NULL AND "id" IS NULL`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	if len(stmt.Args) != 0 {
		t.Fatalf("args = %v", stmt.Args)
	}
}

func TestBuildSelect_InSlice(t *testing.T) {
	m := newBuildModel(t, usersTable())
	stmt := buildSelect(Postgres, m.Select("id").Where(In("id", []int{1, 2, 3})))

	want := `SELECT "id" FROM "users" WHERE "id" IN ($1, $2, $3)`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	eqSlice(t, stmt.Args, []any{1, 2, 3}, "args")
}

func TestBuildSelect_InEmptySliceMatchesNothing(t *testing.T) {
	m := newBuildModel(t, usersTable())
	stmt := buildSelect(Postgres, m.Select("id").Where(In("id", []int{})))

	if !strings.Contains(stmt.SQL, "IN (NULL)") {
		t.Fatalf("sql = %q", stmt.SQL)
	}
}

func TestBuildSelect_InSubquery(t *testing.T) {
	db, _ := newTestDB(t, Postgres, nil)
	users := db.Model(usersTable())
	tweets := db.Model(tweetsTable())

	sub := tweets.Select("user_id").Where(Like("body", "%go%"))
	stmt := buildSelect(Postgres, users.Select("id").Where(Eq("active", true), In("id", sub)))

	want := `SELECT "id" FROM "users" WHERE "active" = $1 AND "id" IN (SELECT "user_id" FROM "tweets" WHERE "body" LIKE $2)`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	eqSlice(t, stmt.Args, []any{true, "%go%"}, "args")
}

func TestBuildInsert_SingleRow(t *testing.T) {
	stmt := buildInsert(Postgres, usersTable(), []map[string]any{
		{"username": "ana", "active": true},
	}, nil)

	want := `INSERT INTO "users" ("username", "active") VALUES ($1, $2)`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	eqSlice(t, stmt.Args, []any{"ana", true}, "args")
	if stmt.Returns {
		t.Fatal("plain insert marked as returning")
	}
}

func TestBuildInsert_Returning(t *testing.T) {
	stmt := buildInsert(Postgres, usersTable(), []map[string]any{
		{"username": "ana"},
	}, []string{"id"})

	if !strings.HasSuffix(stmt.SQL, ` RETURNING "id"`) {
		t.Fatalf("sql = %q", stmt.SQL)
	}
	if !stmt.Returns {
		t.Fatal("returning insert not marked as returning")
	}
}

func TestBuildInsert_MultiRow(t *testing.T) {
	stmt := buildInsert(Postgres, usersTable(), []map[string]any{
		{"username": "ana"},
		{"username": "bo"},
	}, nil)

	want := `INSERT INTO "users" ("username") VALUES ($1), ($2)`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	eqSlice(t, stmt.Args, []any{"ana", "bo"}, "args")
}

func TestBuildInsert_NoFields(t *testing.T) {
	stmt := buildInsert(Postgres, usersTable(), []map[string]any{{}}, nil)
	if stmt.SQL != `INSERT INTO "users" DEFAULT VALUES` {
		t.Fatalf("postgres sql = %q", stmt.SQL)
	}

	stmt = buildInsert(MySQL, usersTable(), []map[string]any{{}}, nil)
	if stmt.SQL != "INSERT INTO `users` () VALUES ()" {
		t.Fatalf("mysql sql = %q", stmt.SQL)
	}
}

func TestBuildInsertFrom(t *testing.T) {
	db, _ := newTestDB(t, Postgres, nil)
	users := db.Model(usersTable())
	archived := db.Model(&Table{
		Name:       "archived_users",
		Columns:    []Column{{Name: "id", Type: TypeInt}, {Name: "username", Type: TypeString}},
		PrimaryKey: []string{"id"},
	})

	sub := users.Select("id", "username").Where(Eq("active", false))
	stmt := buildInsertFrom(Postgres, archived.table, []string{"id", "username"}, sub, nil)

	want := `INSERT INTO "archived_users" ("id", "username") SELECT "id", "username" FROM "users" WHERE "active" = $1`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	eqSlice(t, stmt.Args, []any{false}, "args")
}

func TestBuildUpdate_DeterministicOrder(t *testing.T) {
	stmt := buildUpdate(Postgres, usersTable(), map[string]any{
		"active":   false,
		"username": "zed",
	}, []Cond{Eq("id", 7)})

	// SET follows table column order regardless of map iteration order.
	want := `UPDATE "users" SET "username" = $1, "active" = $2 WHERE "id" = $3`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
	eqSlice(t, stmt.Args, []any{"zed", false, 7}, "args")
}

func TestBuildDelete(t *testing.T) {
	stmt := buildDelete(Postgres, usersTable(), []Cond{Eq("id", 3)})
	want := `DELETE FROM "users" WHERE "id" = $1`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
}

func TestBuildCurrval(t *testing.T) {
	table := &Table{Name: "events", Sequence: "events_id_seq", PrimaryKey: []string{"id"}}
	stmt := buildCurrval(Postgres, table)
	if stmt.SQL != `SELECT CURRVAL('"events_id_seq"')` {
		t.Fatalf("sql = %q", stmt.SQL)
	}

	table.Schema = "app"
	stmt = buildCurrval(Postgres, table)
	if stmt.SQL != `SELECT CURRVAL('app."events_id_seq"')` {
		t.Fatalf("schema-qualified sql = %q", stmt.SQL)
	}
	if !stmt.Returns {
		t.Fatal("currval not marked as returning")
	}
}

func TestBuildCreateTable_InlineSerialKey(t *testing.T) {
	stmt := buildCreateTable(Postgres, usersTable())
	want := `CREATE TABLE "users" ("id" BIGSERIAL PRIMARY KEY, "username" TEXT NOT NULL, "active" BOOLEAN NOT NULL)`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}
}

func TestBuildCreateTable_SequenceDefault(t *testing.T) {
	table := &Table{
		Name:       "events",
		Columns:    []Column{{Name: "id", Type: TypeInt}, {Name: "kind", Type: TypeString}},
		PrimaryKey: []string{"id"},
		Sequence:   "events_id_seq",
	}
	stmt := buildCreateTable(Postgres, table)
	if !strings.Contains(stmt.SQL, `"id" BIGINT DEFAULT NEXTVAL('"events_id_seq"') NOT NULL`) {
		t.Fatalf("sql = %q", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, `PRIMARY KEY ("id")`) {
		t.Fatalf("sql = %q", stmt.SQL)
	}
}

func TestBuildCreateTable_CompositeKeyAndForeignKeys(t *testing.T) {
	table := &Table{
		Name: "follows",
		Columns: []Column{
			{Name: "follower_id", Type: TypeInt},
			{Name: "followee_id", Type: TypeInt},
		},
		PrimaryKey: []string{"follower_id", "followee_id"},
		ForeignKeys: []ForeignKey{
			{Column: "follower_id", RefTable: "users", RefColumn: "id"},
			{Column: "followee_id", RefTable: "users", RefColumn: "id"},
		},
	}
	stmt := buildCreateTable(Postgres, table)
	if !strings.Contains(stmt.SQL, `PRIMARY KEY ("follower_id", "followee_id")`) {
		t.Fatalf("sql = %q", stmt.SQL)
	}
	if strings.Count(stmt.SQL, `FOREIGN KEY`) != 2 {
		t.Fatalf("sql = %q", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, `FOREIGN KEY ("follower_id") REFERENCES "users" ("id")`) {
		t.Fatalf("sql = %q", stmt.SQL)
	}
}

func TestBuildCreateIndex(t *testing.T) {
	stmt := buildCreateIndex(Postgres, usersTable(), Index{Columns: []string{"username"}, Unique: true})
	want := `CREATE UNIQUE INDEX "users_username" ON "users" ("username")`
	if stmt.SQL != want {
		t.Fatalf("sql = %q, want %q", stmt.SQL, want)
	}

	stmt = buildCreateIndex(Postgres, usersTable(), Index{Columns: []string{"active", "username"}})
	if stmt.SQL != `CREATE INDEX "users_active_username" ON "users" ("active", "username")` {
		t.Fatalf("sql = %q", stmt.SQL)
	}
}

func TestOrderedFields_TableOrderThenSortedExtras(t *testing.T) {
	fields := orderedFields(usersTable(), map[string]any{
		"zeta":     1,
		"active":   true,
		"alpha":    2,
		"username": "x",
	})
	want := []string{"username", "active", "alpha", "zeta"}
	if !reflect.DeepEqual(fields, want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
}
