package morm

// Cond is a single WHERE criterion. Conditions are combined with AND by the
// builder; construct them with the helper functions below. A Cond whose Op
// is "=" is a plain equality criterion, the only kind get-or-create carries
// over into the created row.
//
// In accepts a slice (expanded to a placeholder list, empty slice matching
// no rows) or a *SelectQuery (embedded as a subquery).
type Cond struct {
	Field string
	Op    string
	Value any
}

func Eq(field string, v any) Cond   { return Cond{Field: field, Op: "=", Value: v} }
func Ne(field string, v any) Cond   { return Cond{Field: field, Op: "!=", Value: v} }
func Lt(field string, v any) Cond   { return Cond{Field: field, Op: "<", Value: v} }
func Le(field string, v any) Cond   { return Cond{Field: field, Op: "<=", Value: v} }
func Gt(field string, v any) Cond   { return Cond{Field: field, Op: ">", Value: v} }
func Ge(field string, v any) Cond   { return Cond{Field: field, Op: ">=", Value: v} }
func Like(field string, v any) Cond { return Cond{Field: field, Op: "LIKE", Value: v} }
func In(field string, v any) Cond   { return Cond{Field: field, Op: "IN", Value: v} }
func IsNull(field string) Cond      { return Cond{Field: field, Op: "IS NULL"} }
func NotNull(field string) Cond     { return Cond{Field: field, Op: "IS NOT NULL"} }

// isEquality reports whether the condition is usable as a creation field in
// get-or-create (plain equality with a concrete value).
func (c Cond) isEquality() bool { return c.Op == "=" && c.Value != nil }
