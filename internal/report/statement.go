package report

// statement.go turns a Definition and a Query into parameterized SQL.
//
// Catalog expressions (from, columns, order_by) are trusted configuration and
// are interpolated as-is. Query values never are: they always travel as
// arguments through the WhereBuilder.

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholder selects the bind-parameter syntax of the target driver.
type Placeholder int

const (
	Dollar   Placeholder = iota // $1, $2 (PostgreSQL)
	Question                    // ?, ? (SQLite, MySQL)
)

// WhereBuilder accumulates AND-ed conditions and their arguments.
type WhereBuilder struct {
	style      Placeholder
	conditions []string
	args       []any
	argIndex   int
}

// NewWhereBuilder returns an empty builder using style for bind parameters.
func NewWhereBuilder(style Placeholder) *WhereBuilder {
	return &WhereBuilder{style: style, argIndex: 1}
}

// Add appends "expr op <arg>".
func (wb *WhereBuilder) Add(expr, op string, value any) {
	wb.conditions = append(wb.conditions, fmt.Sprintf("%s %s %s", expr, op, wb.next()))
	wb.args = append(wb.args, value)
}

// Build returns the WHERE clause (with a leading space) and its arguments.
// An empty builder yields "" and nil.
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}

// NextArgIndex returns the index the next argument would get.
func (wb *WhereBuilder) NextArgIndex() int {
	return wb.argIndex
}

func (wb *WhereBuilder) next() string {
	idx := wb.argIndex
	wb.argIndex++
	if wb.style == Question {
		return "?"
	}
	return "$" + strconv.Itoa(idx)
}

// Statement is a SQL text and its arguments.
type Statement struct {
	SQL  string
	Args []any
}

// where applies the query's filters to a new builder.
func where(def Definition, q Query, style Placeholder) *WhereBuilder {
	wb := NewWhereBuilder(style)
	if def.DateColumn != "" {
		if !q.From.IsZero() {
			wb.Add(def.DateColumn, ">=", q.From)
		}
		if !q.To.IsZero() {
			wb.Add(def.DateColumn, "<", q.To)
		}
	}
	if def.SubjectColumn != "" && q.SubjectID != "" {
		wb.Add(def.SubjectColumn, "=", q.SubjectID)
	}
	return wb
}

// CountStatement returns the statement counting the rows q would export.
func CountStatement(def Definition, q Query, style Placeholder) Statement {
	clause, args := where(def, q, style).Build()
	return Statement{
		SQL:  fmt.Sprintf("SELECT COUNT(*) FROM %s%s", def.From, clause),
		Args: args,
	}
}

// SelectStatement returns the statement selecting every exported column,
// aliased to its record key, in a stable order.
func SelectStatement(def Definition, q Query, style Placeholder) Statement {
	exprs := make([]string, len(def.Columns))
	for i, col := range def.Columns {
		exprs[i] = fmt.Sprintf("%s AS %s", col.Expr, quoteIdentifier(col.Key))
	}

	clause, args := where(def, q, style).Build()

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", strings.Join(exprs, ", "), def.From, clause)
	if def.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(def.OrderBy)
	}
	return Statement{SQL: b.String(), Args: args}
}

// quoteIdentifier quotes a SQL identifier to prevent injection.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
