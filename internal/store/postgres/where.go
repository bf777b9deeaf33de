package postgres

import (
	"fmt"
	"strings"
	"time"
)

// WhereBuilder accumulates AND-ed conditions with positional arguments.
// Empty values are skipped so optional filters can be added unconditionally.
type WhereBuilder struct {
	conditions []string
	args       []any
}

// NewWhereBuilder creates an empty builder.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{}
}

func (wb *WhereBuilder) next(v any) string {
	wb.args = append(wb.args, v)
	return fmt.Sprintf("$%d", len(wb.args))
}

// Add appends "column = $n" unless value is empty.
func (wb *WhereBuilder) Add(column, value string) {
	if value == "" {
		return
	}
	wb.conditions = append(wb.conditions, fmt.Sprintf("%s = %s", column, wb.next(value)))
}

// AddInt appends "column = $n" unless value is zero.
func (wb *WhereBuilder) AddInt(column string, value int64) {
	if value == 0 {
		return
	}
	wb.conditions = append(wb.conditions, fmt.Sprintf("%s = %s", column, wb.next(value)))
}

// AddExpr appends a raw expression where every "?" is replaced by the next
// positional argument.
func (wb *WhereBuilder) AddExpr(expr string, values ...any) {
	var b strings.Builder
	i := 0
	for _, r := range expr {
		if r == '?' && i < len(values) {
			b.WriteString(wb.next(values[i]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	wb.conditions = append(wb.conditions, b.String())
}

// AddIn appends "column = ANY($n)" unless values is empty.
func (wb *WhereBuilder) AddIn(column string, values []string) {
	if len(values) == 0 {
		return
	}
	wb.conditions = append(wb.conditions, fmt.Sprintf("%s = ANY(%s)", column, wb.next(values)))
}

// AddTimestampRange bounds column by from and to. Empty bounds are skipped.
func (wb *WhereBuilder) AddTimestampRange(column, from, to string) {
	if from != "" {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s >= %s", column, wb.next(from)))
	}
	if to != "" {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s <= %s", column, wb.next(to)))
	}
}

// AddTimeRange bounds column by from and to. Zero times are skipped.
func (wb *WhereBuilder) AddTimeRange(column string, from, to time.Time) {
	if !from.IsZero() {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s >= %s", column, wb.next(from)))
	}
	if !to.IsZero() {
		wb.conditions = append(wb.conditions, fmt.Sprintf("%s <= %s", column, wb.next(to)))
	}
}

// AddSearch appends a case-insensitive substring match across columns.
func (wb *WhereBuilder) AddSearch(text string, columns ...string) {
	text = strings.TrimSpace(text)
	if text == "" || len(columns) == 0 {
		return
	}
	ph := wb.next("%" + escapeLike(text) + "%")
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%s ILIKE %s", col, ph)
	}
	wb.conditions = append(wb.conditions, "("+strings.Join(parts, " OR ")+")")
}

// Build returns the WHERE clause, with a leading space, and its arguments.
// Returns an empty clause and nil args when no condition was added.
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}

// NextArgIndex returns the index of the next positional argument.
func (wb *WhereBuilder) NextArgIndex() int {
	return len(wb.args) + 1
}

// escapeLike escapes LIKE wildcards so text matches literally.
func escapeLike(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(text)
}
