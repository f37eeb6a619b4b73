package taskstore

import (
	"fmt"
	"regexp"
	"strings"
)

var validField = regexp.MustCompile(`^[a-z_]+$`)

// dialect renders payload field access and bind placeholders for one SQL engine.
type dialect struct {
	// text returns an expression yielding the field as text.
	text func(field string) string
	// number returns an expression yielding the field as an integer.
	number func(field string) string
	// placeholder returns the bind marker for the n-th (1 based) argument.
	placeholder func(n int) string
}

var postgresDialect = dialect{
	text:        func(f string) string { return fmt.Sprintf("payload->>'%s'", f) },
	number:      func(f string) string { return fmt.Sprintf("(payload->>'%s')::bigint", f) },
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
}

var sqliteDialect = dialect{
	text:        func(f string) string { return fmt.Sprintf("json_extract(payload, '$.%s')", f) },
	number:      func(f string) string { return fmt.Sprintf("CAST(json_extract(payload, '$.%s') AS INTEGER)", f) },
	placeholder: func(int) string { return "?" },
}

func (d dialect) expr(field string) string {
	if numericFields[field] {
		return d.number(field)
	}
	return d.text(field)
}

// where renders the conditions and returns the clause (without WHERE) and args.
// argOffset is the number of arguments already bound.
func (d dialect) where(conds []Condition, argOffset int) (string, []any, error) {
	var (
		parts []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return d.placeholder(argOffset + len(args))
	}
	for _, c := range conds {
		if !validField.MatchString(c.Field) {
			return "", nil, fmt.Errorf("invalid field %q", c.Field)
		}
		expr := d.expr(c.Field)
		switch c.Op {
		case OpEq:
			parts = append(parts, expr+" = "+bind(c.Value))
		case OpGte:
			parts = append(parts, expr+" >= "+bind(c.Value))
		case OpLte:
			parts = append(parts, expr+" <= "+bind(c.Value))
		case OpIn:
			values, ok := c.Value.([]any)
			if !ok {
				return "", nil, fmt.Errorf("in condition on %q needs a list", c.Field)
			}
			if len(values) == 0 {
				parts = append(parts, "1 = 0")
				continue
			}
			marks := make([]string, len(values))
			for i, v := range values {
				marks[i] = bind(v)
			}
			parts = append(parts, expr+" IN ("+strings.Join(marks, ", ")+")")
		default:
			return "", nil, fmt.Errorf("unsupported op %q", c.Op)
		}
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

// selectSQL renders a full scroll or count statement for table.
func (d dialect) selectSQL(table, columns string, q Query) (string, []any, error) {
	where, args, err := d.where(q.Conditions, 0)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, table)
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	if q.OrderBy != "" {
		if !validField.MatchString(q.OrderBy) {
			return "", nil, fmt.Errorf("invalid order field %q", q.OrderBy)
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s, id %s", d.expr(q.OrderBy), dir, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	} else if q.Offset > 0 && d.placeholder(1) == "?" {
		// SQLite needs a LIMIT before OFFSET.
		b.WriteString(" LIMIT -1")
	}
	if q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}
	return b.String(), args, nil
}
