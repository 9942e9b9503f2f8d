package query

import (
	"fmt"
	"strconv"
	"strings"

	"pwh-registry/internal/catalog"
)

type builder struct {
	strings.Builder
	args []any
	err  error
}

func (b *builder) bind(v any) {
	b.args = append(b.args, v)
	b.WriteString("$" + strconv.Itoa(len(b.args)))
}

func (b *builder) ident(name string) {
	if !validIdent(name) && b.err == nil {
		b.err = fmt.Errorf("invalid identifier %q", name)
	}
	b.WriteString(name)
}

func (b *builder) source(s Source) {
	table := catalog.Table(s.Entity)
	if table == "" && b.err == nil {
		b.err = fmt.Errorf("unknown entity %q", s.Entity)
	}
	b.WriteString(table)
	b.WriteByte(' ')
	b.ident(s.Alias)
}

func (b *builder) query(q *Query) {
	if q == nil {
		if b.err == nil {
			b.err = fmt.Errorf("nil query")
		}
		return
	}
	b.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.ident(q.From.Alias)
		b.WriteString(".*")
	}
	for i, c := range q.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		c.Expr.writeTo(b)
		if c.As != "" {
			b.WriteString(" AS ")
			b.ident(c.As)
		}
	}
	b.WriteString(" FROM ")
	b.source(q.From)
	for _, j := range q.Joins {
		if j.Kind == LeftJoin {
			b.WriteString(" LEFT JOIN ")
		} else {
			b.WriteString(" JOIN ")
		}
		b.source(j.Source)
		b.WriteString(" ON ")
		if len(j.On) == 0 {
			b.WriteString("TRUE")
		} else {
			And(j.On).writeTo(b)
		}
	}
	if len(q.Where) > 0 {
		b.WriteString(" WHERE ")
		for i, p := range q.Where {
			if i > 0 {
				b.WriteString(" AND ")
			}
			p.writeTo(b)
		}
	}
	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, g := range q.GroupBy {
			if i > 0 {
				b.WriteString(", ")
			}
			g.writeTo(b)
		}
	}
	if len(q.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			o.Expr.writeTo(b)
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(q.Offset))
	}
}

// Compile renders the query as PostgreSQL with $n placeholders. Subqueries
// share the placeholder sequence of the outer query.
func (q *Query) Compile() (string, []any, error) {
	b := &builder{}
	b.query(q)
	if b.err != nil {
		return "", nil, b.err
	}
	return b.String(), b.args, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
