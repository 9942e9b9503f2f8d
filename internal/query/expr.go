package query

import "strings"

// Expr is a value-producing SQL fragment.
type Expr interface {
	writeTo(b *builder)
}

// Predicate is a boolean SQL fragment.
type Predicate interface {
	writeTo(b *builder)
}

// Col references alias.name.
type Col struct {
	Alias string
	Name  string
}

// C builds a column reference.
func C(alias, name string) Col { return Col{Alias: alias, Name: name} }

func (c Col) writeTo(b *builder) {
	if c.Alias != "" {
		b.ident(c.Alias)
		b.WriteByte('.')
	}
	b.ident(c.Name)
}

// Output references an output column alias (ORDER BY total).
type Output string

func (o Output) writeTo(b *builder) { b.ident(string(o)) }

// CountAll is COUNT(*).
type CountAll struct{}

func (CountAll) writeTo(b *builder) { b.WriteString("COUNT(*)") }

// Lower is LOWER(expr).
type Lower struct{ Expr Expr }

func (l Lower) writeTo(b *builder) {
	b.WriteString("LOWER(")
	l.Expr.writeTo(b)
	b.WriteByte(')')
}

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "<>"
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Cmp compares an expression with a bound value.
type Cmp struct {
	Left  Expr
	Op    Op
	Value any
}

// Eq builds left = value.
func Eq(left Expr, value any) Cmp { return Cmp{Left: left, Op: OpEq, Value: value} }

func (c Cmp) writeTo(b *builder) {
	c.Left.writeTo(b)
	b.WriteString(" " + string(c.Op) + " ")
	b.bind(c.Value)
}

// ColEq compares two expressions; used for join conditions.
type ColEq struct {
	Left, Right Expr
}

func (c ColEq) writeTo(b *builder) {
	c.Left.writeTo(b)
	b.WriteString(" = ")
	c.Right.writeTo(b)
}

// IsNull tests NULL-ness.
type IsNull struct {
	Expr Expr
	Not  bool
}

func (n IsNull) writeTo(b *builder) {
	n.Expr.writeTo(b)
	if n.Not {
		b.WriteString(" IS NOT NULL")
	} else {
		b.WriteString(" IS NULL")
	}
}

// ILike is a case-insensitive pattern match.
type ILike struct {
	Expr    Expr
	Pattern string
}

func (l ILike) writeTo(b *builder) {
	l.Expr.writeTo(b)
	b.WriteString(" ILIKE ")
	b.bind(l.Pattern)
}

// In tests membership in a bound value list. An empty list matches nothing.
type In struct {
	Expr   Expr
	Values []any
}

func (in In) writeTo(b *builder) {
	if len(in.Values) == 0 {
		b.WriteString("FALSE")
		return
	}
	in.Expr.writeTo(b)
	b.WriteString(" IN (")
	for i, v := range in.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.bind(v)
	}
	b.WriteByte(')')
}

// InQuery tests membership in a subquery result.
type InQuery struct {
	Col Expr
	Sub *Query
	Not bool
}

func (in InQuery) writeTo(b *builder) {
	in.Col.writeTo(b)
	if in.Not {
		b.WriteString(" NOT")
	}
	b.WriteString(" IN (")
	b.query(in.Sub)
	b.WriteByte(')')
}

// Exists tests whether a subquery yields rows.
type Exists struct {
	Sub *Query
	Not bool
}

func (e Exists) writeTo(b *builder) {
	if e.Not {
		b.WriteString("NOT ")
	}
	b.WriteString("EXISTS (")
	b.query(e.Sub)
	b.WriteByte(')')
}

// And joins predicates with AND.
type And []Predicate

func (a And) writeTo(b *builder) { writeJoined(b, a, " AND ") }

// Or joins predicates with OR.
type Or []Predicate

func (o Or) writeTo(b *builder) { writeJoined(b, o, " OR ") }

func writeJoined(b *builder, ps []Predicate, sep string) {
	if len(ps) == 0 {
		b.WriteString("TRUE")
		return
	}
	b.WriteByte('(')
	for i, p := range ps {
		if i > 0 {
			b.WriteString(sep)
		}
		p.writeTo(b)
	}
	b.WriteByte(')')
}

// Contains builds an ILIKE '%term%' predicate with LIKE metacharacters escaped.
func Contains(e Expr, term string) ILike {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return ILike{Expr: e, Pattern: "%" + r.Replace(term) + "%"}
}
