// Package query describes reads structurally so that predicates can be
// composed into them before execution. There is no raw-SQL escape hatch:
// every source, join and subquery is visible to whoever inspects the intent.
package query

import (
	"fmt"

	"pwh-registry/internal/catalog"
)

// Source is an entity bound to an alias.
type Source struct {
	Entity catalog.Entity
	Alias  string
}

// JoinKind selects INNER or LEFT joins.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

// Join adds a source joined on the given conditions.
type Join struct {
	Kind   JoinKind
	Source Source
	On     []Predicate
}

// Selection is one output column.
type Selection struct {
	Expr Expr
	As   string
}

// Order is one ORDER BY term.
type Order struct {
	Expr Expr
	Desc bool
}

// Query is a read intent: target entity, joins, predicates, grouping,
// ordering and paging.
type Query struct {
	From    Source
	Columns []Selection
	Joins   []Join
	Where   []Predicate
	GroupBy []Expr
	OrderBy []Order
	Limit   int
	Offset  int
}

// From starts a query on entity e aliased as alias.
func From(e catalog.Entity, alias string) *Query {
	return &Query{From: Source{Entity: e, Alias: alias}}
}

// Select appends output columns.
func (q *Query) Select(sel ...Selection) *Query {
	q.Columns = append(q.Columns, sel...)
	return q
}

// Fields selects plain columns of one alias.
func (q *Query) Fields(alias string, names ...string) *Query {
	for _, n := range names {
		q.Columns = append(q.Columns, Selection{Expr: C(alias, n)})
	}
	return q
}

// JoinOn appends an inner join.
func (q *Query) JoinOn(e catalog.Entity, alias string, on ...Predicate) *Query {
	q.Joins = append(q.Joins, Join{Kind: InnerJoin, Source: Source{Entity: e, Alias: alias}, On: on})
	return q
}

// LeftJoinOn appends a left join.
func (q *Query) LeftJoinOn(e catalog.Entity, alias string, on ...Predicate) *Query {
	q.Joins = append(q.Joins, Join{Kind: LeftJoin, Source: Source{Entity: e, Alias: alias}, On: on})
	return q
}

// Filter appends predicates combined with AND.
func (q *Query) Filter(p ...Predicate) *Query {
	q.Where = append(q.Where, p...)
	return q
}

// Group appends GROUP BY expressions.
func (q *Query) Group(e ...Expr) *Query {
	q.GroupBy = append(q.GroupBy, e...)
	return q
}

// Sort appends an ORDER BY term.
func (q *Query) Sort(e Expr, desc bool) *Query {
	q.OrderBy = append(q.OrderBy, Order{Expr: e, Desc: desc})
	return q
}

// Page sets LIMIT/OFFSET.
func (q *Query) Page(limit, offset int) *Query {
	q.Limit, q.Offset = limit, offset
	return q
}

// Sources returns the root source followed by joined sources.
func (q *Query) Sources() []Source {
	out := make([]Source, 0, 1+len(q.Joins))
	out = append(out, q.From)
	for _, j := range q.Joins {
		out = append(out, j.Source)
	}
	return out
}

// Clone returns a deep copy; predicates holding subqueries are cloned too.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := *q
	c.Columns = append([]Selection(nil), q.Columns...)
	c.GroupBy = append([]Expr(nil), q.GroupBy...)
	c.OrderBy = append([]Order(nil), q.OrderBy...)
	c.Joins = make([]Join, len(q.Joins))
	for i, j := range q.Joins {
		j.On = clonePredicates(j.On)
		c.Joins[i] = j
	}
	c.Where = clonePredicates(q.Where)
	return &c
}

func clonePredicates(ps []Predicate) []Predicate {
	if ps == nil {
		return nil
	}
	out := make([]Predicate, len(ps))
	for i, p := range ps {
		out[i] = clonePredicate(p)
	}
	return out
}

func clonePredicate(p Predicate) Predicate {
	switch v := p.(type) {
	case InQuery:
		return InQuery{Col: v.Col, Sub: v.Sub.Clone(), Not: v.Not}
	case Exists:
		return Exists{Sub: v.Sub.Clone(), Not: v.Not}
	case And:
		return And(clonePredicates(v))
	case Or:
		return Or(clonePredicates(v))
	default:
		return p
	}
}

// RewriteSubqueries applies fn to every subquery reachable from p, depth first.
func RewriteSubqueries(p Predicate, fn func(*Query) (*Query, error)) (Predicate, error) {
	switch v := p.(type) {
	case InQuery:
		sub, err := fn(v.Sub)
		if err != nil {
			return nil, err
		}
		return InQuery{Col: v.Col, Sub: sub, Not: v.Not}, nil
	case Exists:
		sub, err := fn(v.Sub)
		if err != nil {
			return nil, err
		}
		return Exists{Sub: sub, Not: v.Not}, nil
	case And:
		out, err := rewriteAll(v, fn)
		return And(out), err
	case Or:
		out, err := rewriteAll(v, fn)
		return Or(out), err
	default:
		return p, nil
	}
}

func rewriteAll(ps []Predicate, fn func(*Query) (*Query, error)) ([]Predicate, error) {
	out := make([]Predicate, len(ps))
	for i, p := range ps {
		r, err := RewriteSubqueries(p, fn)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (s Source) String() string {
	return fmt.Sprintf("%s %s", catalog.Table(s.Entity), s.Alias)
}
