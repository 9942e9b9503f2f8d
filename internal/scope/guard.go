// Package scope restricts reads to the caller's branch by composing a tenant
// predicate into every query intent before it is compiled.
package scope

import (
	"fmt"
	"strings"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/query"
)

// SuperUserBranch is the sentinel branch of an unscoped caller.
const SuperUserBranch = "ALL"

// Caller is the identity every core call is made on behalf of.
type Caller struct {
	User   string
	Branch string
}

// SuperUser reports whether the caller may read across branches.
func (c Caller) SuperUser() bool {
	return c.Branch == SuperUserBranch
}

// Validate fails closed when the identity is absent.
func (c Caller) Validate() error {
	if strings.TrimSpace(c.Branch) == "" {
		return domain.ErrNoCaller
	}
	return nil
}

// CanAccessBranch reports whether a patient tagged branch is visible to c.
// Unassigned patients are visible only to super-users.
func (c Caller) CanAccessBranch(branch string) bool {
	return c.SuperUser() || (branch != "" && branch == c.Branch)
}

// Guard composes tenant predicates into query intents.
type Guard struct{}

// NewGuard creates a Guard.
func NewGuard() *Guard { return &Guard{} }

// Scope returns a copy of q restricted to the caller's branch. For a
// super-user q is returned unmodified. Every occurrence of the patients
// table (root, joins, subqueries) gets `alias.branch_tag = :branch`; every
// patient-owned table gets `alias.patient_id IN (patients of :branch)`.
// Left-joined sources are filtered in their ON clause, everything else in WHERE.
func (g *Guard) Scope(q *query.Query, caller Caller) (*query.Query, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("scope: nil query")
	}
	if caller.SuperUser() {
		return q, nil
	}
	return g.scope(q.Clone(), caller.Branch, 0)
}

const maxDepth = 8

func (g *Guard) scope(q *query.Query, branch string, depth int) (*query.Query, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("scope: subquery nesting exceeds %d levels", maxDepth)
	}
	rewrite := func(sub *query.Query) (*query.Query, error) {
		return g.scope(sub, branch, depth+1)
	}

	for i, p := range q.Where {
		r, err := query.RewriteSubqueries(p, rewrite)
		if err != nil {
			return nil, err
		}
		q.Where[i] = r
	}
	for i := range q.Joins {
		for k, p := range q.Joins[i].On {
			r, err := query.RewriteSubqueries(p, rewrite)
			if err != nil {
				return nil, err
			}
			q.Joins[i].On[k] = r
		}
	}

	q.Where = append(q.Where, predicateFor(q.From, branch)...)
	for i := range q.Joins {
		j := &q.Joins[i]
		// on a LEFT JOIN the filter belongs to the join, or unmatched rows vanish
		if j.Kind == query.LeftJoin {
			j.On = append(j.On, predicateFor(j.Source, branch)...)
			continue
		}
		q.Where = append(q.Where, predicateFor(j.Source, branch)...)
	}
	return q, nil
}

// predicateFor returns the tenant predicate a source requires, if any.
func predicateFor(src query.Source, branch string) []query.Predicate {
	switch {
	case src.Entity == catalog.Patient:
		return []query.Predicate{query.Eq(query.C(src.Alias, catalog.BranchColumn), branch)}
	case catalog.IsOwned(src.Entity):
		owners := query.From(catalog.Patient, src.Alias+"_scope").
			Fields(src.Alias+"_scope", "id").
			Filter(query.Eq(query.C(src.Alias+"_scope", catalog.BranchColumn), branch))
		return []query.Predicate{query.InQuery{Col: query.C(src.Alias, catalog.OwnerColumn), Sub: owners}}
	default:
		return nil
	}
}
