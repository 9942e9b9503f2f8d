package repository

import (
	"context"
	"database/sql"

	"pwh-registry/internal/query"
	"pwh-registry/internal/scope"
)

// ScopedReader executes query intents after the scope guard has composed the
// caller's tenant predicate into them. It is the only read path for
// patient-derived data.
type ScopedReader struct {
	db    DBTX
	guard *scope.Guard
}

// NewScopedReader 创建 ScopedReader
func NewScopedReader(db DBTX, guard *scope.Guard) *ScopedReader {
	if guard == nil {
		guard = scope.NewGuard()
	}
	return &ScopedReader{db: db, guard: guard}
}

// Rows runs a scoped query and returns the raw cursor.
func (r *ScopedReader) Rows(ctx context.Context, q *query.Query, caller scope.Caller) (*sql.Rows, error) {
	scoped, err := r.guard.Scope(q, caller)
	if err != nil {
		return nil, err
	}
	sqlText, args, err := scoped.Compile()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, wrapErr("scoped query", err)
	}
	return rows, nil
}

// Query runs a scoped query and returns each row keyed by output column.
func (r *ScopedReader) Query(ctx context.Context, q *query.Query, caller scope.Caller) ([]map[string]any, error) {
	rows, err := r.Rows(ctx, q, caller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wrapErr("scoped query columns", err)
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapErr("scoped query scan", err)
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[c] = string(b)
			} else {
				m[c] = vals[i]
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("scoped query rows", err)
	}
	return out, nil
}

// Count runs a scoped COUNT(*) over the query's sources and predicates.
func (r *ScopedReader) Count(ctx context.Context, q *query.Query, caller scope.Caller) (int, error) {
	c := q.Clone()
	c.Columns = []query.Selection{{Expr: query.CountAll{}, As: "total"}}
	c.OrderBy, c.GroupBy = nil, nil
	c.Limit, c.Offset = 0, 0
	rows, err := r.Rows(ctx, c, caller)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var total int
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, wrapErr("scoped count scan", err)
		}
	}
	return total, wrapErr("scoped count rows", rows.Err())
}
