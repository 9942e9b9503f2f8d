package repository

import (
	"context"
	"fmt"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/query"
	"pwh-registry/internal/scope"
)

// exportQuery builds the intent backing one export sheet. Every output column
// is aliased to its catalog key.
func exportQuery(spec *catalog.Spec) *query.Query {
	alias := "x"
	q := query.From(spec.Entity, alias)
	if spec.Owned {
		q.JoinOn(catalog.Patient, "p", query.ColEq{Left: query.C("p", "id"), Right: query.C(alias, catalog.OwnerColumn)})
	}
	if spec.Entity == catalog.Treatment {
		q.JoinOn(catalog.Hospital, "h", query.ColEq{Left: query.C("h", "id"), Right: query.C(alias, "hospital_id")})
	}
	for _, c := range spec.Columns {
		var expr query.Expr
		switch {
		case c.Key == "age_years":
			continue
		case spec.Owned && c.Key == "full_name":
			expr = query.C("p", "full_name")
		case c.Key == "hospital_name":
			expr = query.C("h", "name")
		case c.Key == "hospital_city":
			expr = query.C("h", "city")
		case c.Key == "hospital_province":
			expr = query.C("h", "province")
		default:
			expr = query.C(alias, c.Key)
		}
		q.Select(query.Selection{Expr: expr, As: c.Key})
	}
	if spec.Owned {
		q.Sort(query.C(alias, catalog.OwnerColumn), false)
	}
	return q.Sort(query.C(alias, "id"), false)
}

// ExportRows returns every visible row of an entity keyed by column key.
// Derived columns such as age are computed here, never read from storage.
func (r *PostgresRegistryRepository) ExportRows(ctx context.Context, caller scope.Caller, e catalog.Entity) ([]map[string]any, error) {
	spec := catalog.Lookup(e)
	if spec == nil || spec.Sheet == "" {
		return nil, fmt.Errorf("entity %q has no export sheet", e)
	}
	rows, err := r.reader.Query(ctx, exportQuery(spec), caller)
	if err != nil {
		return nil, err
	}
	if e == catalog.Patient {
		now := r.now()
		for _, row := range rows {
			row["age_years"] = ageFrom(row["birth_date"], now)
		}
	}
	return rows, nil
}

func ageFrom(v any, now time.Time) any {
	b, ok := v.(time.Time)
	if !ok {
		return nil
	}
	years := now.Year() - b.Year()
	if now.Month() < b.Month() || (now.Month() == b.Month() && now.Day() < b.Day()) {
		years--
	}
	if years < 0 {
		years = 0
	}
	return years
}
