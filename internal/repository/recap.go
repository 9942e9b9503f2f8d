package repository

import (
	"context"
	"database/sql"
	"fmt"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/query"
	"pwh-registry/internal/scope"
)

// groupQuery counts rows of e grouped by one column key. hospital_name on
// treatments is read through the hospitals join.
func groupQuery(e catalog.Entity, key string) (*query.Query, error) {
	spec := catalog.Lookup(e)
	if spec == nil {
		return nil, fmt.Errorf("unknown entity %q", e)
	}
	if _, ok := spec.ColumnFor(key); !ok {
		return nil, fmt.Errorf("entity %q has no column %q", e, key)
	}
	q := query.From(e, "x")
	var label query.Expr = query.C("x", key)
	if e == catalog.Treatment && key == "hospital_name" {
		q.LeftJoinOn(catalog.Hospital, "h", query.ColEq{Left: query.C("h", "id"), Right: query.C("x", "hospital_id")})
		label = query.C("h", "name")
	}
	return q.Select(
		query.Selection{Expr: label, As: "label"},
		query.Selection{Expr: query.CountAll{}, As: "total"},
	).Group(label).Sort(query.Output("total"), true), nil
}

// GroupCount counts the caller's visible rows of e per distinct value of key.
// NULL values are reported under the empty label.
func (r *PostgresRegistryRepository) GroupCount(ctx context.Context, caller scope.Caller, e catalog.Entity, key string) (map[string]int, error) {
	q, err := groupQuery(e, key)
	if err != nil {
		return nil, err
	}
	rows, err := r.reader.Query(ctx, q, caller)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		label, _ := row["label"].(string)
		switch n := row["total"].(type) {
		case int64:
			out[label] += int(n)
		case int:
			out[label] += n
		}
	}
	return out, nil
}

// GroupCount mirrors the Postgres aggregate over the exported rows.
func (r *MemoryRegistryRepository) GroupCount(ctx context.Context, caller scope.Caller, e catalog.Entity, key string) (map[string]int, error) {
	if _, err := groupQuery(e, key); err != nil {
		return nil, err
	}
	rows, err := r.ExportRows(ctx, caller, e)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, row := range rows {
		label, _ := row[key].(string)
		out[label]++
	}
	return out, nil
}

// DiagnosisAges returns every visible diagnosis with its patient's birth date.
func (r *PostgresRegistryRepository) DiagnosisAges(ctx context.Context, caller scope.Caller) ([]domain.DiagnosisAge, error) {
	q := query.From(catalog.Diagnosis, "d").
		JoinOn(catalog.Patient, "p", query.ColEq{Left: query.C("p", "id"), Right: query.C("d", catalog.OwnerColumn)}).
		Fields("p", "birth_date").
		Fields("d", "hemo_type", "severity")
	rows, err := r.reader.Rows(ctx, q, caller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DiagnosisAge
	for rows.Next() {
		var (
			birth    sql.NullTime
			hemo     string
			severity sql.NullString
		)
		if err := rows.Scan(&birth, &hemo, &severity); err != nil {
			return nil, wrapErr("diagnosis ages", err)
		}
		out = append(out, domain.DiagnosisAge{
			BirthDate: fromNullTime(birth),
			HemoType:  hemo,
			Severity:  fromNullString(severity),
		})
	}
	return out, wrapErr("diagnosis ages", rows.Err())
}

func (r *MemoryRegistryRepository) DiagnosisAges(_ context.Context, caller scope.Caller) ([]domain.DiagnosisAge, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DiagnosisAge
	for _, d := range r.state.diagnoses {
		p, ok := r.visiblePatient(caller, d.PatientID)
		if !ok {
			continue
		}
		out = append(out, domain.DiagnosisAge{BirthDate: p.BirthDate, HemoType: d.HemoType, Severity: d.Severity})
	}
	return out, nil
}
