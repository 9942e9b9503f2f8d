package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/query"
	"pwh-registry/internal/scope"
)

// Hospitals returns the hospital directory. Hospitals are not tenant-owned.
func (r *PostgresRegistryRepository) Hospitals(ctx context.Context) ([]domain.Hospital, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, city, province FROM hospitals ORDER BY name, id`)
	if err != nil {
		return nil, wrapErr("list hospitals", err)
	}
	defer rows.Close()

	var out []domain.Hospital
	for rows.Next() {
		var (
			h              domain.Hospital
			city, province sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.Name, &city, &province); err != nil {
			return nil, wrapErr("list hospitals", err)
		}
		h.City = fromNullString(city)
		h.Province = fromNullString(province)
		out = append(out, h)
	}
	return out, wrapErr("list hospitals", rows.Err())
}

// HospitalByName matches a hospital by exact name.
func (r *PostgresRegistryRepository) HospitalByName(ctx context.Context, name string) (*domain.Hospital, error) {
	var (
		h              domain.Hospital
		city, province sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, city, province FROM hospitals WHERE name = $1 ORDER BY id LIMIT 1`, name).
		Scan(&h.ID, &h.Name, &city, &province)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("hospital by name", err)
	}
	h.City = fromNullString(city)
	h.Province = fromNullString(province)
	return &h, nil
}

// Lookups reads every enumerated concept from its helper table.
func (r *PostgresRegistryRepository) Lookups(ctx context.Context) (map[catalog.Concept][]string, error) {
	out := make(map[catalog.Concept][]string, len(catalog.LookupTables))
	for _, lt := range catalog.LookupTables {
		// table and column come from the static catalog
		q := `SELECT ` + lt.Column + ` FROM ` + lt.Table + ` WHERE ` + lt.Column + ` IS NOT NULL ORDER BY ` + lt.Column
		values, err := r.stringColumn(ctx, q)
		if err != nil {
			return nil, err
		}
		out[lt.Concept] = values
	}
	return out, nil
}

func (r *PostgresRegistryRepository) stringColumn(ctx context.Context, q string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrapErr("lookup values", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapErr("lookup values", err)
		}
		out = append(out, v)
	}
	return out, wrapErr("lookup values", rows.Err())
}

// Regions returns the administrative hierarchy, optionally narrowed to a province.
func (r *PostgresRegistryRepository) Regions(ctx context.Context, province string) ([]domain.Region, error) {
	q := `SELECT province, city, district, village FROM regions`
	var args []any
	if province != "" {
		q += ` WHERE province = $1`
		args = append(args, province)
	}
	q += ` ORDER BY province, city, district, village`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("list regions", err)
	}
	defer rows.Close()

	var out []domain.Region
	for rows.Next() {
		var (
			reg                     domain.Region
			city, district, village sql.NullString
		)
		if err := rows.Scan(&reg.Province, &city, &district, &village); err != nil {
			return nil, wrapErr("list regions", err)
		}
		reg.City = fromNullString(city)
		reg.District = fromNullString(district)
		reg.Village = fromNullString(village)
		out = append(out, reg)
	}
	return out, wrapErr("list regions", rows.Err())
}

// Branches lists the distinct branch tags of the caller's visible patients.
func (r *PostgresRegistryRepository) Branches(ctx context.Context, caller scope.Caller) ([]string, error) {
	branch := query.C("p", catalog.BranchColumn)
	q := query.From(catalog.Patient, "p").
		Select(query.Selection{Expr: branch, As: "branch"}).
		Filter(query.IsNull{Expr: branch, Not: true}).
		Group(branch).
		Sort(branch, false)
	rows, err := r.reader.Query(ctx, q, caller)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if b, _ := row["branch"].(string); strings.TrimSpace(b) != "" {
			out = append(out, b)
		}
	}
	return out, nil
}
