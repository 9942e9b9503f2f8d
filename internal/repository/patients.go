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

var patientFields = []string{
	"id", "full_name", "birth_place", "birth_date", "nik", "blood_group", "rhesus",
	"gender", "occupation", "education", "address", "village", "district", "phone",
	"province", "city", "branch_tag", "coverage_city", "note", "created_at",
}

func scanPatient(rows *sql.Rows) (*domain.Patient, error) {
	var (
		p                                  domain.Patient
		birthDate                          sql.NullTime
		birthPlace, nik, blood, rhesus     sql.NullString
		gender, occupation, education      sql.NullString
		address, village, district, phone  sql.NullString
		prov, city, branch, coverage, note sql.NullString
	)
	if err := rows.Scan(
		&p.ID, &p.FullName, &birthPlace, &birthDate, &nik, &blood, &rhesus,
		&gender, &occupation, &education, &address, &village, &district, &phone,
		&prov, &city, &branch, &coverage, &note, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.BirthPlace = fromNullString(birthPlace)
	p.BirthDate = fromNullTime(birthDate)
	p.NationalID = fromNullString(nik)
	p.BloodGroup = fromNullString(blood)
	p.Rhesus = fromNullString(rhesus)
	p.Gender = fromNullString(gender)
	p.Occupation = fromNullString(occupation)
	p.Education = fromNullString(education)
	p.Address = fromNullString(address)
	p.Village = fromNullString(village)
	p.District = fromNullString(district)
	p.Phone = fromNullString(phone)
	p.Province = fromNullString(prov)
	p.City = fromNullString(city)
	p.Branch = fromNullString(branch)
	p.CoverageCity = fromNullString(coverage)
	p.Note = fromNullString(note)
	return &p, nil
}

// GetPatient returns a patient visible to the caller, or domain.ErrNotFound.
func (r *PostgresRegistryRepository) GetPatient(ctx context.Context, caller scope.Caller, id int64) (*domain.Patient, error) {
	q := query.From(catalog.Patient, "p").
		Fields("p", patientFields...).
		Filter(query.Eq(query.C("p", "id"), id))
	rows, err := r.reader.Rows(ctx, q, caller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, wrapErr("get patient", err)
		}
		return nil, domain.ErrNotFound
	}
	p, err := scanPatient(rows)
	if err != nil {
		return nil, wrapErr("get patient", err)
	}
	return p, nil
}

// PatientFilter narrows ListPatients.
type PatientFilter struct {
	Search string // matches name or national id
	Branch string // only honored for super-users
	Limit  int
	Offset int
}

func (f PatientFilter) apply(q *query.Query) *query.Query {
	if s := strings.TrimSpace(f.Search); s != "" {
		q.Filter(query.Or{query.Contains(query.C("p", "full_name"), s), query.Contains(query.C("p", "nik"), s)})
	}
	if f.Branch != "" {
		q.Filter(query.Eq(query.C("p", catalog.BranchColumn), f.Branch))
	}
	return q
}

// ListPatients returns a page of visible patients and the total match count.
func (r *PostgresRegistryRepository) ListPatients(ctx context.Context, caller scope.Caller, f PatientFilter) ([]domain.Patient, int, error) {
	base := f.apply(query.From(catalog.Patient, "p"))
	total, err := r.reader.Count(ctx, base, caller)
	if err != nil {
		return nil, 0, err
	}

	q := base.Clone().Fields("p", patientFields...).
		Sort(query.C("p", "full_name"), false).
		Sort(query.C("p", "id"), false).
		Page(f.Limit, f.Offset)
	rows, err := r.reader.Rows(ctx, q, caller)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, wrapErr("list patients", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapErr("list patients", err)
	}
	return out, total, nil
}

// PatientIdentities returns (id, name, national id, branch) for every visible patient.
func (r *PostgresRegistryRepository) PatientIdentities(ctx context.Context, caller scope.Caller) ([]domain.PatientIdentity, error) {
	q := query.From(catalog.Patient, "p").
		Fields("p", "id", "full_name", "nik", catalog.BranchColumn).
		Sort(query.C("p", "full_name"), false).
		Sort(query.C("p", "id"), false)
	rows, err := r.reader.Rows(ctx, q, caller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PatientIdentity
	for rows.Next() {
		var (
			id          domain.PatientIdentity
			nik, branch sql.NullString
		)
		if err := rows.Scan(&id.ID, &id.FullName, &nik, &branch); err != nil {
			return nil, wrapErr("patient identities", err)
		}
		id.NationalID = fromNullString(nik)
		id.Branch = fromNullString(branch)
		out = append(out, id)
	}
	return out, wrapErr("patient identities", rows.Err())
}

// PatientBranch looks up the branch of any patient, ignoring tenant scope.
// It only tells a nonexistent id apart from a foreign one; found is false when
// no patient has that id.
func (r *PostgresRegistryRepository) PatientBranch(ctx context.Context, id int64) (branch string, found bool, err error) {
	var b sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT branch_tag FROM patients WHERE id = $1`, id).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("patient branch", err)
	}
	return fromNullString(b), true, nil
}

// PatientByNationalID finds the owner of a national id across all branches,
// so collisions are detected even when the owner is not visible.
func (r *PostgresRegistryRepository) PatientByNationalID(ctx context.Context, nik string) (*domain.PatientIdentity, error) {
	var (
		id     domain.PatientIdentity
		branch sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, full_name, nik, branch_tag FROM patients WHERE nik = $1`, nik).
		Scan(&id.ID, &id.FullName, &id.NationalID, &branch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("patient by national id", err)
	}
	id.Branch = fromNullString(branch)
	return &id, nil
}
