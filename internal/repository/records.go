package repository

import (
	"context"
	"database/sql"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/query"
	"pwh-registry/internal/scope"
)

func byPatient(e catalog.Entity, alias string, patientID int64, fields ...string) *query.Query {
	return query.From(e, alias).
		Fields(alias, fields...).
		Filter(query.Eq(query.C(alias, catalog.OwnerColumn), patientID)).
		Sort(query.C(alias, "id"), false)
}

// GetPatientDetail loads a visible patient with every dependent record.
func (r *PostgresRegistryRepository) GetPatientDetail(ctx context.Context, caller scope.Caller, id int64) (*domain.PatientDetail, error) {
	p, err := r.GetPatient(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	d := &domain.PatientDetail{Patient: p}
	if d.Diagnoses, err = r.diagnoses(ctx, caller, id); err != nil {
		return nil, err
	}
	if d.Contacts, err = r.contacts(ctx, caller, id); err != nil {
		return nil, err
	}
	if d.Inhibitors, err = r.inhibitors(ctx, caller, id); err != nil {
		return nil, err
	}
	if d.VirusTests, err = r.virusTests(ctx, caller, id); err != nil {
		return nil, err
	}
	if d.Treatments, err = r.treatments(ctx, caller, id); err != nil {
		return nil, err
	}
	if d.Death, err = r.death(ctx, caller, id); err != nil {
		return nil, err
	}
	return d, nil
}

// each runs a scoped query and hands every row to scan.
func (r *PostgresRegistryRepository) each(ctx context.Context, op string, q *query.Query, caller scope.Caller, scan func(*sql.Rows) error) error {
	rows, err := r.reader.Rows(ctx, q, caller)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return wrapErr(op, err)
		}
	}
	return wrapErr(op, rows.Err())
}

func (r *PostgresRegistryRepository) diagnoses(ctx context.Context, caller scope.Caller, id int64) ([]domain.Diagnosis, error) {
	var out []domain.Diagnosis
	q := byPatient(catalog.Diagnosis, "d", id, "id", "patient_id", "hemo_type", "severity", "diagnosed_on", "source")
	err := r.each(ctx, "list diagnoses", q, caller, func(rows *sql.Rows) error {
		var (
			d      domain.Diagnosis
			on     sql.NullTime
			source sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.PatientID, &d.HemoType, &d.Severity, &on, &source); err != nil {
			return err
		}
		d.DiagnosedOn = fromNullTime(on)
		d.Source = fromNullString(source)
		out = append(out, d)
		return nil
	})
	return out, err
}

func (r *PostgresRegistryRepository) contacts(ctx context.Context, caller scope.Caller, id int64) ([]domain.Contact, error) {
	var out []domain.Contact
	q := byPatient(catalog.Contact, "c", id, "id", "patient_id", "relation", "name", "phone", "is_primary")
	err := r.each(ctx, "list contacts", q, caller, func(rows *sql.Rows) error {
		var (
			c     domain.Contact
			phone sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.PatientID, &c.Relation, &c.Name, &phone, &c.IsPrimary); err != nil {
			return err
		}
		c.Phone = fromNullString(phone)
		out = append(out, c)
		return nil
	})
	return out, err
}

func (r *PostgresRegistryRepository) inhibitors(ctx context.Context, caller scope.Caller, id int64) ([]domain.InhibitorMeasurement, error) {
	var out []domain.InhibitorMeasurement
	q := byPatient(catalog.Inhibitor, "i", id, "id", "patient_id", "factor", "titer_bu", "measured_on", "lab")
	err := r.each(ctx, "list inhibitors", q, caller, func(rows *sql.Rows) error {
		var (
			m     domain.InhibitorMeasurement
			titer sql.NullFloat64
			on    sql.NullTime
			lab   sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.PatientID, &m.Factor, &titer, &on, &lab); err != nil {
			return err
		}
		if titer.Valid {
			v := titer.Float64
			m.TiterBU = &v
		}
		m.MeasuredOn = fromNullTime(on)
		m.Lab = fromNullString(lab)
		out = append(out, m)
		return nil
	})
	return out, err
}

func (r *PostgresRegistryRepository) virusTests(ctx context.Context, caller scope.Caller, id int64) ([]domain.VirusTest, error) {
	var out []domain.VirusTest
	q := byPatient(catalog.VirusTest, "v", id, "id", "patient_id", "test_type", "result", "tested_on", "lab")
	err := r.each(ctx, "list virus tests", q, caller, func(rows *sql.Rows) error {
		var (
			v           domain.VirusTest
			result, lab sql.NullString
			on          sql.NullTime
		)
		if err := rows.Scan(&v.ID, &v.PatientID, &v.TestType, &result, &on, &lab); err != nil {
			return err
		}
		v.Result = fromNullString(result)
		v.TestedOn = fromNullTime(on)
		v.Lab = fromNullString(lab)
		out = append(out, v)
		return nil
	})
	return out, err
}

func (r *PostgresRegistryRepository) treatments(ctx context.Context, caller scope.Caller, id int64) ([]domain.TreatmentEpisode, error) {
	var out []domain.TreatmentEpisode
	q := byPatient(catalog.Treatment, "t", id, "id", "patient_id", "hospital_id").
		Select(query.Selection{Expr: query.C("h", "name"), As: "hospital_name"}).
		Fields("t", "date_of_visit", "doctor_in_charge", "treatment_type", "care_services", "frequency", "dose", "product", "merk").
		JoinOn(catalog.Hospital, "h", query.ColEq{Left: query.C("h", "id"), Right: query.C("t", "hospital_id")})
	err := r.each(ctx, "list treatments", q, caller, func(rows *sql.Rows) error {
		var (
			t                   domain.TreatmentEpisode
			visit               sql.NullTime
			doctor, ttype, care sql.NullString
			freq, dose          sql.NullString
			prod, merk          sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.PatientID, &t.HospitalID, &t.HospitalName, &visit,
			&doctor, &ttype, &care, &freq, &dose, &prod, &merk); err != nil {
			return err
		}
		t.VisitDate = fromNullTime(visit)
		t.DoctorInCharge = fromNullString(doctor)
		t.TreatmentType = fromNullString(ttype)
		t.CareServices = fromNullString(care)
		t.Frequency = fromNullString(freq)
		t.Dose = fromNullString(dose)
		t.Product = fromNullString(prod)
		t.Brand = fromNullString(merk)
		out = append(out, t)
		return nil
	})
	return out, err
}

func (r *PostgresRegistryRepository) death(ctx context.Context, caller scope.Caller, id int64) (*domain.DeathRecord, error) {
	var out *domain.DeathRecord
	q := byPatient(catalog.Death, "m", id, "id", "patient_id", "cause_of_death", "year_of_death")
	err := r.each(ctx, "get death record", q, caller, func(rows *sql.Rows) error {
		var (
			d     domain.DeathRecord
			cause sql.NullString
			year  sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.PatientID, &cause, &year); err != nil {
			return err
		}
		d.CauseOfDeath = fromNullString(cause)
		if year.Valid {
			y := int(year.Int64)
			d.YearOfDeath = &y
		}
		out = &d
		return nil
	})
	return out, err
}
