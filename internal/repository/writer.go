package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
)

// pgWriter executes upserts against a DB or transaction and remembers which
// tables it touched so cached projections can be dropped after commit.
type pgWriter struct {
	db      DBTX
	touched map[string]struct{}
}

func newWriter(db DBTX) *pgWriter {
	return &pgWriter{db: db, touched: make(map[string]struct{})}
}

func (w *pgWriter) touch(e catalog.Entity) {
	w.touched[catalog.Table(e)] = struct{}{}
}

func (w *pgWriter) tables() []string {
	out := make([]string, 0, len(w.touched))
	for t := range w.touched {
		out = append(out, t)
	}
	return out
}

func (w *pgWriter) reset() {
	w.touched = make(map[string]struct{})
}

const patientColumns = `full_name, birth_place, birth_date, nik, blood_group, rhesus, gender,
	occupation, education, address, village, district, phone, province, city,
	branch_tag, coverage_city, note`

func patientArgs(p *domain.Patient) []any {
	return []any{
		strings.TrimSpace(p.FullName),
		nullString(p.BirthPlace),
		nullTime(p.BirthDate),
		nullString(p.NationalID),
		nullString(p.BloodGroup),
		nullString(p.Rhesus),
		nullString(p.Gender),
		nullString(p.Occupation),
		nullString(p.Education),
		nullString(p.Address),
		nullString(p.Village),
		nullString(p.District),
		nullString(p.Phone),
		nullString(p.Province),
		nullString(p.City),
		nullString(p.Branch),
		nullString(p.CoverageCity),
		nullString(p.Note),
	}
}

func validatePatient(p *domain.Patient) error {
	if strings.TrimSpace(p.FullName) == "" {
		return &domain.ValidationError{Field: "full_name", Reason: "required"}
	}
	return domain.ValidateNationalID(p.NationalID)
}

func (w *pgWriter) CreatePatient(ctx context.Context, p *domain.Patient) (int64, error) {
	if err := validatePatient(p); err != nil {
		return 0, err
	}
	q := `INSERT INTO patients (` + patientColumns + `, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		RETURNING id`
	var id int64
	if err := w.db.QueryRowContext(ctx, q, patientArgs(p)...).Scan(&id); err != nil {
		return 0, wrapErr("create patient", err)
	}
	p.ID = id
	w.touch(catalog.Patient)
	return id, nil
}

func (w *pgWriter) UpdatePatient(ctx context.Context, p *domain.Patient) error {
	if err := validatePatient(p); err != nil {
		return err
	}
	q := `UPDATE patients SET
		full_name = $2, birth_place = $3, birth_date = $4, nik = $5, blood_group = $6,
		rhesus = $7, gender = $8, occupation = $9, education = $10, address = $11,
		village = $12, district = $13, phone = $14, province = $15, city = $16,
		branch_tag = $17, coverage_city = $18, note = $19
		WHERE id = $1`
	return w.execPatientUpdate(ctx, "update patient", q, p)
}

func (w *pgWriter) MergePatient(ctx context.Context, p *domain.Patient) error {
	if err := validatePatient(p); err != nil {
		return err
	}
	q := `UPDATE patients SET
		full_name = $2,
		birth_place = COALESCE($3, birth_place),
		birth_date = COALESCE($4, birth_date),
		nik = COALESCE($5, nik),
		blood_group = COALESCE($6, blood_group),
		rhesus = COALESCE($7, rhesus),
		gender = COALESCE($8, gender),
		occupation = COALESCE($9, occupation),
		education = COALESCE($10, education),
		address = COALESCE($11, address),
		village = COALESCE($12, village),
		district = COALESCE($13, district),
		phone = COALESCE($14, phone),
		province = COALESCE($15, province),
		city = COALESCE($16, city),
		branch_tag = COALESCE($17, branch_tag),
		coverage_city = COALESCE($18, coverage_city),
		note = COALESCE($19, note)
		WHERE id = $1`
	return w.execPatientUpdate(ctx, "merge patient", q, p)
}

func (w *pgWriter) execPatientUpdate(ctx context.Context, op, q string, p *domain.Patient) error {
	args := append([]any{p.ID}, patientArgs(p)...)
	res, err := w.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	w.touch(catalog.Patient)
	return nil
}

func requireOwner(id int64) error {
	if id <= 0 {
		return &domain.ValidationError{Field: catalog.OwnerColumn, Reason: "required"}
	}
	return nil
}

func requireText(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &domain.ValidationError{Field: field, Reason: "required"}
	}
	return nil
}

// UpsertDiagnosis: conflict on (patient_id, hemo_type) updates severity
// always, date and source only when the incoming value is known.
func (w *pgWriter) UpsertDiagnosis(ctx context.Context, d *domain.Diagnosis) (Outcome, error) {
	if err := requireOwner(d.PatientID); err != nil {
		return 0, err
	}
	if err := requireText("hemo_type", d.HemoType); err != nil {
		return 0, err
	}
	if err := requireText("severity", d.Severity); err != nil {
		return 0, err
	}
	q := `INSERT INTO hemo_diagnoses (patient_id, hemo_type, severity, diagnosed_on, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id, hemo_type) DO UPDATE SET
			severity = EXCLUDED.severity,
			diagnosed_on = COALESCE(EXCLUDED.diagnosed_on, hemo_diagnoses.diagnosed_on),
			source = COALESCE(EXCLUDED.source, hemo_diagnoses.source)
		RETURNING id, (xmax = 0) AS inserted`
	var inserted bool
	err := w.db.QueryRowContext(ctx, q, d.PatientID, d.HemoType, d.Severity, nullTime(d.DiagnosedOn), nullString(d.Source)).
		Scan(&d.ID, &inserted)
	if err != nil {
		return 0, wrapErr("upsert diagnosis", err)
	}
	w.touch(catalog.Diagnosis)
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

// UpsertVirusTest: conflict on (patient_id, test_type, tested_on) is a no-op.
func (w *pgWriter) UpsertVirusTest(ctx context.Context, v *domain.VirusTest) (Outcome, error) {
	if err := requireOwner(v.PatientID); err != nil {
		return 0, err
	}
	if err := requireText("test_type", v.TestType); err != nil {
		return 0, err
	}
	if v.TestedOn == nil {
		return 0, &domain.ValidationError{Field: "tested_on", Reason: "required"}
	}
	q := `INSERT INTO virus_tests (patient_id, test_type, result, tested_on, lab)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id, test_type, tested_on) DO NOTHING
		RETURNING id`
	err := w.db.QueryRowContext(ctx, q, v.PatientID, v.TestType, nullString(v.Result), *v.TestedOn, nullString(v.Lab)).
		Scan(&v.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Unchanged, nil
	}
	if err != nil {
		return 0, wrapErr("upsert virus test", err)
	}
	w.touch(catalog.VirusTest)
	return Inserted, nil
}

// UpsertDeathRecord: one record per patient, overwritten on conflict.
func (w *pgWriter) UpsertDeathRecord(ctx context.Context, d *domain.DeathRecord) (Outcome, error) {
	if err := requireOwner(d.PatientID); err != nil {
		return 0, err
	}
	if d.YearOfDeath == nil {
		return 0, &domain.ValidationError{Field: "year_of_death", Reason: "required"}
	}
	q := `INSERT INTO deaths (patient_id, cause_of_death, year_of_death)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id) DO UPDATE SET
			cause_of_death = EXCLUDED.cause_of_death,
			year_of_death = EXCLUDED.year_of_death
		RETURNING id, (xmax = 0) AS inserted`
	var inserted bool
	err := w.db.QueryRowContext(ctx, q, d.PatientID, nullString(d.CauseOfDeath), *d.YearOfDeath).
		Scan(&d.ID, &inserted)
	if err != nil {
		return 0, wrapErr("upsert death record", err)
	}
	w.touch(catalog.Death)
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (w *pgWriter) InsertInhibitor(ctx context.Context, m *domain.InhibitorMeasurement) (int64, error) {
	if err := requireOwner(m.PatientID); err != nil {
		return 0, err
	}
	if err := requireText("factor", m.Factor); err != nil {
		return 0, err
	}
	q := `INSERT INTO inhibitors (patient_id, factor, titer_bu, measured_on, lab)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err := w.db.QueryRowContext(ctx, q, m.PatientID, m.Factor, nullFloat(m.TiterBU), nullTime(m.MeasuredOn), nullString(m.Lab)).
		Scan(&m.ID); err != nil {
		return 0, wrapErr("insert inhibitor", err)
	}
	w.touch(catalog.Inhibitor)
	return m.ID, nil
}

func (w *pgWriter) InsertTreatment(ctx context.Context, t *domain.TreatmentEpisode) (int64, error) {
	if err := requireOwner(t.PatientID); err != nil {
		return 0, err
	}
	if t.HospitalID <= 0 {
		return 0, &domain.ResolutionError{Kind: "hospital", Ref: t.HospitalName}
	}
	q := `INSERT INTO treatment_hospitals (patient_id, hospital_id, date_of_visit, doctor_in_charge,
			treatment_type, care_services, frequency, dose, product, merk)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	err := w.db.QueryRowContext(ctx, q,
		t.PatientID, t.HospitalID, nullTime(t.VisitDate), nullString(t.DoctorInCharge),
		nullString(t.TreatmentType), nullString(t.CareServices), nullString(t.Frequency),
		nullString(t.Dose), nullString(t.Product), nullString(t.Brand),
	).Scan(&t.ID)
	if err != nil {
		return 0, wrapErr("insert treatment", err)
	}
	w.touch(catalog.Treatment)
	return t.ID, nil
}

func (w *pgWriter) InsertContact(ctx context.Context, c *domain.Contact) (int64, error) {
	if err := requireOwner(c.PatientID); err != nil {
		return 0, err
	}
	if err := requireText("relation", c.Relation); err != nil {
		return 0, err
	}
	if err := requireText("name", c.Name); err != nil {
		return 0, err
	}
	q := `INSERT INTO contacts (patient_id, relation, name, phone, is_primary)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err := w.db.QueryRowContext(ctx, q, c.PatientID, c.Relation, c.Name, nullString(c.Phone), c.IsPrimary).
		Scan(&c.ID); err != nil {
		return 0, wrapErr("insert contact", err)
	}
	w.touch(catalog.Contact)
	return c.ID, nil
}
