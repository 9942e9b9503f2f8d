package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingInvalidator struct {
	mu     sync.Mutex
	tables []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, tables ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, tables...)
	sort.Strings(r.tables)
	return nil
}

func setupMockRegistryDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresRegistryRepository, *recordingInvalidator) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	inv := &recordingInvalidator{}
	repo := NewPostgresRegistryRepository(db, NewScopedReader(db, scope.NewGuard()), inv, zap.NewNop())
	return db, mock, repo, inv
}

var jakarta = scope.Caller{User: "sari", Branch: "Jakarta"}

// ============================================
// Upsert 冲突规则
// ============================================

func TestUpsertDiagnosis_InsertThenUpdate(t *testing.T) {
	db, mock, repo, inv := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO hemo_diagnoses .* ON CONFLICT \(patient_id, hemo_type\) DO UPDATE`).
		WithArgs(int64(7), "A", "Berat", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(11), true))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO hemo_diagnoses`).
		WithArgs(int64(7), "A", "Ringan", nil, "RSCM").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(11), false))
	mock.ExpectCommit()

	var outcomes []Outcome
	for _, d := range []*domain.Diagnosis{
		{PatientID: 7, HemoType: "A", Severity: "Berat"},
		{PatientID: 7, HemoType: "A", Severity: "Ringan", Source: "RSCM"},
	} {
		err := repo.Write(ctx, func(w RegistryWriter) error {
			o, err := w.UpsertDiagnosis(ctx, d)
			outcomes = append(outcomes, o)
			return err
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []Outcome{Inserted, Updated}, outcomes)
	assert.Equal(t, []string{"hemo_diagnoses", "hemo_diagnoses"}, inv.tables)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVirusTest_ConflictIsNoOp(t *testing.T) {
	db, mock, repo, inv := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()
	on := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO virus_tests .* DO NOTHING`).
		WithArgs(int64(3), "HIV", "Negatif", on, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	var outcome Outcome
	err := repo.Write(ctx, func(w RegistryWriter) error {
		var err error
		outcome, err = w.UpsertVirusTest(ctx, &domain.VirusTest{PatientID: 3, TestType: "HIV", Result: "Negatif", TestedOn: &on})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)
	assert.Empty(t, inv.tables, "a no-op write must not invalidate")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVirusTest_MissingDateIsValidationError(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := repo.Write(ctx, func(w RegistryWriter) error {
		_, err := w.UpsertVirusTest(ctx, &domain.VirusTest{PatientID: 3, TestType: "HCV"})
		return err
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "tested_on", ve.Field)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDeathRecord_Overwrites(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()
	year := 2021

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO deaths .* ON CONFLICT \(patient_id\) DO UPDATE SET`).
		WithArgs(int64(9), "Perdarahan", 2021).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(2), false))
	mock.ExpectCommit()

	var outcome Outcome
	err := repo.Write(ctx, func(w RegistryWriter) error {
		var err error
		outcome, err = w.UpsertDeathRecord(ctx, &domain.DeathRecord{PatientID: 9, CauseOfDeath: "Perdarahan", YearOfDeath: &year})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePatient_DuplicateNationalIDIsValidationError(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO patients`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "patients_nik_key"})
	mock.ExpectRollback()

	err := repo.Write(ctx, func(w RegistryWriter) error {
		_, err := w.CreatePatient(ctx, &domain.Patient{FullName: "Budi", NationalID: "3171234567890123", Branch: "Jakarta"})
		return err
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "nik", ve.Field)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrite_ConnectivityLossIsFlagged(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO contacts`).
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectRollback()

	err := repo.Write(ctx, func(w RegistryWriter) error {
		_, err := w.InsertContact(ctx, &domain.Contact{PatientID: 1, Relation: "Ibu", Name: "Siti"})
		return err
	})
	require.Error(t, err)
	assert.True(t, domain.IsConnectivity(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTreatment_UnresolvedHospital(t *testing.T) {
	w := newWriter(nil)
	_, err := w.InsertTreatment(context.Background(), &domain.TreatmentEpisode{PatientID: 1, HospitalName: "RS Tidak Ada"})
	var re *domain.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "hospital", re.Kind)
}

func TestIsConnectivity(t *testing.T) {
	assert.True(t, isConnectivity(sql.ErrConnDone))
	assert.True(t, isConnectivity(&pq.Error{Code: "57P01"}))
	assert.False(t, isConnectivity(&pq.Error{Code: "23505"}))
	assert.False(t, isConnectivity(errors.New("boom")))
}

// ============================================
// 导入会话
// ============================================

func TestRunSession_SavepointPerRow(t *testing.T) {
	db, mock, repo, inv := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`^SAVEPOINT import_row$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO inhibitors`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`^RELEASE SAVEPOINT import_row$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^SAVEPOINT import_row$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO contacts`).
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key"})
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT import_row$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	s, err := repo.BeginImport(ctx, TxPerRun)
	require.NoError(t, err)

	err = s.Row(ctx, func(w RegistryWriter) error {
		_, err := w.InsertInhibitor(ctx, &domain.InhibitorMeasurement{PatientID: 4, Factor: "FVIII"})
		return err
	})
	require.NoError(t, err)

	err = s.Row(ctx, func(w RegistryWriter) error {
		_, err := w.InsertContact(ctx, &domain.Contact{PatientID: 404, Relation: "Ayah", Name: "Joko"})
		return err
	})
	require.Error(t, err)
	assert.False(t, domain.IsConnectivity(err))
	assert.Empty(t, inv.tables, "nothing is invalidated before commit")

	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Rollback(), "rollback after commit is a no-op")
	assert.Equal(t, []string{"inhibitors"}, inv.tables)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginImport_UnknownMode(t *testing.T) {
	db, _, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	_, err := repo.BeginImport(context.Background(), TxMode("batch"))
	assert.Error(t, err)
}

// ============================================
// 作用域读取
// ============================================

func TestPatientIdentities_ScopedToBranch(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT p.id, p.full_name, p.nik, p.branch_tag FROM patients p WHERE p.branch_tag = $1 ORDER BY p.full_name, p.id")).
		WithArgs("Jakarta").
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "nik", "branch_tag"}).
			AddRow(int64(1), "Andi", nil, "Jakarta").
			AddRow(int64(2), "Budi", "3171234567890123", "Jakarta"))

	ids, err := repo.PatientIdentities(context.Background(), jakarta)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "", ids[0].NationalID)
	assert.Equal(t, "3171234567890123", ids[1].NationalID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatientIdentities_NoCallerFailsClosed(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()

	_, err := repo.PatientIdentities(context.Background(), scope.Caller{User: "anon"})
	require.ErrorIs(t, err, domain.ErrNoCaller)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPatient_OutsideBranchIsNotFound(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM patients p WHERE p.id = \$1 AND p.branch_tag = \$2`).
		WithArgs(int64(5), "Jakarta").
		WillReturnRows(sqlmock.NewRows(patientFields))

	p, err := repo.GetPatient(context.Background(), jakarta, 5)
	assert.Nil(t, p)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatientBranch_DistinguishesMissingFromForeign(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT branch_tag FROM patients WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"branch_tag"}).AddRow("Medan"))
	mock.ExpectQuery(`SELECT branch_tag FROM patients WHERE id = \$1`).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"branch_tag"}))

	branch, found, err := repo.PatientBranch(ctx, 5)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Medan", branch)

	_, found, err = repo.PatientBranch(ctx, 6)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportRows_DerivesAge(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	repo.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	born := time.Date(2010, 6, 15, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM patients x WHERE x.branch_tag = \$1 ORDER BY x.id`).
		WithArgs("Jakarta").
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "birth_date"}).
			AddRow(int64(1), "Andi", born).
			AddRow(int64(2), "Budi", nil))

	rows, err := repo.ExportRows(context.Background(), jakarta, catalog.Patient)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 13, rows[0]["age_years"])
	assert.Nil(t, rows[1]["age_years"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportQuery_TreatmentJoinsHospital(t *testing.T) {
	sql, _, err := exportQuery(catalog.Lookup(catalog.Treatment)).Compile()
	require.NoError(t, err)
	assert.Contains(t, sql, "p.full_name AS full_name")
	assert.Contains(t, sql, "h.name AS hospital_name")
	assert.Contains(t, sql, "JOIN hospitals h ON (h.id = x.hospital_id)")
	assert.NotContains(t, sql, "age_years")
}

func TestExportRows_UnknownSheet(t *testing.T) {
	db, _, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	_, err := repo.ExportRows(context.Background(), jakarta, catalog.Hospital)
	assert.Error(t, err)
}
