package repository

import (
	"context"
	"testing"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================
// 分组统计
// ============================================

func TestGroupCount_ScopedTreatmentsByHospital(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT h.name AS label, COUNT\(\*\) AS total FROM treatment_hospitals x LEFT JOIN hospitals h ON \(h.id = x.hospital_id\) WHERE .*x_scope.branch_tag = \$1.* GROUP BY h.name ORDER BY total DESC`).
		WithArgs("Jakarta").
		WillReturnRows(sqlmock.NewRows([]string{"label", "total"}).
			AddRow("RSCM", int64(3)).
			AddRow(nil, int64(1)))

	got, err := repo.GroupCount(context.Background(), jakarta, catalog.Treatment, "hospital_name")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"RSCM": 3, "": 1}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupCount_UnknownColumn(t *testing.T) {
	db, _, repo, _ := setupMockRegistryDB(t)
	defer db.Close()
	_, err := repo.GroupCount(context.Background(), jakarta, catalog.Patient, "shoe_size")
	assert.Error(t, err)
}

func TestMemoryGroupCount_RespectsScope(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRegistryRepository(nil)
	require.NoError(t, repo.Write(ctx, func(w RegistryWriter) error {
		for _, p := range []domain.Patient{
			{FullName: "Andi", Gender: "Laki-laki", Branch: "Jakarta"},
			{FullName: "Citra", Gender: "Perempuan", Branch: "Jakarta"},
			{FullName: "Dodi", Branch: "Jakarta"},
			{FullName: "Eka", Gender: "Laki-laki", Branch: "Bandung"},
		} {
			if _, err := w.CreatePatient(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := repo.GroupCount(ctx, jakarta, catalog.Patient, "gender")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Laki-laki": 1, "Perempuan": 1, "": 1}, got)
}

func TestDiagnosisAges_ScopedJoin(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()

	born := time.Date(2001, 5, 4, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT p.birth_date, d.hemo_type, d.severity FROM hemo_diagnoses d JOIN patients p ON \(p.id = d.patient_id\) WHERE .*p.branch_tag = \$2`).
		WithArgs("Jakarta", "Jakarta").
		WillReturnRows(sqlmock.NewRows([]string{"birth_date", "hemo_type", "severity"}).
			AddRow(born, "A", "Berat").
			AddRow(nil, "B", nil))

	got, err := repo.DiagnosisAges(context.Background(), jakarta)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, born, *got[0].BirthDate)
	assert.Equal(t, "Berat", got[0].Severity)
	assert.Nil(t, got[1].BirthDate)
	assert.Equal(t, "B", got[1].HemoType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBranches_DistinctVisibleBranches(t *testing.T) {
	db, mock, repo, _ := setupMockRegistryDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT p.branch_tag AS branch FROM patients p WHERE p.branch_tag IS NOT NULL AND p.branch_tag = \$1 GROUP BY p.branch_tag ORDER BY p.branch_tag`).
		WithArgs("Jakarta").
		WillReturnRows(sqlmock.NewRows([]string{"branch"}).AddRow("Jakarta"))

	got, err := repo.Branches(context.Background(), jakarta)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jakarta"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryBranches(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRegistryRepository(nil)
	require.NoError(t, repo.Write(ctx, func(w RegistryWriter) error {
		for _, p := range []domain.Patient{
			{FullName: "Andi", Branch: "Jakarta"},
			{FullName: "Budi", Branch: "Jakarta"},
			{FullName: "Eka", Branch: "Bandung"},
		} {
			if _, err := w.CreatePatient(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := repo.Branches(ctx, scope.Caller{User: "admin", Branch: scope.SuperUserBranch})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bandung", "Jakarta"}, all)

	own, err := repo.Branches(ctx, jakarta)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jakarta"}, own)
}
