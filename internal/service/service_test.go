package service

import (
	"context"
	"testing"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/directory"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/importer"
	"pwh-registry/internal/repository"
	"pwh-registry/internal/scope"
	"pwh-registry/internal/store"
	"pwh-registry/internal/workbook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	jakarta = scope.Caller{User: "sari", Branch: "Jakarta"}
	bandung = scope.Caller{User: "dedi", Branch: "Bandung"}
	admin   = scope.Caller{User: "admin", Branch: scope.SuperUserBranch}
)

func newPatients(t *testing.T) (*PatientService, *repository.MemoryRegistryRepository) {
	t.Helper()
	repo := repository.NewMemoryRegistryRepository(nil)
	return NewPatientService(repo, zap.NewNop()), repo
}

func mustCreate(t *testing.T, s *PatientService, caller scope.Caller, p domain.Patient) int64 {
	t.Helper()
	id, err := s.CreatePatient(context.Background(), caller, p)
	require.NoError(t, err)
	return id
}

// ============================================
// 患者创建/更新
// ============================================

func TestCreatePatient_DefaultsToCallerBranch(t *testing.T) {
	s, repo := newPatients(t)
	id := mustCreate(t, s, jakarta, domain.Patient{FullName: "  Andi  "})

	got := repo.Patients()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "Andi", got[0].FullName)
	assert.Equal(t, "Jakarta", got[0].Branch)
}

func TestCreatePatient_ForeignBranchIsAccessScopeError(t *testing.T) {
	s, repo := newPatients(t)
	_, err := s.CreatePatient(context.Background(), jakarta, domain.Patient{FullName: "Andi", Branch: "Bandung"})
	var se *domain.AccessScopeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Bandung", se.Branch)
	assert.Empty(t, repo.Patients())

	mustCreate(t, s, admin, domain.Patient{FullName: "Andi", Branch: "Bandung"})
}

func TestCreatePatient_Validation(t *testing.T) {
	s, _ := newPatients(t)
	ctx := context.Background()

	_, err := s.CreatePatient(ctx, jakarta, domain.Patient{FullName: "   "})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "full_name", ve.Field)

	_, err = s.CreatePatient(ctx, jakarta, domain.Patient{FullName: "Andi", NationalID: "123"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "nik", ve.Field)

	_, err = s.CreatePatient(ctx, scope.Caller{}, domain.Patient{FullName: "Andi"})
	assert.ErrorIs(t, err, domain.ErrNoCaller)
}

func TestCreatePatient_NationalIDCollisionIsGlobal(t *testing.T) {
	s, _ := newPatients(t)
	mustCreate(t, s, bandung, domain.Patient{FullName: "Eka", NationalID: "3273012345678901"})

	_, err := s.CreatePatient(context.Background(), jakarta, domain.Patient{FullName: "Andi", NationalID: "3273012345678901"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "nik", ve.Field)
}

func TestCreatePatient_NameCollisionOnlyAgainstVisible(t *testing.T) {
	s, _ := newPatients(t)
	ctx := context.Background()
	mustCreate(t, s, bandung, domain.Patient{FullName: "Eka Putri"})
	mustCreate(t, s, jakarta, domain.Patient{FullName: "Eka Putri"})

	_, err := s.CreatePatient(ctx, jakarta, domain.Patient{FullName: "eka  PUTRI"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "full_name", ve.Field)
}

func TestUpdatePatient(t *testing.T) {
	s, repo := newPatients(t)
	ctx := context.Background()
	andi := mustCreate(t, s, jakarta, domain.Patient{FullName: "Andi"})
	eka := mustCreate(t, s, bandung, domain.Patient{FullName: "Eka"})

	require.NoError(t, s.UpdatePatient(ctx, jakarta, andi, domain.Patient{FullName: "Andi", City: "Jakarta Pusat"}))
	p, err := repo.GetPatient(ctx, jakarta, andi)
	require.NoError(t, err)
	assert.Equal(t, "Jakarta Pusat", p.City)
	assert.Equal(t, "Jakarta", p.Branch)

	err = s.UpdatePatient(ctx, jakarta, eka, domain.Patient{FullName: "Eka"})
	var se *domain.AccessScopeError
	require.ErrorAs(t, err, &se)

	err = s.UpdatePatient(ctx, jakarta, 999, domain.Patient{FullName: "Nobody"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListPatients_DerivesAge(t *testing.T) {
	s, _ := newPatients(t)
	s.now = func() time.Time { return time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC) }
	born := time.Date(2010, 6, 15, 0, 0, 0, 0, time.UTC)
	mustCreate(t, s, jakarta, domain.Patient{FullName: "Andi", BirthDate: &born})
	mustCreate(t, s, jakarta, domain.Patient{FullName: "Budi"})
	mustCreate(t, s, bandung, domain.Patient{FullName: "Eka"})

	resp, err := s.ListPatients(context.Background(), jakarta, ListPatientsRequest{Branch: "Bandung"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Page)
	require.Len(t, resp.Items, 2)
	require.NotNil(t, resp.Items[0].AgeYears)
	assert.Equal(t, 13, *resp.Items[0].AgeYears)
	assert.Equal(t, "2010-06-15", resp.Items[0].BirthDate)
	assert.Nil(t, resp.Items[1].AgeYears)

	all, err := s.ListPatients(context.Background(), admin, ListPatientsRequest{Branch: "Bandung"})
	require.NoError(t, err)
	require.Len(t, all.Items, 1)
	assert.Equal(t, "Eka", all.Items[0].FullName)
}

// ============================================
// 从属记录
// ============================================

func newRecords(t *testing.T) (*RecordService, *PatientService, *repository.MemoryRegistryRepository) {
	t.Helper()
	repo := repository.NewMemoryRegistryRepository(nil)
	return NewRecordService(repo, zap.NewNop()), NewPatientService(repo, zap.NewNop()), repo
}

func TestUpsertDiagnosis_KeepsKnownDate(t *testing.T) {
	rs, ps, repo := newRecords(t)
	ctx := context.Background()
	id := mustCreate(t, ps, jakarta, domain.Patient{FullName: "Andi"})

	res, err := rs.UpsertDiagnosis(ctx, jakarta, id, DiagnosisPayload{HemoType: "A", Severity: "Ringan", DiagnosedOn: "2019-03-01"})
	require.NoError(t, err)
	assert.Equal(t, "inserted", res.Outcome)

	res, err = rs.UpsertDiagnosis(ctx, jakarta, id, DiagnosisPayload{HemoType: "A", Severity: "Berat"})
	require.NoError(t, err)
	assert.Equal(t, "updated", res.Outcome)

	got := repo.Diagnoses()
	require.Len(t, got, 1)
	assert.Equal(t, "Berat", got[0].Severity)
	require.NotNil(t, got[0].DiagnosedOn)
	assert.Equal(t, "2019-03-01", got[0].DiagnosedOn.Format(DateLayout))

	_, err = rs.UpsertDiagnosis(ctx, jakarta, id, DiagnosisPayload{HemoType: "A", Severity: "Berat", DiagnosedOn: "01/03/2019"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "diagnosed_on", ve.Field)
}

func TestRecordWrites_ForeignPatientIsFatal(t *testing.T) {
	rs, ps, repo := newRecords(t)
	ctx := context.Background()
	eka := mustCreate(t, ps, bandung, domain.Patient{FullName: "Eka"})

	var se *domain.AccessScopeError
	_, err := rs.UpsertDiagnosis(ctx, jakarta, eka, DiagnosisPayload{HemoType: "A", Severity: "Berat"})
	require.ErrorAs(t, err, &se)
	_, err = rs.AddContact(ctx, jakarta, eka, ContactPayload{Relation: "Ibu", Name: "Siti"})
	require.ErrorAs(t, err, &se)
	assert.Empty(t, repo.Diagnoses())
	assert.Empty(t, repo.Contacts())

	_, err = rs.AddInhibitor(ctx, jakarta, 404, InhibitorPayload{Factor: "FVIII"})
	var re *domain.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "patient", re.Kind)
}

func TestVirusTestAndDeath(t *testing.T) {
	rs, ps, repo := newRecords(t)
	ctx := context.Background()
	id := mustCreate(t, ps, jakarta, domain.Patient{FullName: "Andi"})

	_, err := rs.UpsertVirusTest(ctx, jakarta, id, VirusTestPayload{TestType: "HIV", Result: "negative", TestedOn: "2020-01-01"})
	require.NoError(t, err)
	res, err := rs.UpsertVirusTest(ctx, jakarta, id, VirusTestPayload{TestType: "HIV", Result: "positive", TestedOn: "2020-01-01"})
	require.NoError(t, err)
	assert.Equal(t, "unchanged", res.Outcome)
	require.Len(t, repo.VirusTests(), 1)
	assert.Equal(t, "negative", repo.VirusTests()[0].Result)

	y1, y2 := 2021, 2022
	_, err = rs.UpsertDeathRecord(ctx, jakarta, id, DeathPayload{CauseOfDeath: "Perdarahan", YearOfDeath: &y1})
	require.NoError(t, err)
	_, err = rs.UpsertDeathRecord(ctx, jakarta, id, DeathPayload{YearOfDeath: &y2})
	require.NoError(t, err)
	require.Len(t, repo.Deaths(), 1)
	assert.Equal(t, 2022, *repo.Deaths()[0].YearOfDeath)
}

func TestAddTreatment_ResolvesHospitalByExactName(t *testing.T) {
	rs, ps, repo := newRecords(t)
	ctx := context.Background()
	repo.AddHospital(domain.Hospital{Name: "RSCM", City: "Jakarta"})
	id := mustCreate(t, ps, jakarta, domain.Patient{FullName: "Andi"})

	_, err := rs.AddTreatment(ctx, jakarta, id, TreatmentPayload{HospitalName: "rscm"})
	var re *domain.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "hospital", re.Kind)
	assert.Empty(t, repo.Treatments())

	res, err := rs.AddTreatment(ctx, jakarta, id, TreatmentPayload{HospitalName: "RSCM", VisitDate: "2023-02-10", Product: "Koate"})
	require.NoError(t, err)
	assert.NotZero(t, res.ID)

	detail, err := ps.GetPatientDetail(ctx, jakarta, id)
	require.NoError(t, err)
	require.Len(t, detail.Treatments, 1)
	assert.Equal(t, "RSCM", detail.Treatments[0].HospitalName)
	assert.Equal(t, "2023-02-10", detail.Treatments[0].VisitDate)
	assert.Nil(t, detail.Death)
}

// ============================================
// 工作簿
// ============================================

func newWorkbookService(repo *repository.MemoryRegistryRepository) *WorkbookService {
	cache := store.NewTableCache(store.NewMemoryKV(), time.Minute, zap.NewNop())
	engine := importer.NewEngine(repo, zap.NewNop())
	return NewWorkbookService(repo, directory.New(repo, cache), engine, nil, zap.NewNop())
}

func TestWorkbook_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := repository.NewMemoryRegistryRepository(nil)
	ps := NewPatientService(src, zap.NewNop())
	rs := NewRecordService(src, zap.NewNop())
	andi := mustCreate(t, ps, jakarta, domain.Patient{FullName: "Andi", NationalID: "3171234567890123"})
	mustCreate(t, ps, jakarta, domain.Patient{FullName: "Budi"})
	mustCreate(t, ps, bandung, domain.Patient{FullName: "Eka"})
	_, err := rs.UpsertDiagnosis(ctx, jakarta, andi, DiagnosisPayload{HemoType: "A", Severity: "Berat"})
	require.NoError(t, err)

	data, err := newWorkbookService(src).Export(ctx, jakarta)
	require.NoError(t, err)

	dst := repository.NewMemoryRegistryRepository(nil)
	svc := newWorkbookService(dst)
	for i := 0; i < 2; i++ {
		report, err := svc.Import(ctx, jakarta, data)
		require.NoError(t, err)
		assert.False(t, report.Failed(), report.Summary())
		assert.Len(t, dst.Patients(), 2)
		assert.Len(t, dst.Diagnoses(), 1)
	}
}

func TestWorkbook_TemplateAndErrors(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRegistryRepository(nil)
	repo.SetLookup(catalog.Severities, "Ringan", "Sedang", "Berat")
	svc := newWorkbookService(repo)

	data, err := svc.Template(ctx, jakarta)
	require.NoError(t, err)
	wb, err := workbook.Read(data)
	require.NoError(t, err)
	assert.NotNil(t, wb.Sheet(catalog.Patient))

	_, err = svc.Template(ctx, scope.Caller{})
	assert.ErrorIs(t, err, domain.ErrNoCaller)

	_, err = svc.Import(ctx, jakarta, nil)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = svc.ImportProgress(ctx, jakarta, "run-1")
	assert.Error(t, err)
}

type fakeProgress struct {
	events map[string][]importer.Progress
}

func (f fakeProgress) Progress(_ context.Context, runID string) ([]importer.Progress, error) {
	return f.events[runID], nil
}

func TestWorkbook_ImportProgressScopedToBranch(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRegistryRepository(nil)
	progress := fakeProgress{events: map[string][]importer.Progress{
		"run-bdg": {
			{RunID: "run-bdg", Branch: "Bandung", Phase: importer.PhaseStart},
			{RunID: "run-bdg", Branch: "Bandung", Phase: importer.PhaseDone, Summary: "Import finished."},
		},
	}}
	svc := NewWorkbookService(repo, directory.New(repo, nil), importer.NewEngine(repo, zap.NewNop()), progress, zap.NewNop())

	events, err := svc.ImportProgress(ctx, bandung, "run-bdg")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = svc.ImportProgress(ctx, admin, "run-bdg")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = svc.ImportProgress(ctx, jakarta, "run-bdg")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.ImportProgress(ctx, bandung, "run-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.ImportProgress(ctx, scope.Caller{}, "run-bdg")
	assert.ErrorIs(t, err, domain.ErrNoCaller)
}
