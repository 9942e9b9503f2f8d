package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"
)

// MemoryRegistryRepository keeps the registry in process memory (DB 未就绪时的联测).
// It applies the same conflict rules, scope checks and session semantics as
// the Postgres repository.
type MemoryRegistryRepository struct {
	mu    sync.Mutex
	state memState
	inv   Invalidator
	now   func() time.Time

	// FailWrite, when set, runs before every write; a non-nil error aborts it.
	FailWrite func(e catalog.Entity) error
}

type memState struct {
	nextID     int64
	patients   map[int64]domain.Patient
	diagnoses  []domain.Diagnosis
	contacts   []domain.Contact
	inhibitors []domain.InhibitorMeasurement
	virusTests []domain.VirusTest
	treatments []domain.TreatmentEpisode
	deaths     []domain.DeathRecord
	hospitals  []domain.Hospital
	regions    []domain.Region
	lookups    map[catalog.Concept][]string
}

func (s memState) clone() memState {
	out := s
	out.patients = make(map[int64]domain.Patient, len(s.patients))
	for id, p := range s.patients {
		out.patients[id] = p
	}
	out.diagnoses = append([]domain.Diagnosis(nil), s.diagnoses...)
	out.contacts = append([]domain.Contact(nil), s.contacts...)
	out.inhibitors = append([]domain.InhibitorMeasurement(nil), s.inhibitors...)
	out.virusTests = append([]domain.VirusTest(nil), s.virusTests...)
	out.treatments = append([]domain.TreatmentEpisode(nil), s.treatments...)
	out.deaths = append([]domain.DeathRecord(nil), s.deaths...)
	return out
}

// NewMemoryRegistryRepository creates an empty in-memory registry.
func NewMemoryRegistryRepository(inv Invalidator) *MemoryRegistryRepository {
	if inv == nil {
		inv = NopInvalidator{}
	}
	return &MemoryRegistryRepository{
		state: memState{
			patients: map[int64]domain.Patient{},
			lookups:  map[catalog.Concept][]string{},
		},
		inv: inv,
		now: time.Now,
	}
}

// SetClock overrides the clock used for created_at and derived ages.
func (r *MemoryRegistryRepository) SetClock(now func() time.Time) { r.now = now }

// AddHospital seeds the hospital directory and returns the new id.
func (r *MemoryRegistryRepository) AddHospital(h domain.Hospital) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.nextID++
	h.ID = r.state.nextID
	r.state.hospitals = append(r.state.hospitals, h)
	return h.ID
}

// AddRegion seeds the region hierarchy.
func (r *MemoryRegistryRepository) AddRegion(reg domain.Region) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.regions = append(r.state.regions, reg)
}

// SetLookup replaces the values of an enumerated concept.
func (r *MemoryRegistryRepository) SetLookup(c catalog.Concept, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.lookups[c] = append([]string(nil), values...)
}

// ============================================
// 写入：单行事务与导入会话
// ============================================

// Write applies fn atomically; a failing fn leaves no effect.
func (r *MemoryRegistryRepository) Write(ctx context.Context, fn func(w RegistryWriter) error) error {
	r.mu.Lock()
	snapshot := r.state.clone()
	w := &memWriter{repo: r, touched: map[string]struct{}{}}
	if err := fn(w); err != nil {
		r.state = snapshot
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	r.invalidate(ctx, w.tables())
	return nil
}

// BeginImport opens an import session. Run mode restores the state captured
// at begin when rolled back.
func (r *MemoryRegistryRepository) BeginImport(_ context.Context, mode TxMode) (ImportSession, error) {
	switch mode {
	case TxPerRow, "":
		return &memRowSession{repo: r}, nil
	case TxPerRun:
		r.mu.Lock()
		base := r.state.clone()
		r.mu.Unlock()
		return &memRunSession{repo: r, base: base, pending: map[string]struct{}{}}, nil
	default:
		return nil, fmt.Errorf("unknown import tx mode %q", mode)
	}
}

func (r *MemoryRegistryRepository) invalidate(ctx context.Context, tables []string) {
	if len(tables) > 0 {
		_ = r.inv.Invalidate(ctx, tables...)
	}
}

type memRowSession struct {
	repo *MemoryRegistryRepository
}

func (s *memRowSession) Row(ctx context.Context, fn func(w RegistryWriter) error) error {
	return s.repo.Write(ctx, fn)
}

func (s *memRowSession) Commit(context.Context) error { return nil }
func (s *memRowSession) Rollback() error              { return nil }

type memRunSession struct {
	repo    *MemoryRegistryRepository
	base    memState
	pending map[string]struct{}
	done    bool
}

func (s *memRunSession) Row(_ context.Context, fn func(w RegistryWriter) error) error {
	if s.done {
		return errors.New("import session already finished")
	}
	r := s.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.state.clone()
	w := &memWriter{repo: r, touched: map[string]struct{}{}}
	if err := fn(w); err != nil {
		r.state = snapshot
		return err
	}
	for _, t := range w.tables() {
		s.pending[t] = struct{}{}
	}
	return nil
}

func (s *memRunSession) Commit(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	tables := make([]string, 0, len(s.pending))
	for t := range s.pending {
		tables = append(tables, t)
	}
	s.repo.invalidate(ctx, tables)
	return nil
}

func (s *memRunSession) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.repo.mu.Lock()
	s.repo.state = s.base
	s.repo.mu.Unlock()
	return nil
}

// memWriter runs with repo.mu held.
type memWriter struct {
	repo    *MemoryRegistryRepository
	touched map[string]struct{}
}

func (w *memWriter) tables() []string {
	out := make([]string, 0, len(w.touched))
	for t := range w.touched {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (w *memWriter) begin(e catalog.Entity) error {
	if w.repo.FailWrite != nil {
		if err := w.repo.FailWrite(e); err != nil {
			return err
		}
	}
	return nil
}

func (w *memWriter) commit(e catalog.Entity) {
	w.touched[catalog.Table(e)] = struct{}{}
}

func (w *memWriter) nextID() int64 {
	w.repo.state.nextID++
	return w.repo.state.nextID
}

func (w *memWriter) requirePatient(op string, id int64) error {
	if err := requireOwner(id); err != nil {
		return err
	}
	if _, ok := w.repo.state.patients[id]; !ok {
		return &domain.PersistenceError{Op: op, Err: fmt.Errorf("patient %d does not exist", id)}
	}
	return nil
}

func (w *memWriter) checkNationalID(p *domain.Patient) error {
	if p.NationalID == "" {
		return nil
	}
	for id, other := range w.repo.state.patients {
		if id != p.ID && other.NationalID == p.NationalID {
			return &domain.ValidationError{Field: "nik", Reason: "national id already belongs to another patient"}
		}
	}
	return nil
}

func (w *memWriter) CreatePatient(_ context.Context, p *domain.Patient) (int64, error) {
	if err := validatePatient(p); err != nil {
		return 0, err
	}
	if err := w.begin(catalog.Patient); err != nil {
		return 0, err
	}
	p.ID = 0
	if err := w.checkNationalID(p); err != nil {
		return 0, err
	}
	p.ID = w.nextID()
	p.FullName = strings.TrimSpace(p.FullName)
	p.CreatedAt = w.repo.now()
	w.repo.state.patients[p.ID] = *p
	w.commit(catalog.Patient)
	return p.ID, nil
}

func (w *memWriter) UpdatePatient(_ context.Context, p *domain.Patient) error {
	if err := validatePatient(p); err != nil {
		return err
	}
	if err := w.begin(catalog.Patient); err != nil {
		return err
	}
	existing, ok := w.repo.state.patients[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := w.checkNationalID(p); err != nil {
		return err
	}
	updated := *p
	updated.FullName = strings.TrimSpace(p.FullName)
	updated.CreatedAt = existing.CreatedAt
	w.repo.state.patients[p.ID] = updated
	w.commit(catalog.Patient)
	return nil
}

func (w *memWriter) MergePatient(_ context.Context, p *domain.Patient) error {
	if err := validatePatient(p); err != nil {
		return err
	}
	if err := w.begin(catalog.Patient); err != nil {
		return err
	}
	merged, ok := w.repo.state.patients[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	merged.FullName = strings.TrimSpace(p.FullName)
	keep := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	keep(&merged.BirthPlace, p.BirthPlace)
	keep(&merged.NationalID, p.NationalID)
	keep(&merged.BloodGroup, p.BloodGroup)
	keep(&merged.Rhesus, p.Rhesus)
	keep(&merged.Gender, p.Gender)
	keep(&merged.Occupation, p.Occupation)
	keep(&merged.Education, p.Education)
	keep(&merged.Address, p.Address)
	keep(&merged.Village, p.Village)
	keep(&merged.District, p.District)
	keep(&merged.Phone, p.Phone)
	keep(&merged.Province, p.Province)
	keep(&merged.City, p.City)
	keep(&merged.Branch, p.Branch)
	keep(&merged.CoverageCity, p.CoverageCity)
	keep(&merged.Note, p.Note)
	if p.BirthDate != nil {
		merged.BirthDate = p.BirthDate
	}
	if err := w.checkNationalID(&merged); err != nil {
		return err
	}
	w.repo.state.patients[p.ID] = merged
	w.commit(catalog.Patient)
	return nil
}

func (w *memWriter) UpsertDiagnosis(_ context.Context, d *domain.Diagnosis) (Outcome, error) {
	if err := requireText("hemo_type", d.HemoType); err != nil {
		return 0, err
	}
	if err := requireText("severity", d.Severity); err != nil {
		return 0, err
	}
	if err := w.requirePatient("upsert diagnosis", d.PatientID); err != nil {
		return 0, err
	}
	if err := w.begin(catalog.Diagnosis); err != nil {
		return 0, err
	}
	defer w.commit(catalog.Diagnosis)
	for i, existing := range w.repo.state.diagnoses {
		if existing.PatientID != d.PatientID || existing.HemoType != d.HemoType {
			continue
		}
		existing.Severity = d.Severity
		if d.DiagnosedOn != nil {
			existing.DiagnosedOn = d.DiagnosedOn
		}
		if d.Source != "" {
			existing.Source = d.Source
		}
		w.repo.state.diagnoses[i] = existing
		d.ID = existing.ID
		return Updated, nil
	}
	d.ID = w.nextID()
	w.repo.state.diagnoses = append(w.repo.state.diagnoses, *d)
	return Inserted, nil
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (w *memWriter) UpsertVirusTest(_ context.Context, v *domain.VirusTest) (Outcome, error) {
	if err := requireText("test_type", v.TestType); err != nil {
		return 0, err
	}
	if v.TestedOn == nil {
		return 0, &domain.ValidationError{Field: "tested_on", Reason: "required"}
	}
	if err := w.requirePatient("upsert virus test", v.PatientID); err != nil {
		return 0, err
	}
	if err := w.begin(catalog.VirusTest); err != nil {
		return 0, err
	}
	for _, existing := range w.repo.state.virusTests {
		if existing.PatientID == v.PatientID && existing.TestType == v.TestType && sameDay(existing.TestedOn, v.TestedOn) {
			return Unchanged, nil
		}
	}
	v.ID = w.nextID()
	w.repo.state.virusTests = append(w.repo.state.virusTests, *v)
	w.commit(catalog.VirusTest)
	return Inserted, nil
}

func (w *memWriter) UpsertDeathRecord(_ context.Context, d *domain.DeathRecord) (Outcome, error) {
	if d.YearOfDeath == nil {
		return 0, &domain.ValidationError{Field: "year_of_death", Reason: "required"}
	}
	if err := w.requirePatient("upsert death record", d.PatientID); err != nil {
		return 0, err
	}
	if err := w.begin(catalog.Death); err != nil {
		return 0, err
	}
	defer w.commit(catalog.Death)
	for i, existing := range w.repo.state.deaths {
		if existing.PatientID == d.PatientID {
			d.ID = existing.ID
			w.repo.state.deaths[i] = *d
			return Updated, nil
		}
	}
	d.ID = w.nextID()
	w.repo.state.deaths = append(w.repo.state.deaths, *d)
	return Inserted, nil
}

func (w *memWriter) InsertInhibitor(_ context.Context, m *domain.InhibitorMeasurement) (int64, error) {
	if err := requireText("factor", m.Factor); err != nil {
		return 0, err
	}
	if err := w.requirePatient("insert inhibitor", m.PatientID); err != nil {
		return 0, err
	}
	if err := w.begin(catalog.Inhibitor); err != nil {
		return 0, err
	}
	m.ID = w.nextID()
	w.repo.state.inhibitors = append(w.repo.state.inhibitors, *m)
	w.commit(catalog.Inhibitor)
	return m.ID, nil
}

func (w *memWriter) InsertTreatment(_ context.Context, t *domain.TreatmentEpisode) (int64, error) {
	if t.HospitalID <= 0 {
		return 0, &domain.ResolutionError{Kind: "hospital", Ref: t.HospitalName}
	}
	if err := w.requirePatient("insert treatment", t.PatientID); err != nil {
		return 0, err
	}
	if _, ok := w.repo.hospital(t.HospitalID); !ok {
		return 0, &domain.PersistenceError{Op: "insert treatment", Err: fmt.Errorf("hospital %d does not exist", t.HospitalID)}
	}
	if err := w.begin(catalog.Treatment); err != nil {
		return 0, err
	}
	t.ID = w.nextID()
	w.repo.state.treatments = append(w.repo.state.treatments, *t)
	w.commit(catalog.Treatment)
	return t.ID, nil
}

func (w *memWriter) InsertContact(_ context.Context, c *domain.Contact) (int64, error) {
	if err := requireText("relation", c.Relation); err != nil {
		return 0, err
	}
	if err := requireText("name", c.Name); err != nil {
		return 0, err
	}
	if err := w.requirePatient("insert contact", c.PatientID); err != nil {
		return 0, err
	}
	if err := w.begin(catalog.Contact); err != nil {
		return 0, err
	}
	c.ID = w.nextID()
	w.repo.state.contacts = append(w.repo.state.contacts, *c)
	w.commit(catalog.Contact)
	return c.ID, nil
}

// ============================================
// 读取（按调用者分支过滤）
// ============================================

func (r *MemoryRegistryRepository) hospital(id int64) (domain.Hospital, bool) {
	for _, h := range r.state.hospitals {
		if h.ID == id {
			return h, true
		}
	}
	return domain.Hospital{}, false
}

// visible returns the caller's patients sorted by name then id. mu must be held.
func (r *MemoryRegistryRepository) visible(caller scope.Caller) []domain.Patient {
	out := make([]domain.Patient, 0, len(r.state.patients))
	for _, p := range r.state.patients {
		if caller.CanAccessBranch(p.Branch) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullName != out[j].FullName {
			return out[i].FullName < out[j].FullName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *MemoryRegistryRepository) visiblePatient(caller scope.Caller, id int64) (domain.Patient, bool) {
	p, ok := r.state.patients[id]
	if !ok || !caller.CanAccessBranch(p.Branch) {
		return domain.Patient{}, false
	}
	return p, true
}

func (r *MemoryRegistryRepository) GetPatient(_ context.Context, caller scope.Caller, id int64) (*domain.Patient, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.visiblePatient(caller, id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r *MemoryRegistryRepository) ListPatients(_ context.Context, caller scope.Caller, f PatientFilter) ([]domain.Patient, int, error) {
	if err := caller.Validate(); err != nil {
		return nil, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	term := strings.ToLower(strings.TrimSpace(f.Search))
	var all []domain.Patient
	for _, p := range r.visible(caller) {
		if term != "" && !strings.Contains(strings.ToLower(p.FullName), term) && !strings.Contains(p.NationalID, term) {
			continue
		}
		if f.Branch != "" && p.Branch != f.Branch {
			continue
		}
		all = append(all, p)
	}
	total := len(all)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return all[start:end], total, nil
}

func (r *MemoryRegistryRepository) PatientIdentities(_ context.Context, caller scope.Caller) ([]domain.PatientIdentity, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PatientIdentity
	for _, p := range r.visible(caller) {
		out = append(out, domain.PatientIdentity{ID: p.ID, FullName: p.FullName, NationalID: p.NationalID, Branch: p.Branch})
	}
	return out, nil
}

func (r *MemoryRegistryRepository) PatientBranch(_ context.Context, id int64) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.patients[id]
	return p.Branch, ok, nil
}

func (r *MemoryRegistryRepository) PatientByNationalID(_ context.Context, nik string) (*domain.PatientIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.state.patients {
		if p.NationalID == nik {
			return &domain.PatientIdentity{ID: p.ID, FullName: p.FullName, NationalID: p.NationalID, Branch: p.Branch}, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryRegistryRepository) GetPatientDetail(_ context.Context, caller scope.Caller, id int64) (*domain.PatientDetail, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.visiblePatient(caller, id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	d := &domain.PatientDetail{Patient: &p}
	for _, x := range r.state.diagnoses {
		if x.PatientID == id {
			d.Diagnoses = append(d.Diagnoses, x)
		}
	}
	for _, x := range r.state.contacts {
		if x.PatientID == id {
			d.Contacts = append(d.Contacts, x)
		}
	}
	for _, x := range r.state.inhibitors {
		if x.PatientID == id {
			d.Inhibitors = append(d.Inhibitors, x)
		}
	}
	for _, x := range r.state.virusTests {
		if x.PatientID == id {
			d.VirusTests = append(d.VirusTests, x)
		}
	}
	for _, x := range r.state.treatments {
		if x.PatientID == id {
			if h, ok := r.hospital(x.HospitalID); ok {
				x.HospitalName = h.Name
			}
			d.Treatments = append(d.Treatments, x)
		}
	}
	for _, x := range r.state.deaths {
		if x.PatientID == id {
			death := x
			d.Death = &death
		}
	}
	return d, nil
}

func (r *MemoryRegistryRepository) Hospitals(context.Context) ([]domain.Hospital, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]domain.Hospital(nil), r.state.hospitals...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRegistryRepository) HospitalByName(ctx context.Context, name string) (*domain.Hospital, error) {
	hospitals, _ := r.Hospitals(ctx)
	for _, h := range hospitals {
		if h.Name == name {
			return &h, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryRegistryRepository) Lookups(context.Context) (map[catalog.Concept][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[catalog.Concept][]string, len(catalog.LookupTables))
	for _, lt := range catalog.LookupTables {
		values := append([]string(nil), r.state.lookups[lt.Concept]...)
		sort.Strings(values)
		out[lt.Concept] = values
	}
	return out, nil
}

func (r *MemoryRegistryRepository) Regions(_ context.Context, province string) ([]domain.Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Region
	for _, reg := range r.state.regions {
		if province == "" || reg.Province == province {
			out = append(out, reg)
		}
	}
	return out, nil
}

// ExportRows mirrors the Postgres export: visible rows keyed by column key.
func (r *MemoryRegistryRepository) ExportRows(_ context.Context, caller scope.Caller, e catalog.Entity) ([]map[string]any, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	spec := catalog.Lookup(e)
	if spec == nil || spec.Sheet == "" {
		return nil, fmt.Errorf("entity %q has no export sheet", e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	owned := func(pid, id int64) map[string]any {
		p, ok := r.visiblePatient(caller, pid)
		if !ok {
			return nil
		}
		return map[string]any{"id": id, catalog.OwnerColumn: pid, "full_name": p.FullName}
	}

	var out []map[string]any
	switch e {
	case catalog.Patient:
		ps := r.visible(caller)
		sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
		for _, p := range ps {
			out = append(out, map[string]any{
				"id": p.ID, "full_name": p.FullName, "birth_place": p.BirthPlace, "birth_date": p.BirthDate,
				"nik": p.NationalID, "age_years": p.AgeOn(now), "blood_group": p.BloodGroup, "rhesus": p.Rhesus,
				"gender": p.Gender, "occupation": p.Occupation, "education": p.Education, "address": p.Address,
				"village": p.Village, "district": p.District, "phone": p.Phone, "province": p.Province,
				"city": p.City, catalog.BranchColumn: p.Branch, "coverage_city": p.CoverageCity, "note": p.Note,
			})
		}
	case catalog.Diagnosis:
		for _, x := range r.state.diagnoses {
			if m := owned(x.PatientID, x.ID); m != nil {
				m["hemo_type"], m["severity"], m["diagnosed_on"], m["source"] = x.HemoType, x.Severity, x.DiagnosedOn, x.Source
				out = append(out, m)
			}
		}
	case catalog.Contact:
		for _, x := range r.state.contacts {
			if m := owned(x.PatientID, x.ID); m != nil {
				m["relation"], m["name"], m["phone"], m["is_primary"] = x.Relation, x.Name, x.Phone, x.IsPrimary
				out = append(out, m)
			}
		}
	case catalog.Inhibitor:
		for _, x := range r.state.inhibitors {
			if m := owned(x.PatientID, x.ID); m != nil {
				m["factor"], m["titer_bu"], m["measured_on"], m["lab"] = x.Factor, x.TiterBU, x.MeasuredOn, x.Lab
				out = append(out, m)
			}
		}
	case catalog.VirusTest:
		for _, x := range r.state.virusTests {
			if m := owned(x.PatientID, x.ID); m != nil {
				m["test_type"], m["result"], m["tested_on"], m["lab"] = x.TestType, x.Result, x.TestedOn, x.Lab
				out = append(out, m)
			}
		}
	case catalog.Treatment:
		for _, x := range r.state.treatments {
			m := owned(x.PatientID, x.ID)
			if m == nil {
				continue
			}
			h, _ := r.hospital(x.HospitalID)
			m["hospital_name"], m["hospital_city"], m["hospital_province"] = h.Name, h.City, h.Province
			m["date_of_visit"], m["doctor_in_charge"], m["treatment_type"] = x.VisitDate, x.DoctorInCharge, x.TreatmentType
			m["care_services"], m["frequency"], m["dose"] = x.CareServices, x.Frequency, x.Dose
			m["product"], m["merk"] = x.Product, x.Brand
			out = append(out, m)
		}
	case catalog.Death:
		for _, x := range r.state.deaths {
			if m := owned(x.PatientID, x.ID); m != nil {
				m["cause_of_death"], m["year_of_death"] = x.CauseOfDeath, x.YearOfDeath
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// ============================================
// 快照（测试断言用）
// ============================================

// Patients returns every stored patient ordered by id, ignoring scope.
func (r *MemoryRegistryRepository) Patients() []domain.Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Patient, 0, len(r.state.patients))
	for _, p := range r.state.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRegistryRepository) Diagnoses() []domain.Diagnosis {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Diagnosis(nil), r.state.diagnoses...)
}

func (r *MemoryRegistryRepository) VirusTests() []domain.VirusTest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.VirusTest(nil), r.state.virusTests...)
}

func (r *MemoryRegistryRepository) Deaths() []domain.DeathRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeathRecord(nil), r.state.deaths...)
}

func (r *MemoryRegistryRepository) Contacts() []domain.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Contact(nil), r.state.contacts...)
}

func (r *MemoryRegistryRepository) Inhibitors() []domain.InhibitorMeasurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InhibitorMeasurement(nil), r.state.inhibitors...)
}

func (r *MemoryRegistryRepository) Treatments() []domain.TreatmentEpisode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TreatmentEpisode(nil), r.state.treatments...)
}

func (r *MemoryRegistryRepository) Branches(_ context.Context, caller scope.Caller) ([]string, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, p := range r.visible(caller) {
		if p.Branch != "" && !seen[p.Branch] {
			seen[p.Branch] = true
			out = append(out, p.Branch)
		}
	}
	sort.Strings(out)
	return out, nil
}
