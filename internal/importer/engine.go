// Package importer reconciles an uploaded workbook into the registry: patients
// first, then every dependent sheet in a fixed order, with an explicit result
// per row and a tally per entity.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/repository"
	"pwh-registry/internal/resolver"
	"pwh-registry/internal/scope"
	"pwh-registry/internal/workbook"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is what a run needs from the registry.
type Store interface {
	resolver.Lookup
	BeginImport(ctx context.Context, mode repository.TxMode) (repository.ImportSession, error)
	PatientIdentities(ctx context.Context, caller scope.Caller) ([]domain.PatientIdentity, error)
	Hospitals(ctx context.Context) ([]domain.Hospital, error)
}

// Engine runs bulk imports.
type Engine struct {
	store    Store
	reporter Reporter
	logger   *zap.Logger
	mode     repository.TxMode
	every    int
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithTxMode selects per-row commits (default) or one transaction per run.
func WithTxMode(mode repository.TxMode) Option {
	return func(e *Engine) {
		if mode != "" {
			e.mode = mode
		}
	}
}

// WithReporter sets the progress sink.
func WithReporter(r Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithProgressEvery emits a progress event every n rows of a sheet.
func WithProgressEvery(n int) Option {
	return func(e *Engine) { e.every = n }
}

// NewEngine creates an Engine.
func NewEngine(store Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		reporter: NopReporter{},
		logger:   logger,
		mode:     repository.TxPerRow,
		every:    100,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run parses workbook bytes and imports them on behalf of caller.
func (e *Engine) Run(ctx context.Context, data []byte, caller scope.Caller) (*Report, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	wb, err := workbook.Read(data)
	if err != nil {
		return nil, &domain.ValidationError{Field: "workbook", Reason: err.Error()}
	}
	return e.RunWorkbook(ctx, wb, caller)
}

// RunWorkbook imports a parsed workbook. Row failures are counted and never
// stop the run; connectivity loss or cancellation stops it and the partial
// report is returned together with the error.
func (e *Engine) RunWorkbook(ctx context.Context, wb *workbook.Workbook, caller scope.Caller) (*Report, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	r := &run{
		engine: e,
		caller: caller,
		wb:     wb,
		report: newReport(e.newID(), string(e.mode)),
	}
	r.report.Ignored = wb.Ignored
	r.progress(ctx, Progress{Phase: PhaseStart})

	if err := r.execute(ctx); err != nil {
		r.report.Halted = err.Error()
		if r.session != nil {
			if rbErr := r.session.Rollback(); rbErr != nil {
				e.logger.Warn("failed to roll back import session", zap.String("run_id", r.report.RunID), zap.Error(rbErr))
			}
			r.report.RolledBack = e.mode == repository.TxPerRun
		}
		r.finish(ctx)
		return r.report, err
	}
	r.finish(ctx)
	return r.report, nil
}

// run is the state of one import.
type run struct {
	engine    *Engine
	caller    scope.Caller
	wb        *workbook.Workbook
	report    *Report
	session   repository.ImportSession
	resolver  *resolver.Resolver
	hospitals map[string]domain.Hospital
}

func (r *run) execute(ctx context.Context) error {
	store := r.engine.store
	persisted, err := store.PatientIdentities(ctx, r.caller)
	if err != nil {
		return fmt.Errorf("load patient identities: %w", err)
	}
	r.resolver = resolver.New(resolver.NewIdentityMap(persisted), store, r.caller)

	hospitals, err := store.Hospitals(ctx)
	if err != nil {
		return fmt.Errorf("load hospitals: %w", err)
	}
	r.hospitals = make(map[string]domain.Hospital, len(hospitals))
	for _, h := range hospitals {
		if _, dup := r.hospitals[h.Name]; !dup {
			r.hospitals[h.Name] = h
		}
	}

	session, err := store.BeginImport(ctx, r.engine.mode)
	if err != nil {
		return err
	}
	r.session = session

	if err := r.sheet(ctx, PhaseProcessPatients, catalog.Patient, r.importPatient); err != nil {
		return err
	}

	r.progress(ctx, Progress{Phase: PhaseRebuildIdentities})
	persisted, err = store.PatientIdentities(ctx, r.caller)
	if err != nil {
		return fmt.Errorf("rebuild patient identities: %w", err)
	}
	r.resolver.Identities().Rebuild(persisted)

	for _, e := range catalog.DependentOrder {
		spec := catalog.Lookup(e)
		handle := func(ctx context.Context, row workbook.Row) RowResult {
			return r.importDependent(ctx, spec, row)
		}
		if err := r.sheet(ctx, PhaseProcessDependents, e, handle); err != nil {
			return err
		}
	}

	if err := r.session.Commit(ctx); err != nil {
		return err
	}
	r.session = nil
	return nil
}

// sheet processes the rows of one entity in file order.
func (r *run) sheet(ctx context.Context, phase Phase, e catalog.Entity, handle func(context.Context, workbook.Row) RowResult) error {
	sheet := r.wb.Sheet(e)
	if sheet == nil {
		return nil
	}
	tally := r.report.Tallies[e]
	event := func(n int) Progress {
		t := *tally
		return Progress{Phase: phase, Entity: e, Sheet: sheet.Name, Processed: n, Rows: len(sheet.Rows), Tally: &t}
	}
	r.progress(ctx, event(0))

	for i, row := range sheet.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := handle(ctx, row)
		r.report.record(e, sheet.Name, row.Number, res)
		if res.Halt {
			return res.Err
		}
		if every := r.engine.every; every > 0 && (i+1)%every == 0 {
			r.progress(ctx, event(i+1))
		}
	}
	r.progress(ctx, event(len(sheet.Rows)))
	return nil
}

func (r *run) importPatient(ctx context.Context, row workbook.Row) RowResult {
	p, err := patientFromRow(row)
	if err != nil {
		return classify(err)
	}
	if !r.caller.SuperUser() {
		switch p.Branch {
		case "":
			p.Branch = r.caller.Branch
		case r.caller.Branch:
		default:
			return classify(&domain.AccessScopeError{Branch: r.caller.Branch, Reason: fmt.Sprintf("row is tagged %q", p.Branch)})
		}
	}

	declared, _ := resolver.ParseID(row.Get("id"))
	id, found, err := r.resolver.MatchPatient(ctx, resolver.PatientRow{
		DeclaredID: declared,
		FullName:   p.FullName,
		NationalID: p.NationalID,
	})
	if err != nil {
		return classify(err)
	}

	err = r.session.Row(ctx, func(w repository.RegistryWriter) error {
		if found {
			p.ID = id
			return w.MergePatient(ctx, p)
		}
		_, err := w.CreatePatient(ctx, p)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		err = &domain.ResolutionError{Kind: "patient", Ref: p.FullName, Reason: "matched patient no longer exists"}
	}
	if err != nil {
		return classify(err)
	}
	nik := p.NationalID
	if prev, ok := r.resolver.Identities().Get(p.ID); ok && nik == "" {
		nik = prev.NationalID
	}
	r.resolver.Identities().Record(declared, domain.PatientIdentity{
		ID:         p.ID,
		FullName:   p.FullName,
		NationalID: nik,
		Branch:     p.Branch,
	})
	return imported()
}

func (r *run) importDependent(ctx context.Context, spec *catalog.Spec, row workbook.Row) RowResult {
	pid, err := r.resolver.Resolve(ctx, resolver.Reference{
		ID:   row.Get(catalog.OwnerColumn),
		Name: row.Get("full_name"),
	})
	if err != nil {
		return classify(err)
	}
	if missing := row.Missing(spec); len(missing) > 0 {
		return classify(&domain.ValidationError{Field: strings.Join(missing, ", "), Reason: "required"})
	}

	write, err := r.writeFor(spec.Entity, row, pid)
	if err != nil {
		return classify(err)
	}
	var outcome repository.Outcome
	err = r.session.Row(ctx, func(w repository.RegistryWriter) error {
		var err error
		outcome, err = write(ctx, w)
		return err
	})
	if err != nil {
		return classify(err)
	}
	if outcome == repository.Unchanged {
		return skipped("duplicate of an existing record")
	}
	return imported()
}

type writeFunc func(ctx context.Context, w repository.RegistryWriter) (repository.Outcome, error)

func inserted(_ int64, err error) (repository.Outcome, error) {
	return repository.Inserted, err
}

// writeFor converts a dependent row and returns the write applying it.
func (r *run) writeFor(e catalog.Entity, row workbook.Row, pid int64) (writeFunc, error) {
	switch e {
	case catalog.Diagnosis:
		d, err := diagnosisFromRow(row, pid)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, w repository.RegistryWriter) (repository.Outcome, error) {
			return w.UpsertDiagnosis(ctx, d)
		}, nil
	case catalog.Contact:
		c := contactFromRow(row, pid)
		return func(ctx context.Context, w repository.RegistryWriter) (repository.Outcome, error) {
			return inserted(w.InsertContact(ctx, c))
		}, nil
	case catalog.Inhibitor:
		m, err := inhibitorFromRow(row, pid)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, w repository.RegistryWriter) (repository.Outcome, error) {
			return inserted(w.InsertInhibitor(ctx, m))
		}, nil
	case catalog.VirusTest:
		v, err := virusTestFromRow(row, pid)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, w repository.RegistryWriter) (repository.Outcome, error) {
			return w.UpsertVirusTest(ctx, v)
		}, nil
	case catalog.Treatment:
		name := row.Get("hospital_name")
		h, ok := r.hospitals[name]
		if !ok {
			return nil, &domain.ResolutionError{Kind: "hospital", Ref: name}
		}
		t, err := treatmentFromRow(row, pid, h)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, w repository.RegistryWriter) (repository.Outcome, error) {
			return inserted(w.InsertTreatment(ctx, t))
		}, nil
	case catalog.Death:
		d, err := deathFromRow(row, pid)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, w repository.RegistryWriter) (repository.Outcome, error) {
			return w.UpsertDeathRecord(ctx, d)
		}, nil
	default:
		return nil, fmt.Errorf("entity %q is not importable", e)
	}
}

func (r *run) progress(ctx context.Context, p Progress) {
	p.RunID = r.report.RunID
	p.Branch = r.caller.Branch
	p.At = time.Now()
	r.engine.reporter.Report(context.WithoutCancel(ctx), p)
}

func (r *run) finish(ctx context.Context) {
	total := r.report.Total()
	r.progress(ctx, Progress{
		Phase:     PhaseDone,
		Processed: total.Seen(),
		Rows:      total.Seen(),
		Tally:     &total,
		Summary:   r.report.Summary(),
		Failed:    r.report.Failed(),
	})
}
