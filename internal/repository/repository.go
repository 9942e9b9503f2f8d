package repository

import (
	"context"
	"database/sql"
	"time"

	"pwh-registry/internal/domain"

	"go.uber.org/zap"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Outcome reports what an upsert did.
type Outcome int

const (
	Inserted Outcome = iota
	Updated
	// Unchanged: the conflict policy turned the write into a no-op.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// RegistryWriter applies single-row writes honoring each entity's conflict rule.
type RegistryWriter interface {
	// CreatePatient inserts a patient. Callers pre-check natural-key collisions.
	CreatePatient(ctx context.Context, p *domain.Patient) (int64, error)
	// UpdatePatient replaces every attribute of an existing patient.
	UpdatePatient(ctx context.Context, p *domain.Patient) error
	// MergePatient updates an existing patient, keeping known values where p is blank.
	MergePatient(ctx context.Context, p *domain.Patient) error

	UpsertDiagnosis(ctx context.Context, d *domain.Diagnosis) (Outcome, error)
	UpsertVirusTest(ctx context.Context, v *domain.VirusTest) (Outcome, error)
	UpsertDeathRecord(ctx context.Context, d *domain.DeathRecord) (Outcome, error)

	InsertInhibitor(ctx context.Context, m *domain.InhibitorMeasurement) (int64, error)
	InsertTreatment(ctx context.Context, t *domain.TreatmentEpisode) (int64, error)
	InsertContact(ctx context.Context, c *domain.Contact) (int64, error)
}

// Invalidator drops cached projections derived from the given tables.
type Invalidator interface {
	Invalidate(ctx context.Context, tables ...string) error
}

// NopInvalidator is used when no cache is configured.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, ...string) error { return nil }

// PostgresRegistryRepository registry Repository 实现（lib/pq）
type PostgresRegistryRepository struct {
	db     *sql.DB
	reader *ScopedReader
	inv    Invalidator
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresRegistryRepository 创建 registry Repository
func NewPostgresRegistryRepository(db *sql.DB, reader *ScopedReader, inv Invalidator, logger *zap.Logger) *PostgresRegistryRepository {
	if inv == nil {
		inv = NopInvalidator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRegistryRepository{
		db:     db,
		reader: reader,
		inv:    inv,
		logger: logger,
		now:    time.Now,
	}
}

// Reader exposes the scoped reader backing this repository.
func (r *PostgresRegistryRepository) Reader() *ScopedReader { return r.reader }

func (r *PostgresRegistryRepository) invalidate(ctx context.Context, tables []string) {
	if len(tables) == 0 {
		return
	}
	if err := r.inv.Invalidate(ctx, tables...); err != nil {
		r.logger.Warn("cache invalidation failed", zap.Strings("tables", tables), zap.Error(err))
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
