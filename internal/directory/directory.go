// Package directory serves the read-mostly projections behind dropdowns and
// the import template: visible patient identities, branches, hospitals,
// lookup values and regions. Each projection is cached under the tables it derives from.
package directory

import (
	"context"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"
	"pwh-registry/internal/store"
)

// Source loads the uncached projections.
type Source interface {
	PatientIdentities(ctx context.Context, caller scope.Caller) ([]domain.PatientIdentity, error)
	Hospitals(ctx context.Context) ([]domain.Hospital, error)
	Lookups(ctx context.Context) (map[catalog.Concept][]string, error)
	Regions(ctx context.Context, province string) ([]domain.Region, error)
	Branches(ctx context.Context, caller scope.Caller) ([]string, error)
}

// Directory caches Source projections. A nil cache disables caching.
type Directory struct {
	src   Source
	cache *store.TableCache
}

func New(src Source, cache *store.TableCache) *Directory {
	return &Directory{src: src, cache: cache}
}

var (
	patientTables  = []string{catalog.Table(catalog.Patient)}
	hospitalTables = []string{catalog.Table(catalog.Hospital)}
	regionTables   = []string{catalog.Table(catalog.Region)}
	lookupTables   = func() []string {
		out := make([]string, len(catalog.LookupTables))
		for i, lt := range catalog.LookupTables {
			out[i] = lt.Table
		}
		return out
	}()
)

// PatientOptions returns the patients visible to caller, cached per branch.
func (d *Directory) PatientOptions(ctx context.Context, caller scope.Caller) ([]domain.PatientIdentity, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	return store.Remember(ctx, d.cache, "patient_options", caller.Branch, patientTables,
		func(ctx context.Context) ([]domain.PatientIdentity, error) {
			return d.src.PatientIdentities(ctx, caller)
		})
}

// Hospitals returns the hospital directory.
func (d *Directory) Hospitals(ctx context.Context) ([]domain.Hospital, error) {
	return store.Remember(ctx, d.cache, "hospitals", "all", hospitalTables, d.src.Hospitals)
}

// Lookups returns every enumerated concept with its values.
func (d *Directory) Lookups(ctx context.Context) (map[catalog.Concept][]string, error) {
	return store.Remember(ctx, d.cache, "lookups", "all", lookupTables, d.src.Lookups)
}

// Regions returns the region hierarchy, optionally narrowed to a province.
func (d *Directory) Regions(ctx context.Context, province string) ([]domain.Region, error) {
	return store.Remember(ctx, d.cache, "regions", province, regionTables,
		func(ctx context.Context) ([]domain.Region, error) {
			return d.src.Regions(ctx, province)
		})
}

// Branches returns the branch picklist: every branch for a super-user, the
// caller's own branch otherwise.
func (d *Directory) Branches(ctx context.Context, caller scope.Caller) ([]string, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	return store.Remember(ctx, d.cache, "branches", caller.Branch, patientTables,
		func(ctx context.Context) ([]string, error) {
			return d.src.Branches(ctx, caller)
		})
}
