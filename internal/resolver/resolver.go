package resolver

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"
)

// Lookup answers the unscoped questions resolution needs: whether an id exists
// at all (and in which branch) and who owns a national id.
type Lookup interface {
	PatientBranch(ctx context.Context, id int64) (branch string, found bool, err error)
	PatientByNationalID(ctx context.Context, nik string) (*domain.PatientIdentity, error)
}

// Reference is the patient reference carried by a dependent row.
type Reference struct {
	ID   string // numeric-like text, may be blank
	Name string
}

// PatientRow is the identity part of a patient sheet row.
type PatientRow struct {
	DeclaredID int64
	FullName   string
	NationalID string
}

// Resolver resolves references against an IdentityMap on behalf of one caller.
type Resolver struct {
	ids    *IdentityMap
	lookup Lookup
	caller scope.Caller
}

// New creates a Resolver.
func New(ids *IdentityMap, lookup Lookup, caller scope.Caller) *Resolver {
	return &Resolver{ids: ids, lookup: lookup, caller: caller}
}

// Identities exposes the map the resolver works on.
func (r *Resolver) Identities() *IdentityMap { return r.ids }

// Resolve maps a dependent row's patient reference to a patient id.
//
// A numeric reference always wins over the name, even when both are present
// and disagree. A reference that matches nothing is a *domain.ResolutionError;
// one that matches a patient outside the caller's branch is a
// *domain.AccessScopeError.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (int64, error) {
	if raw := strings.TrimSpace(ref.ID); raw != "" {
		id, ok := ParseID(raw)
		if !ok {
			return 0, &domain.ResolutionError{Kind: "patient", Ref: raw, Reason: "not a numeric id"}
		}
		return r.resolveID(ctx, r.ids.Remapped(id))
	}

	name := strings.TrimSpace(ref.Name)
	if name == "" {
		return 0, &domain.ResolutionError{Kind: "patient", Ref: "", Reason: "no patient id or name"}
	}
	ids := r.ids.ByName(name)
	switch len(ids) {
	case 0:
		return 0, &domain.ResolutionError{Kind: "patient", Ref: name}
	case 1:
		return r.resolveID(ctx, ids[0])
	default:
		return 0, &domain.ResolutionError{Kind: "patient", Ref: name, Reason: "name matches " + strconv.Itoa(len(ids)) + " patients"}
	}
}

func (r *Resolver) resolveID(ctx context.Context, id int64) (int64, error) {
	if r.ids.Visible(id) {
		return id, nil
	}
	branch, found, err := r.lookup.PatientBranch(ctx, id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, &domain.ResolutionError{Kind: "patient", Ref: strconv.FormatInt(id, 10)}
	}
	if !r.caller.CanAccessBranch(branch) {
		return 0, &domain.AccessScopeError{Branch: r.caller.Branch, Reason: "patient " + strconv.FormatInt(id, 10) + " belongs to another branch"}
	}
	r.ids.allow(domain.PatientIdentity{ID: id, Branch: branch})
	return id, nil
}

// MatchPatient finds the existing patient a patient sheet row describes, so
// re-importing an export updates instead of duplicating. Matching order:
// declared id whose patient has the same name, then national id, then a
// unique case-insensitive name. found is false when the row is new.
//
// A name or declared-id match whose known national id differs from the row's
// is a different patient and yields a *domain.ValidationError.
func (r *Resolver) MatchPatient(ctx context.Context, row PatientRow) (id int64, found bool, err error) {
	nik := strings.TrimSpace(row.NationalID)

	if row.DeclaredID > 0 {
		if p, ok := r.ids.Get(r.ids.Remapped(row.DeclaredID)); ok &&
			domain.NormalizeName(p.FullName) == domain.NormalizeName(row.FullName) {
			if err := nikConflict(p, nik); err != nil {
				return 0, false, err
			}
			return p.ID, true, nil
		}
	}

	if nik != "" {
		if id, ok := r.ids.ByNationalID(nik); ok {
			return id, true, nil
		}
		owner, err := r.lookup.PatientByNationalID(ctx, nik)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return 0, false, err
		case r.caller.CanAccessBranch(owner.Branch):
			r.ids.add(*owner)
			return owner.ID, true, nil
		default:
			return 0, false, &domain.ValidationError{Field: "nik", Reason: "national id already belongs to a patient in another branch"}
		}
	}

	ids := r.ids.ByName(row.FullName)
	switch len(ids) {
	case 0:
		return 0, false, nil
	case 1:
		if p, ok := r.ids.Get(ids[0]); ok {
			if err := nikConflict(p, nik); err != nil {
				return 0, false, err
			}
		}
		return ids[0], true, nil
	default:
		return 0, false, &domain.ValidationError{Field: "full_name", Reason: "name matches " + strconv.Itoa(len(ids)) + " existing patients"}
	}
}

func nikConflict(p domain.PatientIdentity, nik string) error {
	if nik == "" || p.NationalID == "" || p.NationalID == nik {
		return nil
	}
	return &domain.ValidationError{
		Field:  "nik",
		Reason: "patient " + strconv.FormatInt(p.ID, 10) + " with the same name has a different national id",
	}
}
