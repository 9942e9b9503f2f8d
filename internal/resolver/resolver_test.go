package resolver

import (
	"context"
	"testing"

	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLookup holds every patient in the store regardless of branch.
type fakeLookup struct {
	patients []domain.PatientIdentity
	calls    int
}

func (f *fakeLookup) PatientBranch(_ context.Context, id int64) (string, bool, error) {
	f.calls++
	for _, p := range f.patients {
		if p.ID == id {
			return p.Branch, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeLookup) PatientByNationalID(_ context.Context, nik string) (*domain.PatientIdentity, error) {
	for _, p := range f.patients {
		if p.NationalID == nik {
			p := p
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

var (
	andi  = domain.PatientIdentity{ID: 1, FullName: "Andi Wijaya", Branch: "A", NationalID: "3171000000000001"}
	budi  = domain.PatientIdentity{ID: 2, FullName: "Budi", Branch: "A"}
	citra = domain.PatientIdentity{ID: 3, FullName: "Citra", Branch: "B", NationalID: "3171000000000003"}
)

func newResolver(branch string, visible ...domain.PatientIdentity) (*Resolver, *fakeLookup) {
	lk := &fakeLookup{patients: []domain.PatientIdentity{andi, budi, citra}}
	return New(NewIdentityMap(visible), lk, scope.Caller{User: "u", Branch: branch}), lk
}

func TestParseID(t *testing.T) {
	cases := map[string]struct {
		id int64
		ok bool
	}{
		"123":    {123, true},
		" 123.0": {123, true},
		"1.23e2": {123, true},
		"12.5":   {0, false},
		"0":      {0, false},
		"-4":     {0, false},
		"abc":    {0, false},
		"":       {0, false},
	}
	for in, want := range cases {
		id, ok := ParseID(in)
		assert.Equal(t, want.ok, ok, in)
		if want.ok {
			assert.Equal(t, want.id, id, in)
		}
	}
}

func TestResolve_NumericReferenceWinsOverName(t *testing.T) {
	r, _ := newResolver("A", andi, budi)
	id, err := r.Resolve(context.Background(), Reference{ID: "2.0", Name: "Andi Wijaya"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestResolve_NameIsCaseInsensitive(t *testing.T) {
	r, _ := newResolver("A", andi, budi)
	id, err := r.Resolve(context.Background(), Reference{Name: "  andi   WIJAYA "})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestResolve_UnknownNameIsResolutionError(t *testing.T) {
	r, _ := newResolver("A", andi, budi)
	_, err := r.Resolve(context.Background(), Reference{Name: "Dewi"})
	var re *domain.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Dewi", re.Ref)
}

func TestResolve_ForeignIDIsAccessScopeError(t *testing.T) {
	r, _ := newResolver("A", andi, budi)
	_, err := r.Resolve(context.Background(), Reference{ID: "3"})
	var ae *domain.AccessScopeError
	require.ErrorAs(t, err, &ae)
}

func TestResolve_NonexistentIDIsResolutionError(t *testing.T) {
	r, _ := newResolver("A", andi, budi)
	_, err := r.Resolve(context.Background(), Reference{ID: "99"})
	var re *domain.ResolutionError
	require.ErrorAs(t, err, &re)
}

func TestResolve_NonNumericIDIsResolutionError(t *testing.T) {
	r, lk := newResolver("A", andi, budi)
	_, err := r.Resolve(context.Background(), Reference{ID: "x12", Name: "Budi"})
	var re *domain.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Zero(t, lk.calls)
}

func TestResolve_SuperUserReachesAnyBranch(t *testing.T) {
	r, _ := newResolver(scope.SuperUserBranch)
	id, err := r.Resolve(context.Background(), Reference{ID: "3"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}

func TestResolve_AmbiguousName(t *testing.T) {
	twin := domain.PatientIdentity{ID: 4, FullName: "budi", Branch: "A"}
	r, _ := newResolver("A", andi, budi, twin)
	_, err := r.Resolve(context.Background(), Reference{Name: "Budi"})
	var re *domain.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Reason, "2 patients")
}

func TestResolve_DeclaredIDIsRemapped(t *testing.T) {
	r, _ := newResolver("A", andi)
	// the workbook called this patient 57; the store created it as 10
	r.Identities().Record(57, domain.PatientIdentity{ID: 10, FullName: "Eka", Branch: "A"})

	id, err := r.Resolve(context.Background(), Reference{ID: "57"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)

	id, err = r.Resolve(context.Background(), Reference{Name: "eka"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)
}

func TestIdentityMap_RebuildKeepsRunLocalPatients(t *testing.T) {
	m := NewIdentityMap([]domain.PatientIdentity{andi})
	m.Record(0, domain.PatientIdentity{ID: 20, FullName: "Fajar", Branch: "A"})

	// a snapshot taken outside the run's transaction does not see Fajar yet
	m.Rebuild([]domain.PatientIdentity{andi, budi})
	assert.True(t, m.Visible(20))
	assert.True(t, m.Visible(2))
	assert.Equal(t, []int64{20}, m.ByName("FAJAR"))
	assert.Equal(t, 3, m.Len())
}

func TestMatchPatient(t *testing.T) {
	ctx := context.Background()

	t.Run("declared id with same name", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		id, found, err := r.MatchPatient(ctx, PatientRow{DeclaredID: 2, FullName: "BUDI"})
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(2), id)
	})

	t.Run("declared id with other name falls through to name", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		id, found, err := r.MatchPatient(ctx, PatientRow{DeclaredID: 2, FullName: "Andi Wijaya"})
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(1), id)
	})

	t.Run("national id", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		id, found, err := r.MatchPatient(ctx, PatientRow{FullName: "Andi W.", NationalID: andi.NationalID})
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(1), id)
	})

	t.Run("national id held in another branch", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		_, _, err := r.MatchPatient(ctx, PatientRow{FullName: "Someone", NationalID: citra.NationalID})
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "nik", ve.Field)
	})

	t.Run("new patient", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		_, found, err := r.MatchPatient(ctx, PatientRow{FullName: "Gita"})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("same name with a different national id", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		_, found, err := r.MatchPatient(ctx, PatientRow{FullName: "andi wijaya", NationalID: "3171000000000099"})
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "nik", ve.Field)
		assert.False(t, found)
	})

	t.Run("declared id with a different national id", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		_, _, err := r.MatchPatient(ctx, PatientRow{DeclaredID: 1, FullName: "Andi Wijaya", NationalID: "3171000000000099"})
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("same name and no known national id merges", func(t *testing.T) {
		r, _ := newResolver("A", andi, budi)
		id, found, err := r.MatchPatient(ctx, PatientRow{FullName: "Budi", NationalID: "3171000000000002"})
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(2), id)
	})

	t.Run("ambiguous name", func(t *testing.T) {
		twin := domain.PatientIdentity{ID: 4, FullName: "Budi", Branch: "A"}
		r, _ := newResolver("A", andi, budi, twin)
		_, _, err := r.MatchPatient(ctx, PatientRow{FullName: "budi"})
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
	})
}
