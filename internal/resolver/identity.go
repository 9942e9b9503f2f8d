// Package resolver maps spreadsheet patient references to canonical patient ids.
package resolver

import (
	"math"
	"strconv"
	"strings"

	"pwh-registry/internal/domain"
)

// IdentityMap is the merged view of patients visible during one import run:
// persisted patients in the caller's scope plus patients created or matched
// earlier in the same run.
type IdentityMap struct {
	byID   map[int64]domain.PatientIdentity
	byName map[string][]int64
	byNIK  map[string]int64
	local  map[string]int64 // normalized name → id, this run only
	remap  map[int64]int64  // id declared in the workbook → id in this store
}

// NewIdentityMap creates an identity map seeded with persisted patients.
func NewIdentityMap(persisted []domain.PatientIdentity) *IdentityMap {
	m := &IdentityMap{
		local: make(map[string]int64),
		remap: make(map[int64]int64),
	}
	m.reset(persisted)
	return m
}

func (m *IdentityMap) reset(persisted []domain.PatientIdentity) {
	m.byID = make(map[int64]domain.PatientIdentity, len(persisted))
	m.byName = make(map[string][]int64, len(persisted))
	m.byNIK = make(map[string]int64)
	for _, p := range persisted {
		m.add(p)
	}
}

func (m *IdentityMap) add(p domain.PatientIdentity) {
	if old, ok := m.byID[p.ID]; ok {
		m.dropName(old)
		if old.NationalID != "" && m.byNIK[old.NationalID] == p.ID {
			delete(m.byNIK, old.NationalID)
		}
	}
	m.byID[p.ID] = p
	key := domain.NormalizeName(p.FullName)
	m.byName[key] = append(m.byName[key], p.ID)
	if p.NationalID != "" {
		m.byNIK[p.NationalID] = p.ID
	}
}

func (m *IdentityMap) dropName(p domain.PatientIdentity) {
	key := domain.NormalizeName(p.FullName)
	ids := m.byName[key]
	for i, id := range ids {
		if id == p.ID {
			m.byName[key] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byName[key]) == 0 {
		delete(m.byName, key)
	}
}

// Record notes a patient created or matched by this run. declaredID is the id
// the workbook row carried (0 when absent).
func (m *IdentityMap) Record(declaredID int64, p domain.PatientIdentity) {
	m.add(p)
	m.local[domain.NormalizeName(p.FullName)] = p.ID
	if declaredID > 0 {
		m.remap[declaredID] = p.ID
	}
}

// Rebuild replaces the persisted view with a fresh snapshot and re-applies
// every patient recorded by this run on top of it.
func (m *IdentityMap) Rebuild(persisted []domain.PatientIdentity) {
	recorded := make([]domain.PatientIdentity, 0, len(m.local))
	for _, id := range m.local {
		if p, ok := m.byID[id]; ok {
			recorded = append(recorded, p)
		}
	}
	m.reset(persisted)
	for _, p := range recorded {
		if _, ok := m.byID[p.ID]; !ok {
			m.add(p)
		}
	}
}

// allow marks an id visible without indexing it by name.
func (m *IdentityMap) allow(p domain.PatientIdentity) {
	if _, ok := m.byID[p.ID]; !ok {
		m.byID[p.ID] = p
	}
}

// Visible reports whether id is in the map.
func (m *IdentityMap) Visible(id int64) bool {
	_, ok := m.byID[id]
	return ok
}

// Get returns the identity for id.
func (m *IdentityMap) Get(id int64) (domain.PatientIdentity, bool) {
	p, ok := m.byID[id]
	return p, ok
}

// Remapped translates a workbook-declared id to this store's id.
func (m *IdentityMap) Remapped(id int64) int64 {
	if to, ok := m.remap[id]; ok {
		return to
	}
	return id
}

// ByName looks a display name up case-insensitively. Patients recorded in
// this run win over persisted ones.
func (m *IdentityMap) ByName(name string) []int64 {
	key := domain.NormalizeName(name)
	if id, ok := m.local[key]; ok {
		return []int64{id}
	}
	return m.byName[key]
}

// ByNationalID returns the visible patient holding nik.
func (m *IdentityMap) ByNationalID(nik string) (int64, bool) {
	id, ok := m.byNIK[nik]
	return id, ok
}

// Len is the number of distinct patients in the map.
func (m *IdentityMap) Len() int { return len(m.byID) }

// ParseID coerces a numeric-looking cell ("123", "123.0", "1.23e2") to a
// positive patient id.
func ParseID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, id > 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || f != math.Trunc(f) || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
