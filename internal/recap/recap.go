// Package recap builds the dashboard breakdowns: scoped counts of patients,
// diagnoses and treatment episodes grouped by a single attribute, plus
// diagnoses by age group.
package recap

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"
	"pwh-registry/internal/store"
)

// UnknownLabel replaces NULL or blank group values.
const UnknownLabel = "Unknown"

// Source counts the caller's visible rows per distinct column value and
// lists visible diagnoses with the patient's birth date.
type Source interface {
	GroupCount(ctx context.Context, caller scope.Caller, e catalog.Entity, key string) (map[string]int, error)
	DiagnosisAges(ctx context.Context, caller scope.Caller) ([]domain.DiagnosisAge, error)
}

// Dimension is one breakdown.
type Dimension struct {
	Name   string
	Entity catalog.Entity
	Key    string
}

// Dimensions lists every breakdown in dashboard order.
var Dimensions = []Dimension{
	{Name: "patients_by_province", Entity: catalog.Patient, Key: "province"},
	{Name: "patients_by_gender", Entity: catalog.Patient, Key: "gender"},
	{Name: "patients_by_education", Entity: catalog.Patient, Key: "education"},
	{Name: "patients_by_occupation", Entity: catalog.Patient, Key: "occupation"},
	{Name: "patients_by_branch", Entity: catalog.Patient, Key: catalog.BranchColumn},
	{Name: "diagnoses_by_hemo_type", Entity: catalog.Diagnosis, Key: "hemo_type"},
	{Name: "diagnoses_by_severity", Entity: catalog.Diagnosis, Key: "severity"},
	{Name: "treatments_by_hospital", Entity: catalog.Treatment, Key: "hospital_name"},
}

// Bucket is one group of a breakdown.
type Bucket struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// Breakdown is a dimension's buckets, largest first.
type Breakdown struct {
	Name    string   `json:"name"`
	Total   int      `json:"total"`
	Buckets []Bucket `json:"buckets"`
}

// Recap is the full dashboard for one caller.
type Recap struct {
	Patients   int         `json:"patients"`
	Breakdowns []Breakdown `json:"breakdowns"`
	Ages       *AgeMatrix  `json:"ages"`
}

// AgeGroups in dashboard row order, oldest first.
var AgeGroups = []string{">45", "19-44", "14-18", "5-13", "0-4", UnknownLabel}

// AgeGroup buckets an age in years; nil is Unknown.
func AgeGroup(age *int) string {
	switch {
	case age == nil:
		return UnknownLabel
	case *age <= 4:
		return "0-4"
	case *age <= 13:
		return "5-13"
	case *age <= 18:
		return "14-18"
	case *age <= 44:
		return "19-44"
	default:
		return ">45"
	}
}

// AgeRow counts diagnoses of one age group per hemophilia category.
type AgeRow struct {
	Group  string         `json:"group"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// AgeMatrix crosses age groups with "<hemo type> - <severity>" categories.
type AgeMatrix struct {
	Categories []string `json:"categories"`
	Rows       []AgeRow `json:"rows"`
	Total      AgeRow   `json:"total"`
}

// Row returns the row of an age group, or nil.
func (m *AgeMatrix) Row(group string) *AgeRow {
	for i := range m.Rows {
		if m.Rows[i].Group == group {
			return &m.Rows[i]
		}
	}
	return nil
}

// Breakdown returns the named breakdown, or nil.
func (r *Recap) Breakdown(name string) *Breakdown {
	for i := range r.Breakdowns {
		if r.Breakdowns[i].Name == name {
			return &r.Breakdowns[i]
		}
	}
	return nil
}

// Builder computes recaps, caching them per branch.
type Builder struct {
	src   Source
	cache *store.TableCache
	now   func() time.Time
}

func NewBuilder(src Source, cache *store.TableCache) *Builder {
	return &Builder{src: src, cache: cache, now: time.Now}
}

var recapTables = []string{
	catalog.Table(catalog.Patient),
	catalog.Table(catalog.Diagnosis),
	catalog.Table(catalog.Treatment),
	catalog.Table(catalog.Hospital),
}

// Build returns the recap visible to caller.
func (b *Builder) Build(ctx context.Context, caller scope.Caller) (*Recap, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	return store.Remember(ctx, b.cache, "recap", caller.Branch, recapTables,
		func(ctx context.Context) (*Recap, error) {
			out := &Recap{Breakdowns: make([]Breakdown, 0, len(Dimensions))}
			for _, d := range Dimensions {
				counts, err := b.src.GroupCount(ctx, caller, d.Entity, d.Key)
				if err != nil {
					return nil, err
				}
				bd := summarize(d.Name, counts)
				if d.Entity == catalog.Patient {
					out.Patients = bd.Total
				}
				out.Breakdowns = append(out.Breakdowns, bd)
			}
			ages, err := b.src.DiagnosisAges(ctx, caller)
			if err != nil {
				return nil, err
			}
			out.Ages = ageMatrix(ages, b.now())
			return out, nil
		})
}

// summarize folds blank labels into UnknownLabel and computes percentages
// rounded to one decimal.
func summarize(name string, counts map[string]int) Breakdown {
	merged := make(map[string]int, len(counts))
	total := 0
	for label, n := range counts {
		label = strings.TrimSpace(label)
		if label == "" {
			label = UnknownLabel
		}
		merged[label] += n
		total += n
	}

	bd := Breakdown{Name: name, Total: total, Buckets: make([]Bucket, 0, len(merged))}
	for label, n := range merged {
		pct := 0.0
		if total > 0 {
			pct = math.Round(float64(n)*1000/float64(total)) / 10
		}
		bd.Buckets = append(bd.Buckets, Bucket{Label: label, Count: n, Percent: pct})
	}
	sort.Slice(bd.Buckets, func(i, j int) bool {
		if bd.Buckets[i].Count != bd.Buckets[j].Count {
			return bd.Buckets[i].Count > bd.Buckets[j].Count
		}
		return bd.Buckets[i].Label < bd.Buckets[j].Label
	})
	return bd
}

// ageMatrix derives each patient's age on now and counts diagnoses per age
// group and category. Every age group is present, empty ones with zeros.
func ageMatrix(rows []domain.DiagnosisAge, now time.Time) *AgeMatrix {
	m := &AgeMatrix{
		Rows:  make([]AgeRow, len(AgeGroups)),
		Total: AgeRow{Group: "Total", Counts: map[string]int{}},
	}
	index := make(map[string]int, len(AgeGroups))
	for i, g := range AgeGroups {
		m.Rows[i] = AgeRow{Group: g, Counts: map[string]int{}}
		index[g] = i
	}

	seen := map[string]bool{}
	for _, r := range rows {
		p := domain.Patient{BirthDate: r.BirthDate}
		row := &m.Rows[index[AgeGroup(p.AgeOn(now))]]
		cat := category(r.HemoType, r.Severity)
		row.Counts[cat]++
		row.Total++
		m.Total.Counts[cat]++
		m.Total.Total++
		if !seen[cat] {
			seen[cat] = true
			m.Categories = append(m.Categories, cat)
		}
	}
	sort.Strings(m.Categories)
	return m
}

func category(hemoType, severity string) string {
	hemoType, severity = strings.TrimSpace(hemoType), strings.TrimSpace(severity)
	if hemoType == "" {
		hemoType = UnknownLabel
	}
	if severity == "" {
		return hemoType
	}
	return hemoType + " - " + severity
}
