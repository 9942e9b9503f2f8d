// Package catalog is the static description of registry entities: tables,
// sheet layouts, required columns and per-entity conflict rules.
package catalog

import "strings"

// Entity identifies a registry entity type.
type Entity string

const (
	Patient   Entity = "patient"
	Diagnosis Entity = "diagnosis"
	Contact   Entity = "contact"
	Inhibitor Entity = "inhibitor"
	VirusTest Entity = "virus_test"
	Treatment Entity = "treatment"
	Death     Entity = "death"
	Hospital  Entity = "hospital"
	Region    Entity = "region"
)

// BranchColumn is the tenant column on the patients table.
const BranchColumn = "branch_tag"

// OwnerColumn is the foreign key every patient-owned table carries.
const OwnerColumn = "patient_id"

// Kind is the value type of a sheet column.
type Kind int

const (
	Text Kind = iota
	Date
	Integer
	Decimal
	Bool
	Reference // numeric patient reference
)

// Policy is the write policy applied by the upsert engine.
type Policy int

const (
	// PolicyCreate: plain create, natural-key collisions are pre-checked by the caller.
	PolicyCreate Policy = iota
	// PolicyUpsertKeepKnown: on conflict update, never overwriting a known value with a blank.
	PolicyUpsertKeepKnown
	// PolicyIgnore: on conflict do nothing (first write wins).
	PolicyIgnore
	// PolicyOverwrite: on conflict overwrite unconditionally.
	PolicyOverwrite
	// PolicyAppend: no conflict key.
	PolicyAppend
)

func (p Policy) String() string {
	switch p {
	case PolicyCreate:
		return "create"
	case PolicyUpsertKeepKnown:
		return "upsert-keep-known"
	case PolicyIgnore:
		return "ignore-on-conflict"
	case PolicyOverwrite:
		return "overwrite-on-conflict"
	default:
		return "append"
	}
}

// Column describes one sheet column.
type Column struct {
	Key      string
	Label    string
	Kind     Kind
	Required bool
	Lookup   Concept
	// Derived columns are written on export and ignored on import.
	Derived bool
	// ExportOnly columns are absent from the import template.
	ExportOnly bool
}

// Spec describes one entity.
type Spec struct {
	Entity      Entity
	Table       string
	Sheet       string   // import template sheet name
	Title       string   // human-readable export sheet name
	Aliases     []string // legacy sheet names accepted on import
	Columns     []Column
	Owned       bool // carries patient_id
	Policy      Policy
	ConflictKey []string
}

var specs = map[Entity]*Spec{
	Patient: {
		Entity:  Patient,
		Table:   "patients",
		Sheet:   "patients",
		Title:   "Patients",
		Aliases: []string{"pasien"},
		Policy:  PolicyCreate,
		Columns: []Column{
			{Key: "id", Label: "ID", Kind: Integer, ExportOnly: true},
			{Key: "full_name", Label: "Full Name", Required: true},
			{Key: "birth_place", Label: "Birth Place"},
			{Key: "birth_date", Label: "Birth Date", Kind: Date},
			{Key: "nik", Label: "National ID"},
			{Key: "age_years", Label: "Age (Years)", Kind: Integer, Derived: true, ExportOnly: true},
			{Key: "blood_group", Label: "Blood Group", Lookup: BloodGroups},
			{Key: "rhesus", Label: "Rhesus", Lookup: RhesusFactors},
			{Key: "gender", Label: "Gender", Lookup: Genders},
			{Key: "occupation", Label: "Occupation", Lookup: Occupations},
			{Key: "education", Label: "Education", Lookup: EducationLevels},
			{Key: "address", Label: "Address"},
			{Key: "village", Label: "Village"},
			{Key: "district", Label: "District"},
			{Key: "phone", Label: "Phone"},
			{Key: "province", Label: "Province"},
			{Key: "city", Label: "City"},
			{Key: BranchColumn, Label: "Branch"},
			{Key: "coverage_city", Label: "Coverage City"},
			{Key: "note", Label: "Note"},
		},
	},
	Diagnosis: {
		Entity:      Diagnosis,
		Table:       "hemo_diagnoses",
		Sheet:       "diagnoses",
		Title:       "Diagnoses",
		Aliases:     []string{"diagnosa"},
		Owned:       true,
		Policy:      PolicyUpsertKeepKnown,
		ConflictKey: []string{OwnerColumn, "hemo_type"},
		Columns: ownedColumns(
			Column{Key: "hemo_type", Label: "Hemophilia Type", Required: true, Lookup: HemoTypes},
			Column{Key: "severity", Label: "Severity", Required: true, Lookup: Severities},
			Column{Key: "diagnosed_on", Label: "Diagnosed On", Kind: Date},
			Column{Key: "source", Label: "Source"},
		),
	},
	Contact: {
		Entity:  Contact,
		Table:   "contacts",
		Sheet:   "contacts",
		Title:   "Contacts",
		Aliases: []string{"kontak"},
		Owned:   true,
		Policy:  PolicyAppend,
		Columns: ownedColumns(
			Column{Key: "relation", Label: "Relation", Required: true, Lookup: Relations},
			Column{Key: "name", Label: "Contact Name", Required: true},
			Column{Key: "phone", Label: "Contact Phone"},
			Column{Key: "is_primary", Label: "Primary", Kind: Bool},
		),
	},
	Inhibitor: {
		Entity:  Inhibitor,
		Table:   "inhibitors",
		Sheet:   "inhibitors",
		Title:   "Inhibitors",
		Aliases: []string{"inhibitor"},
		Owned:   true,
		Policy:  PolicyAppend,
		Columns: ownedColumns(
			Column{Key: "factor", Label: "Factor", Required: true, Lookup: InhibitorFactors},
			Column{Key: "titer_bu", Label: "Titer (BU)", Kind: Decimal},
			Column{Key: "measured_on", Label: "Measured On", Kind: Date},
			Column{Key: "lab", Label: "Lab"},
		),
	},
	VirusTest: {
		Entity:      VirusTest,
		Table:       "virus_tests",
		Sheet:       "virus_tests",
		Title:       "Virus Tests",
		Aliases:     []string{"virus tes"},
		Owned:       true,
		Policy:      PolicyIgnore,
		ConflictKey: []string{OwnerColumn, "test_type", "tested_on"},
		Columns: ownedColumns(
			Column{Key: "test_type", Label: "Test Type", Required: true, Lookup: VirusTestTypes},
			Column{Key: "result", Label: "Result", Lookup: TestResults},
			Column{Key: "tested_on", Label: "Tested On", Kind: Date, Required: true},
			Column{Key: "lab", Label: "Lab"},
		),
	},
	Treatment: {
		Entity:  Treatment,
		Table:   "treatment_hospitals",
		Sheet:   "treatment_hospitals",
		Title:   "Treatment Hospitals",
		Aliases: []string{"rs penangan"},
		Owned:   true,
		Policy:  PolicyAppend,
		Columns: ownedColumns(
			Column{Key: "hospital_name", Label: "Hospital", Required: true, Lookup: HospitalNames},
			Column{Key: "hospital_city", Label: "Hospital City", Derived: true, ExportOnly: true},
			Column{Key: "hospital_province", Label: "Hospital Province", Derived: true, ExportOnly: true},
			Column{Key: "date_of_visit", Label: "Date of Visit", Kind: Date},
			Column{Key: "doctor_in_charge", Label: "Doctor in Charge"},
			Column{Key: "treatment_type", Label: "Treatment Type", Lookup: TreatmentTypes},
			Column{Key: "care_services", Label: "Care Services", Lookup: CareServices},
			Column{Key: "frequency", Label: "Frequency"},
			Column{Key: "dose", Label: "Dose"},
			Column{Key: "product", Label: "Product", Lookup: Products},
			Column{Key: "merk", Label: "Brand"},
		),
	},
	Death: {
		Entity:      Death,
		Table:       "deaths",
		Sheet:       "deaths",
		Title:       "Deaths",
		Aliases:     []string{"kematian"},
		Owned:       true,
		Policy:      PolicyOverwrite,
		ConflictKey: []string{OwnerColumn},
		Columns: ownedColumns(
			Column{Key: "cause_of_death", Label: "Cause of Death"},
			Column{Key: "year_of_death", Label: "Year of Death", Kind: Integer, Required: true},
		),
	},
	Hospital: {
		Entity: Hospital,
		Table:  "hospitals",
		Title:  "Hospitals",
		Policy: PolicyAppend,
	},
	Region: {
		Entity: Region,
		Table:  "regions",
		Title:  "Regions",
		Policy: PolicyAppend,
	},
}

// ownedColumns prefixes the record id and the patient reference columns.
func ownedColumns(cols ...Column) []Column {
	out := []Column{
		{Key: "id", Label: "ID", Kind: Integer, ExportOnly: true},
		{Key: OwnerColumn, Label: "Patient ID", Kind: Reference, Lookup: PatientIDs},
		{Key: "full_name", Label: "Patient Name"},
	}
	return append(out, cols...)
}

// DependentOrder is the fixed order in which dependent sheets are imported.
var DependentOrder = []Entity{Diagnosis, Contact, Inhibitor, VirusTest, Treatment, Death}

// SheetOrder is the workbook sheet order, patients first.
var SheetOrder = append([]Entity{Patient}, DependentOrder...)

// Lookup returns the spec for an entity, or nil.
func Lookup(e Entity) *Spec { return specs[e] }

// Table returns the table name of an entity.
func Table(e Entity) string {
	if s := specs[e]; s != nil {
		return s.Table
	}
	return ""
}

// IsOwned reports whether the entity belongs to a patient.
func IsOwned(e Entity) bool {
	s := specs[e]
	return s != nil && s.Owned
}

// SpecForSheet matches a workbook sheet name against template, export and
// legacy names, case-insensitively.
func SpecForSheet(name string) (*Spec, bool) {
	n := fold(name)
	for _, e := range SheetOrder {
		s := specs[e]
		if fold(s.Sheet) == n || fold(s.Title) == n {
			return s, true
		}
		for _, a := range s.Aliases {
			if fold(a) == n {
				return s, true
			}
		}
	}
	return nil, false
}

// ColumnFor matches a header cell against column keys and labels.
func (s *Spec) ColumnFor(header string) (Column, bool) {
	h := fold(header)
	if h == "" {
		return Column{}, false
	}
	for _, c := range s.Columns {
		if fold(c.Key) == h || fold(c.Label) == h {
			return c, true
		}
	}
	return Column{}, false
}

// TemplateColumns are the columns offered in the import template.
func (s *Spec) TemplateColumns() []Column {
	out := make([]Column, 0, len(s.Columns))
	for _, c := range s.Columns {
		if !c.ExportOnly {
			out = append(out, c)
		}
	}
	return out
}

// RequiredKeys lists the keys that must be non-empty on import.
func (s *Spec) RequiredKeys() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Required {
			out = append(out, c.Key)
		}
	}
	return out
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
