package catalog

// Concept names a picklist. Each concept is bound to exactly one defined name
// in the import template so every column using it shares a single source.
type Concept string

const (
	BloodGroups      Concept = "blood_groups"
	RhesusFactors    Concept = "rhesus"
	Genders          Concept = "genders"
	HemoTypes        Concept = "hemo_types"
	Severities       Concept = "severities"
	EducationLevels  Concept = "education_levels"
	InhibitorFactors Concept = "inhibitor_factors"
	VirusTestTypes   Concept = "virus_tests"
	TestResults      Concept = "test_results"
	Relations        Concept = "relations"
	Occupations      Concept = "occupations"
	TreatmentTypes   Concept = "treatment_types"
	CareServices     Concept = "care_services"
	Products         Concept = "products"

	// identity concepts come from directories, not helper tables
	PatientIDs    Concept = "patient_ids"
	HospitalNames Concept = "hospital_names"
)

// LookupTable is the reference table behind an enumerated concept.
type LookupTable struct {
	Concept Concept
	Table   string
	Column  string
}

// LookupTables lists enumerated concepts in lookups-sheet column order.
var LookupTables = []LookupTable{
	{BloodGroups, "helper_blood_groups", "blood_group"},
	{RhesusFactors, "helper_rhesus", "rhesus"},
	{Genders, "helper_genders", "gender"},
	{HemoTypes, "helper_hemo_types", "hemo_type"},
	{Severities, "helper_severities", "severity"},
	{EducationLevels, "helper_education_levels", "education"},
	{InhibitorFactors, "helper_inhibitor_factors", "factor"},
	{VirusTestTypes, "helper_virus_tests", "test_type"},
	{TestResults, "helper_test_results", "result"},
	{Relations, "helper_relations", "relation"},
	{Occupations, "helper_occupations", "occupation"},
	{TreatmentTypes, "helper_treatment_types", "treatment_type"},
	{CareServices, "helper_care_services", "care_service"},
	{Products, "helper_products", "product"},
}

// DefinedName is the workbook-level name bound to a concept.
func (c Concept) DefinedName() string {
	return "lookup_" + string(c)
}

// IsIdentity reports whether the concept is sourced from a directory.
func (c Concept) IsIdentity() bool {
	return c == PatientIDs || c == HospitalNames
}
