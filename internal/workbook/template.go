package workbook

import (
	"fmt"
	"strings"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"

	"github.com/xuri/excelize/v2"
)

const (
	ReadmeSheet         = "README"
	LookupsSheet        = "lookups"
	PatientLookupSheet  = "data_patients_lookup"
	HospitalLookupSheet = "data_hospitals_lookup"
)

// TemplateInput is the directory state a template reflects.
type TemplateInput struct {
	Lookups   map[catalog.Concept][]string
	Patients  []domain.PatientIdentity // visible to the caller
	Hospitals []domain.Hospital
}

// BuildTemplate writes the import template: a README, one empty data sheet
// per entity keyed by machine names, and hidden lookup sheets. Every picklist
// column validates against the defined name of its concept, so editing a
// lookup range updates every column bound to it. Concepts without values get
// no validation.
func BuildTemplate(in TemplateInput) ([]byte, error) {
	f, err := newFile(ReadmeSheet)
	if err != nil {
		return nil, err
	}
	fail := func(err error) ([]byte, error) {
		f.Close()
		return nil, err
	}

	style, err := newHeaderStyle(f)
	if err != nil {
		return fail(fmt.Errorf("failed to create header style: %w", err))
	}
	if err := writeReadme(f); err != nil {
		return fail(err)
	}

	for _, e := range catalog.SheetOrder {
		spec := catalog.Lookup(e)
		if _, err := f.NewSheet(spec.Sheet); err != nil {
			return fail(fmt.Errorf("failed to create sheet %s: %w", spec.Sheet, err))
		}
		cols := spec.TemplateColumns()
		headers := make([]string, len(cols))
		for i, c := range cols {
			headers[i] = c.Key
		}
		if err := writeHeader(f, spec.Sheet, headers, style); err != nil {
			return fail(err)
		}
	}

	names, err := writeLookups(f, in.Lookups, style)
	if err != nil {
		return fail(err)
	}
	if ref, err := writePatientLookup(f, in.Patients, style); err != nil {
		return fail(err)
	} else if ref != "" {
		names[catalog.PatientIDs] = ref
	}
	if ref, err := writeHospitalLookup(f, in.Hospitals, style); err != nil {
		return fail(err)
	} else if ref != "" {
		names[catalog.HospitalNames] = ref
	}

	for concept, ref := range names {
		if err := f.SetDefinedName(&excelize.DefinedName{
			Name:     concept.DefinedName(),
			RefersTo: ref,
		}); err != nil {
			return fail(fmt.Errorf("failed to define name %s: %w", concept.DefinedName(), err))
		}
	}

	for _, e := range catalog.SheetOrder {
		spec := catalog.Lookup(e)
		for i, c := range spec.TemplateColumns() {
			if c.Lookup == "" {
				continue
			}
			if _, ok := names[c.Lookup]; !ok {
				continue
			}
			if err := addDropList(f, spec.Sheet, i+1, c.Lookup); err != nil {
				return fail(err)
			}
		}
	}

	for _, sheet := range []string{LookupsSheet, PatientLookupSheet, HospitalLookupSheet} {
		if err := f.SetSheetVisible(sheet, false); err != nil {
			return fail(fmt.Errorf("failed to hide sheet %s: %w", sheet, err))
		}
	}
	if err := f.ProtectSheet(LookupsSheet, &excelize.SheetProtectionOptions{
		SelectLockedCells:   true,
		SelectUnlockedCells: true,
	}); err != nil {
		return fail(fmt.Errorf("failed to protect lookups sheet: %w", err))
	}
	return finish(f)
}

// addDropList binds a data column to a concept's defined name. Identity
// picklists only warn on values outside the list: the importer re-validates
// references, and rows may point at patients declared in the same workbook.
func addDropList(f *excelize.File, sheet string, col int, concept catalog.Concept) error {
	sqref, err := columnRange(col)
	if err != nil {
		return err
	}
	dv := excelize.NewDataValidation(true)
	dv.Sqref = sqref
	dv.SetSqrefDropList(concept.DefinedName())
	if concept.IsIdentity() {
		dv.SetError(excelize.DataValidationErrorStyleWarning, "Not in list", "This value is not a known "+strings.TrimSuffix(string(concept), "s")+"; it will be checked on import.")
	} else {
		dv.SetError(excelize.DataValidationErrorStyleStop, "Invalid value", "Pick a value from the list.")
	}
	if err := f.AddDataValidation(sheet, dv); err != nil {
		return fmt.Errorf("failed to add validation on %s!%s: %w", sheet, sqref, err)
	}
	return nil
}

// writeLookups lays out one column per enumerated concept and returns the
// range of every non-empty concept.
func writeLookups(f *excelize.File, lookups map[catalog.Concept][]string, style int) (map[catalog.Concept]string, error) {
	if _, err := f.NewSheet(LookupsSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet %s: %w", LookupsSheet, err)
	}
	headers := make([]string, len(catalog.LookupTables))
	for i, lt := range catalog.LookupTables {
		headers[i] = string(lt.Concept)
	}
	if err := writeHeader(f, LookupsSheet, headers, style); err != nil {
		return nil, err
	}

	refs := make(map[catalog.Concept]string)
	for i, lt := range catalog.LookupTables {
		values := lookups[lt.Concept]
		for r, v := range values {
			if err := setCellValue(f, LookupsSheet, i+1, r+2, v); err != nil {
				return nil, fmt.Errorf("failed to write lookup %s: %w", lt.Concept, err)
			}
		}
		if len(values) == 0 {
			continue
		}
		ref, err := cellRef(LookupsSheet, i+1, 2, len(values)+1)
		if err != nil {
			return nil, err
		}
		refs[lt.Concept] = ref
	}
	return refs, nil
}

func writePatientLookup(f *excelize.File, patients []domain.PatientIdentity, style int) (string, error) {
	if _, err := f.NewSheet(PatientLookupSheet); err != nil {
		return "", fmt.Errorf("failed to create sheet %s: %w", PatientLookupSheet, err)
	}
	if err := writeHeader(f, PatientLookupSheet, []string{"id", "full_name", catalog.BranchColumn}, style); err != nil {
		return "", err
	}
	for r, p := range patients {
		for c, v := range []any{p.ID, p.FullName, p.Branch} {
			if err := setCellValue(f, PatientLookupSheet, c+1, r+2, v); err != nil {
				return "", err
			}
		}
	}
	if len(patients) == 0 {
		return "", nil
	}
	return cellRef(PatientLookupSheet, 1, 2, len(patients)+1)
}

func writeHospitalLookup(f *excelize.File, hospitals []domain.Hospital, style int) (string, error) {
	if _, err := f.NewSheet(HospitalLookupSheet); err != nil {
		return "", fmt.Errorf("failed to create sheet %s: %w", HospitalLookupSheet, err)
	}
	if err := writeHeader(f, HospitalLookupSheet, []string{"name", "city", "province"}, style); err != nil {
		return "", err
	}
	for r, h := range hospitals {
		for c, v := range []any{h.Name, h.City, h.Province} {
			if err := setCellValue(f, HospitalLookupSheet, c+1, r+2, v); err != nil {
				return "", err
			}
		}
	}
	if len(hospitals) == 0 {
		return "", nil
	}
	return cellRef(HospitalLookupSheet, 1, 2, len(hospitals)+1)
}

var readmeLines = []string{
	"Registry import template",
	"",
	"1. Fill the patients sheet first. Existing patients are matched by national id, then by name.",
	"2. Dependent sheets reference a patient by patient_id or, when blank, by full_name.",
	"3. A numeric patient_id always wins over the name.",
	"4. Hospitals must match the hospital directory exactly; unknown hospitals are skipped.",
	"5. Dates use YYYY-MM-DD.",
	"6. Diagnoses are unique per patient and hemophilia type; virus tests per patient, test and date; one death record per patient.",
	"7. Rows outside your branch are skipped and reported.",
}

func writeReadme(f *excelize.File) error {
	for i, line := range readmeLines {
		if err := setCellValue(f, ReadmeSheet, 1, i+1, line); err != nil {
			return fmt.Errorf("failed to write readme: %w", err)
		}
	}
	return f.SetColWidth(ReadmeSheet, "A", "A", 110)
}
