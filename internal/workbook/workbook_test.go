package workbook

import (
	"bytes"
	"testing"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func open(t *testing.T, data []byte) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func definedNames(f *excelize.File) map[string]string {
	out := make(map[string]string)
	for _, dn := range f.GetDefinedName() {
		out[dn.Name] = dn.RefersTo
	}
	return out
}

func TestBuildTemplate_Structure(t *testing.T) {
	data, err := BuildTemplate(TemplateInput{
		Lookups: map[catalog.Concept][]string{
			catalog.Severities: {"Berat", "Ringan", "Sedang"},
			catalog.HemoTypes:  {"A", "B"},
		},
		Patients:  []domain.PatientIdentity{{ID: 5, FullName: "Andi", Branch: "Jakarta"}},
		Hospitals: []domain.Hospital{{ID: 1, Name: "RSCM", City: "Jakarta"}},
	})
	require.NoError(t, err)
	f := open(t, data)

	sheets := f.GetSheetList()
	assert.Equal(t, ReadmeSheet, sheets[0])
	for _, name := range []string{"patients", "diagnoses", "contacts", "inhibitors", "virus_tests", "treatment_hospitals", "deaths", LookupsSheet, PatientLookupSheet, HospitalLookupSheet} {
		assert.Contains(t, sheets, name)
	}
	for _, name := range []string{LookupsSheet, PatientLookupSheet, HospitalLookupSheet} {
		visible, err := f.GetSheetVisible(name)
		require.NoError(t, err)
		assert.False(t, visible, name)
	}

	names := definedNames(f)
	assert.Equal(t, "lookups!$E$2:$E$4", names["lookup_severities"])
	assert.Equal(t, "lookups!$D$2:$D$3", names["lookup_hemo_types"])
	assert.Equal(t, "data_patients_lookup!$A$2:$A$2", names["lookup_patient_ids"])
	assert.Equal(t, "data_hospitals_lookup!$A$2:$A$2", names["lookup_hospital_names"])
	_, hasProducts := names["lookup_products"]
	assert.False(t, hasProducts, "empty concepts get no defined name")

	header, err := f.GetRows("diagnoses")
	require.NoError(t, err)
	assert.Equal(t, []string{"patient_id", "full_name", "hemo_type", "severity", "diagnosed_on", "source"}, header[0])
}

func TestBuildTemplate_ValidationsBindDefinedNames(t *testing.T) {
	data, err := BuildTemplate(TemplateInput{
		Lookups: map[catalog.Concept][]string{
			catalog.Severities: {"Berat", "Ringan"},
		},
		Patients: []domain.PatientIdentity{{ID: 5, FullName: "Andi"}},
	})
	require.NoError(t, err)
	f := open(t, data)

	dvs, err := f.GetDataValidations("diagnoses")
	require.NoError(t, err)

	bySqref := make(map[string]string)
	for _, dv := range dvs {
		bySqref[dv.Sqref] = dv.Formula1
	}
	// patient_id is column A, severity column D; hemo_types has no values
	assert.Contains(t, bySqref["A2:A1048576"], "lookup_patient_ids")
	assert.Contains(t, bySqref["D2:D1048576"], "lookup_severities")
	_, hasHemo := bySqref["C2:C1048576"]
	assert.False(t, hasHemo)

	dvs, err = f.GetDataValidations("treatment_hospitals")
	require.NoError(t, err)
	for _, dv := range dvs {
		assert.NotContains(t, dv.Formula1, "lookup_hospital_names", "no hospitals, no validation")
	}
}

func TestExport_ReadRoundTrip(t *testing.T) {
	born := time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC)
	data, err := BuildExport(map[catalog.Entity][]map[string]any{
		catalog.Patient: {
			{"id": int64(12), "full_name": "Andi", "birth_date": born, "age_years": 34, catalog.BranchColumn: "Jakarta", "nik": nil},
		},
		catalog.Contact: {
			{"id": int64(3), "patient_id": int64(12), "full_name": "Andi", "relation": "Ibu", "name": "Siti", "is_primary": true},
		},
		catalog.Inhibitor: {
			{"id": int64(4), "patient_id": int64(12), "full_name": "Andi", "factor": "FVIII", "titer_bu": 1.5},
		},
	})
	require.NoError(t, err)

	f := open(t, data)
	assert.Equal(t, "Patients", f.GetSheetList()[0])
	header, err := f.GetRows("Patients")
	require.NoError(t, err)
	assert.Equal(t, "Age (Years)", header[0][5])

	wb, err := Read(data)
	require.NoError(t, err)
	require.Len(t, wb.Sheets, len(catalog.SheetOrder))

	patients := wb.Sheet(catalog.Patient)
	require.Len(t, patients.Rows, 1)
	row := patients.Rows[0]
	assert.Equal(t, 2, row.Number)
	assert.Equal(t, "12", row.Get("id"))
	assert.Equal(t, "Andi", row.Get("full_name"))
	assert.Equal(t, "Jakarta", row.Get(catalog.BranchColumn))
	_, hasAge := row.Values["age_years"]
	assert.False(t, hasAge, "derived columns are not read back")
	d, err := row.Date("birth_date")
	require.NoError(t, err)
	assert.True(t, born.Equal(*d))

	contact := wb.Sheet(catalog.Contact).Rows[0]
	assert.True(t, contact.Bool("is_primary"))
	assert.Equal(t, "Siti", contact.Get("name"))

	titer, err := wb.Sheet(catalog.Inhibitor).Rows[0].Float("titer_bu")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, *titer, 1e-9)

	assert.Empty(t, wb.Sheet(catalog.Death).Rows)
}

func TestRead_LegacySheetNamesAndBlankRows(t *testing.T) {
	f := excelize.NewFile()
	_, err := f.NewSheet("Diagnosa")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Diagnosa", "A1", &[]any{"Patient ID", "Hemophilia Type", "SEVERITY", "Notes"}))
	require.NoError(t, f.SetSheetRow("Diagnosa", "A2", &[]any{"7", "A", "Berat", "x"}))
	require.NoError(t, f.SetSheetRow("Diagnosa", "A4", &[]any{"8.0", "B", "Ringan"}))
	var buf bytes.Buffer
	_, err = f.WriteTo(&buf)
	require.NoError(t, err)

	wb, err := Read(buf.Bytes())
	require.NoError(t, err)
	assert.Contains(t, wb.Ignored, "Sheet1")

	s := wb.Sheet(catalog.Diagnosis)
	require.NotNil(t, s)
	require.Len(t, s.Rows, 2)
	assert.Equal(t, 2, s.Rows[0].Number)
	assert.Equal(t, 4, s.Rows[1].Number)
	assert.Equal(t, "8.0", s.Rows[1].Get("patient_id"))
	assert.Equal(t, "Ringan", s.Rows[1].Get("severity"))
	_, hasNotes := s.Rows[0].Values["Notes"]
	assert.False(t, hasNotes)
}

func TestRow_Parsers(t *testing.T) {
	r := Row{Values: map[string]string{
		"serial": "45000",
		"dmy":    "15/03/2023",
		"bad":    "tomorrow",
		"year":   "2021.0",
		"frac":   "2021.5",
		"comma":  "0,8",
	}}

	d, err := r.Date("serial")
	require.NoError(t, err)
	assert.Equal(t, "2023-03-15", d.Format(DateLayout))

	d, err = r.Date("dmy")
	require.NoError(t, err)
	assert.Equal(t, "2023-03-15", d.Format(DateLayout))

	_, err = r.Date("bad")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	d, err = r.Date("blank")
	require.NoError(t, err)
	assert.Nil(t, d)

	y, err := r.Int("year")
	require.NoError(t, err)
	assert.Equal(t, 2021, *y)
	_, err = r.Int("frac")
	require.Error(t, err)

	v, err := r.Float("comma")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, *v, 1e-9)
}

func TestRow_Missing(t *testing.T) {
	r := Row{Values: map[string]string{"hemo_type": "A"}}
	assert.Equal(t, []string{"severity"}, r.Missing(catalog.Lookup(catalog.Diagnosis)))
}
