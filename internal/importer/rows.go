package importer

import (
	"strings"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/workbook"
)

func patientFromRow(row workbook.Row) (*domain.Patient, error) {
	name := strings.Join(strings.Fields(row.Get("full_name")), " ")
	if name == "" {
		return nil, &domain.ValidationError{Field: "full_name", Reason: "required"}
	}
	born, err := row.Date("birth_date")
	if err != nil {
		return nil, err
	}
	nik := strings.TrimSpace(row.Get("nik"))
	if err := domain.ValidateNationalID(nik); err != nil {
		return nil, err
	}
	return &domain.Patient{
		FullName:     name,
		NationalID:   nik,
		BirthPlace:   row.Get("birth_place"),
		BirthDate:    born,
		BloodGroup:   row.Get("blood_group"),
		Rhesus:       row.Get("rhesus"),
		Gender:       row.Get("gender"),
		Occupation:   row.Get("occupation"),
		Education:    row.Get("education"),
		Address:      row.Get("address"),
		Village:      row.Get("village"),
		District:     row.Get("district"),
		City:         row.Get("city"),
		Province:     row.Get("province"),
		Phone:        row.Get("phone"),
		Branch:       row.Get(catalog.BranchColumn),
		CoverageCity: row.Get("coverage_city"),
		Note:         row.Get("note"),
	}, nil
}

func diagnosisFromRow(row workbook.Row, patientID int64) (*domain.Diagnosis, error) {
	on, err := row.Date("diagnosed_on")
	if err != nil {
		return nil, err
	}
	return &domain.Diagnosis{
		PatientID:   patientID,
		HemoType:    row.Get("hemo_type"),
		Severity:    row.Get("severity"),
		DiagnosedOn: on,
		Source:      row.Get("source"),
	}, nil
}

func contactFromRow(row workbook.Row, patientID int64) *domain.Contact {
	return &domain.Contact{
		PatientID: patientID,
		Relation:  row.Get("relation"),
		Name:      row.Get("name"),
		Phone:     row.Get("phone"),
		IsPrimary: row.Bool("is_primary"),
	}
}

func inhibitorFromRow(row workbook.Row, patientID int64) (*domain.InhibitorMeasurement, error) {
	titer, err := row.Float("titer_bu")
	if err != nil {
		return nil, err
	}
	on, err := row.Date("measured_on")
	if err != nil {
		return nil, err
	}
	return &domain.InhibitorMeasurement{
		PatientID:  patientID,
		Factor:     row.Get("factor"),
		TiterBU:    titer,
		MeasuredOn: on,
		Lab:        row.Get("lab"),
	}, nil
}

func virusTestFromRow(row workbook.Row, patientID int64) (*domain.VirusTest, error) {
	on, err := row.Date("tested_on")
	if err != nil {
		return nil, err
	}
	return &domain.VirusTest{
		PatientID: patientID,
		TestType:  row.Get("test_type"),
		Result:    row.Get("result"),
		TestedOn:  on,
		Lab:       row.Get("lab"),
	}, nil
}

func treatmentFromRow(row workbook.Row, patientID int64, hospital domain.Hospital) (*domain.TreatmentEpisode, error) {
	visit, err := row.Date("date_of_visit")
	if err != nil {
		return nil, err
	}
	return &domain.TreatmentEpisode{
		PatientID:      patientID,
		HospitalID:     hospital.ID,
		HospitalName:   hospital.Name,
		VisitDate:      visit,
		DoctorInCharge: row.Get("doctor_in_charge"),
		TreatmentType:  row.Get("treatment_type"),
		CareServices:   row.Get("care_services"),
		Frequency:      row.Get("frequency"),
		Dose:           row.Get("dose"),
		Product:        row.Get("product"),
		Brand:          row.Get("merk"),
	}, nil
}

func deathFromRow(row workbook.Row, patientID int64) (*domain.DeathRecord, error) {
	year, err := row.Int("year_of_death")
	if err != nil {
		return nil, err
	}
	return &domain.DeathRecord{
		PatientID:    patientID,
		CauseOfDeath: row.Get("cause_of_death"),
		YearOfDeath:  year,
	}, nil
}
