package service

import (
	"strings"
	"time"

	"pwh-registry/internal/domain"
)

// DateLayout is the wire format of every date field.
const DateLayout = "2006-01-02"

func parseDate(field, v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return nil, &domain.ValidationError{Field: field, Reason: "expected date as YYYY-MM-DD"}
	}
	return &t, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}

// PatientPayload 患者写入请求（前端格式）
type PatientPayload struct {
	FullName     string `json:"full_name"`
	NationalID   string `json:"nik"`
	BirthPlace   string `json:"birth_place"`
	BirthDate    string `json:"birth_date"`
	BloodGroup   string `json:"blood_group"`
	Rhesus       string `json:"rhesus"`
	Gender       string `json:"gender"`
	Occupation   string `json:"occupation"`
	Education    string `json:"education"`
	Address      string `json:"address"`
	Village      string `json:"village"`
	District     string `json:"district"`
	City         string `json:"city"`
	Province     string `json:"province"`
	Phone        string `json:"phone"`
	Branch       string `json:"branch_tag"`
	CoverageCity string `json:"coverage_city"`
	Note         string `json:"note"`
}

// ToPatient converts the payload into the domain model.
func (p PatientPayload) ToPatient() (domain.Patient, error) {
	born, err := parseDate("birth_date", p.BirthDate)
	if err != nil {
		return domain.Patient{}, err
	}
	return domain.Patient{
		FullName:     p.FullName,
		NationalID:   p.NationalID,
		BirthPlace:   p.BirthPlace,
		BirthDate:    born,
		BloodGroup:   p.BloodGroup,
		Rhesus:       p.Rhesus,
		Gender:       p.Gender,
		Occupation:   p.Occupation,
		Education:    p.Education,
		Address:      p.Address,
		Village:      p.Village,
		District:     p.District,
		City:         p.City,
		Province:     p.Province,
		Phone:        p.Phone,
		Branch:       p.Branch,
		CoverageCity: p.CoverageCity,
		Note:         p.Note,
	}, nil
}

// PatientItem 患者（前端格式，含派生年龄）
type PatientItem struct {
	ID int64 `json:"id"`
	PatientPayload
	AgeYears *int `json:"age_years"`
}

func toPatientItem(p *domain.Patient, now time.Time) PatientItem {
	return PatientItem{
		ID: p.ID,
		PatientPayload: PatientPayload{
			FullName:     p.FullName,
			NationalID:   p.NationalID,
			BirthPlace:   p.BirthPlace,
			BirthDate:    formatDate(p.BirthDate),
			BloodGroup:   p.BloodGroup,
			Rhesus:       p.Rhesus,
			Gender:       p.Gender,
			Occupation:   p.Occupation,
			Education:    p.Education,
			Address:      p.Address,
			Village:      p.Village,
			District:     p.District,
			City:         p.City,
			Province:     p.Province,
			Phone:        p.Phone,
			Branch:       p.Branch,
			CoverageCity: p.CoverageCity,
			Note:         p.Note,
		},
		AgeYears: p.AgeOn(now),
	}
}

// DiagnosisPayload 诊断
type DiagnosisPayload struct {
	ID          int64  `json:"id,omitempty"`
	HemoType    string `json:"hemo_type"`
	Severity    string `json:"severity"`
	DiagnosedOn string `json:"diagnosed_on"`
	Source      string `json:"source"`
}

// InhibitorPayload 抑制物检测
type InhibitorPayload struct {
	ID         int64    `json:"id,omitempty"`
	Factor     string   `json:"factor"`
	TiterBU    *float64 `json:"titer_bu"`
	MeasuredOn string   `json:"measured_on"`
	Lab        string   `json:"lab"`
}

// VirusTestPayload 病毒检测
type VirusTestPayload struct {
	ID       int64  `json:"id,omitempty"`
	TestType string `json:"test_type"`
	Result   string `json:"result"`
	TestedOn string `json:"tested_on"`
	Lab      string `json:"lab"`
}

// TreatmentPayload 医院治疗记录，医院按名称精确匹配
type TreatmentPayload struct {
	ID             int64  `json:"id,omitempty"`
	HospitalName   string `json:"hospital_name"`
	VisitDate      string `json:"date_of_visit"`
	DoctorInCharge string `json:"doctor_in_charge"`
	TreatmentType  string `json:"treatment_type"`
	CareServices   string `json:"care_services"`
	Frequency      string `json:"frequency"`
	Dose           string `json:"dose"`
	Product        string `json:"product"`
	Brand          string `json:"merk"`
}

// ContactPayload 紧急联系人
type ContactPayload struct {
	ID        int64  `json:"id,omitempty"`
	Relation  string `json:"relation"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	IsPrimary bool   `json:"is_primary"`
}

// DeathPayload 死亡记录
type DeathPayload struct {
	ID           int64  `json:"id,omitempty"`
	CauseOfDeath string `json:"cause_of_death"`
	YearOfDeath  *int   `json:"year_of_death"`
}

// PatientDetailResponse 患者详情响应
type PatientDetailResponse struct {
	Patient    PatientItem        `json:"patient"`
	Diagnoses  []DiagnosisPayload `json:"diagnoses"`
	Contacts   []ContactPayload   `json:"contacts"`
	Inhibitors []InhibitorPayload `json:"inhibitors"`
	VirusTests []VirusTestPayload `json:"virus_tests"`
	Treatments []TreatmentPayload `json:"treatments"`
	Death      *DeathPayload      `json:"death"`
}

func toDetailResponse(d *domain.PatientDetail, now time.Time) *PatientDetailResponse {
	out := &PatientDetailResponse{
		Patient:    toPatientItem(d.Patient, now),
		Diagnoses:  make([]DiagnosisPayload, 0, len(d.Diagnoses)),
		Contacts:   make([]ContactPayload, 0, len(d.Contacts)),
		Inhibitors: make([]InhibitorPayload, 0, len(d.Inhibitors)),
		VirusTests: make([]VirusTestPayload, 0, len(d.VirusTests)),
		Treatments: make([]TreatmentPayload, 0, len(d.Treatments)),
	}
	for _, x := range d.Diagnoses {
		out.Diagnoses = append(out.Diagnoses, DiagnosisPayload{
			ID: x.ID, HemoType: x.HemoType, Severity: x.Severity, DiagnosedOn: formatDate(x.DiagnosedOn), Source: x.Source,
		})
	}
	for _, x := range d.Contacts {
		out.Contacts = append(out.Contacts, ContactPayload{
			ID: x.ID, Relation: x.Relation, Name: x.Name, Phone: x.Phone, IsPrimary: x.IsPrimary,
		})
	}
	for _, x := range d.Inhibitors {
		out.Inhibitors = append(out.Inhibitors, InhibitorPayload{
			ID: x.ID, Factor: x.Factor, TiterBU: x.TiterBU, MeasuredOn: formatDate(x.MeasuredOn), Lab: x.Lab,
		})
	}
	for _, x := range d.VirusTests {
		out.VirusTests = append(out.VirusTests, VirusTestPayload{
			ID: x.ID, TestType: x.TestType, Result: x.Result, TestedOn: formatDate(x.TestedOn), Lab: x.Lab,
		})
	}
	for _, x := range d.Treatments {
		out.Treatments = append(out.Treatments, TreatmentPayload{
			ID: x.ID, HospitalName: x.HospitalName, VisitDate: formatDate(x.VisitDate), DoctorInCharge: x.DoctorInCharge,
			TreatmentType: x.TreatmentType, CareServices: x.CareServices, Frequency: x.Frequency, Dose: x.Dose,
			Product: x.Product, Brand: x.Brand,
		})
	}
	if d.Death != nil {
		out.Death = &DeathPayload{ID: d.Death.ID, CauseOfDeath: d.Death.CauseOfDeath, YearOfDeath: d.Death.YearOfDeath}
	}
	return out
}
