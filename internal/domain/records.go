package domain

import "time"

// Diagnosis 血友病诊断（对应 hemo_diagnoses 表）
// UNIQUE(patient_id, hemo_type)
type Diagnosis struct {
	ID          int64      `db:"id"`
	PatientID   int64      `db:"patient_id"`
	HemoType    string     `db:"hemo_type"`    // NOT NULL
	Severity    string     `db:"severity"`     // NOT NULL
	DiagnosedOn *time.Time `db:"diagnosed_on"` // nullable，冲突时仅在非空时覆盖
	Source      string     `db:"source"`       // nullable，冲突时仅在非空时覆盖
}

// InhibitorMeasurement 抑制物检测（对应 inhibitors 表），仅追加
type InhibitorMeasurement struct {
	ID         int64      `db:"id"`
	PatientID  int64      `db:"patient_id"`
	Factor     string     `db:"factor"`
	TiterBU    *float64   `db:"titer_bu"` // Bethesda Unit
	MeasuredOn *time.Time `db:"measured_on"`
	Lab        string     `db:"lab"`
}

// VirusTest 病毒检测（对应 virus_tests 表）
// UNIQUE(patient_id, test_type, tested_on)，冲突时不做任何修改
type VirusTest struct {
	ID        int64      `db:"id"`
	PatientID int64      `db:"patient_id"`
	TestType  string     `db:"test_type"`
	Result    string     `db:"result"`
	TestedOn  *time.Time `db:"tested_on"`
	Lab       string     `db:"lab"`
}

// TreatmentEpisode 医院治疗记录（对应 treatment_hospitals 表），仅追加
type TreatmentEpisode struct {
	ID             int64      `db:"id"`
	PatientID      int64      `db:"patient_id"`
	HospitalID     int64      `db:"hospital_id"`
	HospitalName   string     `db:"-"` // 按名称精确匹配 hospitals.name
	VisitDate      *time.Time `db:"date_of_visit"`
	DoctorInCharge string     `db:"doctor_in_charge"`
	TreatmentType  string     `db:"treatment_type"`
	CareServices   string     `db:"care_services"`
	Frequency      string     `db:"frequency"`
	Dose           string     `db:"dose"`
	Product        string     `db:"product"`
	Brand          string     `db:"merk"`
}

// Contact 紧急联系人（对应 contacts 表），仅追加
// is_primary 只是提示性标志，不做唯一约束
type Contact struct {
	ID        int64  `db:"id"`
	PatientID int64  `db:"patient_id"`
	Relation  string `db:"relation"`
	Name      string `db:"name"`
	Phone     string `db:"phone"`
	IsPrimary bool   `db:"is_primary"`
}

// DeathRecord 死亡记录（对应 deaths 表），UNIQUE(patient_id)
type DeathRecord struct {
	ID           int64  `db:"id"`
	PatientID    int64  `db:"patient_id"`
	CauseOfDeath string `db:"cause_of_death"`
	YearOfDeath  *int   `db:"year_of_death"`
}

// Hospital 医院目录，独立实体；导入流程从不创建
type Hospital struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	City     string `db:"city"`
	Province string `db:"province"`
}

// Region 行政区划（对应 regions 表）
type Region struct {
	Province string `db:"province"`
	City     string `db:"city"`
	District string `db:"district"`
	Village  string `db:"village"`
}

// PatientDetail bundles a patient with every dependent record.
type PatientDetail struct {
	Patient    *Patient
	Diagnoses  []Diagnosis
	Contacts   []Contact
	Inhibitors []InhibitorMeasurement
	VirusTests []VirusTest
	Treatments []TreatmentEpisode
	Death      *DeathRecord
}

// DiagnosisAge 诊断与患者出生日期的联合投影，用于年龄段统计
type DiagnosisAge struct {
	BirthDate *time.Time `db:"birth_date"`
	HemoType  string     `db:"hemo_type"`
	Severity  string     `db:"severity"`
}
