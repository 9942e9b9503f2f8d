package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pwh-registry/internal/domain"
	"pwh-registry/internal/repository"
	"pwh-registry/internal/scope"

	"go.uber.org/zap"
)

// RecordService 从属记录写入服务
// 每个写入先确认患者对调用者可见；不可见即拒绝（单行写入中访问越权是致命错误）
type RecordService struct {
	repo   Registry
	logger *zap.Logger
}

// NewRecordService 创建从属记录服务
func NewRecordService(repo Registry, logger *zap.Logger) *RecordService {
	return &RecordService{
		repo:   repo,
		logger: logger,
	}
}

// WriteResult 单行写入结果
type WriteResult struct {
	ID      int64  `json:"id,omitempty"`
	Outcome string `json:"outcome"`
}

func (s *RecordService) owner(ctx context.Context, caller scope.Caller, patientID int64) error {
	if err := caller.Validate(); err != nil {
		return err
	}
	_, err := visiblePatient(ctx, s.repo, caller, patientID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.ResolutionError{Kind: "patient", Ref: fmt.Sprint(patientID)}
	}
	return err
}

func (s *RecordService) upsert(ctx context.Context, fn func(w repository.RegistryWriter) (repository.Outcome, error)) (*WriteResult, error) {
	var out repository.Outcome
	err := s.repo.Write(ctx, func(w repository.RegistryWriter) error {
		var err error
		out, err = fn(w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &WriteResult{Outcome: out.String()}, nil
}

func (s *RecordService) insert(ctx context.Context, fn func(w repository.RegistryWriter) (int64, error)) (*WriteResult, error) {
	var id int64
	err := s.repo.Write(ctx, func(w repository.RegistryWriter) error {
		var err error
		id, err = fn(w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &WriteResult{ID: id, Outcome: repository.Inserted.String()}, nil
}

// UpsertDiagnosis 按 (patient, hemo_type) 写入诊断；冲突时更新 severity，日期/来源仅在非空时覆盖
func (s *RecordService) UpsertDiagnosis(ctx context.Context, caller scope.Caller, patientID int64, in DiagnosisPayload) (*WriteResult, error) {
	if err := s.owner(ctx, caller, patientID); err != nil {
		return nil, err
	}
	on, err := parseDate("diagnosed_on", in.DiagnosedOn)
	if err != nil {
		return nil, err
	}
	d := &domain.Diagnosis{
		PatientID:   patientID,
		HemoType:    strings.TrimSpace(in.HemoType),
		Severity:    strings.TrimSpace(in.Severity),
		DiagnosedOn: on,
		Source:      strings.TrimSpace(in.Source),
	}
	return s.upsert(ctx, func(w repository.RegistryWriter) (repository.Outcome, error) {
		return w.UpsertDiagnosis(ctx, d)
	})
}

// UpsertVirusTest 按 (patient, test_type, tested_on) 写入；冲突时保留首次写入
func (s *RecordService) UpsertVirusTest(ctx context.Context, caller scope.Caller, patientID int64, in VirusTestPayload) (*WriteResult, error) {
	if err := s.owner(ctx, caller, patientID); err != nil {
		return nil, err
	}
	on, err := parseDate("tested_on", in.TestedOn)
	if err != nil {
		return nil, err
	}
	v := &domain.VirusTest{
		PatientID: patientID,
		TestType:  strings.TrimSpace(in.TestType),
		Result:    strings.TrimSpace(in.Result),
		TestedOn:  on,
		Lab:       strings.TrimSpace(in.Lab),
	}
	return s.upsert(ctx, func(w repository.RegistryWriter) (repository.Outcome, error) {
		return w.UpsertVirusTest(ctx, v)
	})
}

// UpsertDeathRecord 每个患者至多一条，冲突时覆盖死因与年份
func (s *RecordService) UpsertDeathRecord(ctx context.Context, caller scope.Caller, patientID int64, in DeathPayload) (*WriteResult, error) {
	if err := s.owner(ctx, caller, patientID); err != nil {
		return nil, err
	}
	d := &domain.DeathRecord{
		PatientID:    patientID,
		CauseOfDeath: strings.TrimSpace(in.CauseOfDeath),
		YearOfDeath:  in.YearOfDeath,
	}
	return s.upsert(ctx, func(w repository.RegistryWriter) (repository.Outcome, error) {
		return w.UpsertDeathRecord(ctx, d)
	})
}

// AddInhibitor 追加抑制物检测
func (s *RecordService) AddInhibitor(ctx context.Context, caller scope.Caller, patientID int64, in InhibitorPayload) (*WriteResult, error) {
	if err := s.owner(ctx, caller, patientID); err != nil {
		return nil, err
	}
	on, err := parseDate("measured_on", in.MeasuredOn)
	if err != nil {
		return nil, err
	}
	m := &domain.InhibitorMeasurement{
		PatientID:  patientID,
		Factor:     strings.TrimSpace(in.Factor),
		TiterBU:    in.TiterBU,
		MeasuredOn: on,
		Lab:        strings.TrimSpace(in.Lab),
	}
	return s.insert(ctx, func(w repository.RegistryWriter) (int64, error) {
		return w.InsertInhibitor(ctx, m)
	})
}

// AddTreatment 追加治疗记录；医院按名称精确匹配，未匹配不会自动创建
func (s *RecordService) AddTreatment(ctx context.Context, caller scope.Caller, patientID int64, in TreatmentPayload) (*WriteResult, error) {
	if err := s.owner(ctx, caller, patientID); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.HospitalName)
	if name == "" {
		return nil, &domain.ValidationError{Field: "hospital_name", Reason: "is required"}
	}
	h, err := s.repo.HospitalByName(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.ResolutionError{Kind: "hospital", Ref: name}
	}
	if err != nil {
		return nil, err
	}
	visit, err := parseDate("date_of_visit", in.VisitDate)
	if err != nil {
		return nil, err
	}
	t := &domain.TreatmentEpisode{
		PatientID:      patientID,
		HospitalID:     h.ID,
		HospitalName:   h.Name,
		VisitDate:      visit,
		DoctorInCharge: strings.TrimSpace(in.DoctorInCharge),
		TreatmentType:  strings.TrimSpace(in.TreatmentType),
		CareServices:   strings.TrimSpace(in.CareServices),
		Frequency:      strings.TrimSpace(in.Frequency),
		Dose:           strings.TrimSpace(in.Dose),
		Product:        strings.TrimSpace(in.Product),
		Brand:          strings.TrimSpace(in.Brand),
	}
	return s.insert(ctx, func(w repository.RegistryWriter) (int64, error) {
		return w.InsertTreatment(ctx, t)
	})
}

// AddContact 追加紧急联系人
func (s *RecordService) AddContact(ctx context.Context, caller scope.Caller, patientID int64, in ContactPayload) (*WriteResult, error) {
	if err := s.owner(ctx, caller, patientID); err != nil {
		return nil, err
	}
	c := &domain.Contact{
		PatientID: patientID,
		Relation:  strings.TrimSpace(in.Relation),
		Name:      strings.TrimSpace(in.Name),
		Phone:     strings.TrimSpace(in.Phone),
		IsPrimary: in.IsPrimary,
	}
	return s.insert(ctx, func(w repository.RegistryWriter) (int64, error) {
		return w.InsertContact(ctx, c)
	})
}
