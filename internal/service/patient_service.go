package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pwh-registry/internal/domain"
	"pwh-registry/internal/repository"
	"pwh-registry/internal/scope"

	"go.uber.org/zap"
)

// Registry is the store behind the single-row services.
type Registry interface {
	Write(ctx context.Context, fn func(w repository.RegistryWriter) error) error
	GetPatient(ctx context.Context, caller scope.Caller, id int64) (*domain.Patient, error)
	ListPatients(ctx context.Context, caller scope.Caller, f repository.PatientFilter) ([]domain.Patient, int, error)
	PatientIdentities(ctx context.Context, caller scope.Caller) ([]domain.PatientIdentity, error)
	PatientBranch(ctx context.Context, id int64) (branch string, found bool, err error)
	PatientByNationalID(ctx context.Context, nik string) (*domain.PatientIdentity, error)
	GetPatientDetail(ctx context.Context, caller scope.Caller, id int64) (*domain.PatientDetail, error)
	HospitalByName(ctx context.Context, name string) (*domain.Hospital, error)
}

// PatientService 患者服务
type PatientService struct {
	repo   Registry
	logger *zap.Logger
	now    func() time.Time
}

// NewPatientService 创建患者服务
func NewPatientService(repo Registry, logger *zap.Logger) *PatientService {
	return &PatientService{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// CreatePatient 创建患者
// 姓名必填；NIK 全局唯一；姓名在调用者可见范围内唯一；非超级用户只能写自己的分支
func (s *PatientService) CreatePatient(ctx context.Context, caller scope.Caller, p domain.Patient) (int64, error) {
	if err := s.prepare(ctx, caller, &p, 0); err != nil {
		return 0, err
	}

	var id int64
	err := s.repo.Write(ctx, func(w repository.RegistryWriter) error {
		var err error
		id, err = w.CreatePatient(ctx, &p)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Patient created",
		zap.Int64("patient_id", id),
		zap.String("branch", p.Branch),
		zap.String("user", caller.User),
	)
	return id, nil
}

// UpdatePatient 更新患者（全量覆盖）
func (s *PatientService) UpdatePatient(ctx context.Context, caller scope.Caller, id int64, p domain.Patient) error {
	if err := caller.Validate(); err != nil {
		return err
	}
	if _, err := s.visible(ctx, caller, id); err != nil {
		return err
	}
	p.ID = id
	if err := s.prepare(ctx, caller, &p, id); err != nil {
		return err
	}
	return s.repo.Write(ctx, func(w repository.RegistryWriter) error {
		return w.UpdatePatient(ctx, &p)
	})
}

// prepare normalizes p and runs the collision checks against every patient
// other than self.
func (s *PatientService) prepare(ctx context.Context, caller scope.Caller, p *domain.Patient, self int64) error {
	if err := caller.Validate(); err != nil {
		return err
	}
	p.FullName = strings.TrimSpace(p.FullName)
	p.NationalID = strings.TrimSpace(p.NationalID)
	p.Branch = strings.TrimSpace(p.Branch)
	if p.FullName == "" {
		return &domain.ValidationError{Field: "full_name", Reason: "is required"}
	}
	if err := domain.ValidateNationalID(p.NationalID); err != nil {
		return err
	}

	if !caller.SuperUser() {
		if p.Branch == "" {
			p.Branch = caller.Branch
		}
		if p.Branch != caller.Branch {
			return &domain.AccessScopeError{Branch: p.Branch, Reason: "cannot register patients for another branch"}
		}
	}

	if p.NationalID != "" {
		owner, err := s.repo.PatientByNationalID(ctx, p.NationalID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return fmt.Errorf("failed to check national id: %w", err)
		case owner.ID != self:
			return &domain.ValidationError{Field: "nik", Reason: "national id is already registered to another patient"}
		}
	}

	visible, err := s.repo.PatientIdentities(ctx, caller)
	if err != nil {
		return fmt.Errorf("failed to check patient name: %w", err)
	}
	name := domain.NormalizeName(p.FullName)
	for _, v := range visible {
		if v.ID != self && domain.NormalizeName(v.FullName) == name {
			return &domain.ValidationError{Field: "full_name", Reason: fmt.Sprintf("name is already used by patient %d", v.ID)}
		}
	}
	return nil
}

// visible returns the patient when the caller may see it. A foreign patient
// is an AccessScopeError; a missing one is ErrNotFound.
func (s *PatientService) visible(ctx context.Context, caller scope.Caller, id int64) (*domain.Patient, error) {
	return visiblePatient(ctx, s.repo, caller, id)
}

func visiblePatient(ctx context.Context, repo Registry, caller scope.Caller, id int64) (*domain.Patient, error) {
	p, err := repo.GetPatient(ctx, caller, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	branch, found, berr := repo.PatientBranch(ctx, id)
	if berr != nil {
		return nil, berr
	}
	if found {
		return nil, &domain.AccessScopeError{Branch: branch, Reason: fmt.Sprintf("patient %d is not visible to %s", id, caller.Branch)}
	}
	return nil, domain.ErrNotFound
}

// ListPatientsRequest 查询患者列表请求
type ListPatientsRequest struct {
	Search string
	Branch string // 仅超级用户生效
	Page   int
	Size   int
}

// ListPatientsResponse 查询患者列表响应
type ListPatientsResponse struct {
	Items []PatientItem `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

// ListPatients 查询可见患者列表
func (s *PatientService) ListPatients(ctx context.Context, caller scope.Caller, req ListPatientsRequest) (*ListPatientsResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.Size <= 0 {
		req.Size = 20
	}
	if req.Size > 500 {
		req.Size = 500
	}
	filter := repository.PatientFilter{
		Search: strings.TrimSpace(req.Search),
		Limit:  req.Size,
		Offset: (req.Page - 1) * req.Size,
	}
	if caller.SuperUser() {
		filter.Branch = strings.TrimSpace(req.Branch)
	}

	patients, total, err := s.repo.ListPatients(ctx, caller, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	items := make([]PatientItem, 0, len(patients))
	for _, p := range patients {
		items = append(items, toPatientItem(&p, now))
	}
	return &ListPatientsResponse{Items: items, Total: total, Page: req.Page, Size: req.Size}, nil
}

// GetPatientDetail 查询患者详情（含全部从属记录）
func (s *PatientService) GetPatientDetail(ctx context.Context, caller scope.Caller, id int64) (*PatientDetailResponse, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.visible(ctx, caller, id); err != nil {
		return nil, err
	}
	detail, err := s.repo.GetPatientDetail(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return toDetailResponse(detail, s.now()), nil
}
