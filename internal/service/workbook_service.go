package service

import (
	"context"
	"fmt"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/directory"
	"pwh-registry/internal/domain"
	"pwh-registry/internal/importer"
	"pwh-registry/internal/scope"
	"pwh-registry/internal/workbook"

	"go.uber.org/zap"
)

// ExportSource reads the rows of one export sheet.
type ExportSource interface {
	ExportRows(ctx context.Context, caller scope.Caller, e catalog.Entity) ([]map[string]any, error)
}

// ProgressSource replays the progress events of an import run.
type ProgressSource interface {
	Progress(ctx context.Context, runID string) ([]importer.Progress, error)
}

// WorkbookService 工作簿导出/模板/导入服务
type WorkbookService struct {
	rows     ExportSource
	dir      *directory.Directory
	engine   *importer.Engine
	progress ProgressSource // nil 表示未启用 Redis 进度流
	logger   *zap.Logger
}

// NewWorkbookService 创建工作簿服务
func NewWorkbookService(rows ExportSource, dir *directory.Directory, engine *importer.Engine, progress ProgressSource, logger *zap.Logger) *WorkbookService {
	return &WorkbookService{
		rows:     rows,
		dir:      dir,
		engine:   engine,
		progress: progress,
		logger:   logger,
	}
}

// Export 导出调用者可见的全部数据（人类可读的工作表名和列名）
func (s *WorkbookService) Export(ctx context.Context, caller scope.Caller) ([]byte, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	rows := make(map[catalog.Entity][]map[string]any, len(catalog.SheetOrder))
	for _, e := range catalog.SheetOrder {
		r, err := s.rows.ExportRows(ctx, caller, e)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", e, err)
		}
		rows[e] = r
	}
	data, err := workbook.BuildExport(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to build export workbook: %w", err)
	}
	s.logger.Info("Workbook exported",
		zap.String("user", caller.User),
		zap.String("branch", caller.Branch),
		zap.Int("patients", len(rows[catalog.Patient])),
	)
	return data, nil
}

// Template 生成导入模板，反映生成时的查找表、可见患者和医院目录
func (s *WorkbookService) Template(ctx context.Context, caller scope.Caller) ([]byte, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	lookups, err := s.dir.Lookups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load lookups: %w", err)
	}
	patients, err := s.dir.PatientOptions(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient options: %w", err)
	}
	hospitals, err := s.dir.Hospitals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load hospitals: %w", err)
	}
	return workbook.BuildTemplate(workbook.TemplateInput{
		Lookups:   lookups,
		Patients:  patients,
		Hospitals: hospitals,
	})
}

// Import 批量导入上传的工作簿
// 行级失败只计入报告；连接中断时返回部分报告和错误
func (s *WorkbookService) Import(ctx context.Context, caller scope.Caller, data []byte) (*importer.Report, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &domain.ValidationError{Field: "file", Reason: "workbook is empty"}
	}
	report, err := s.engine.Run(ctx, data, caller)
	if report != nil {
		total := report.Total()
		s.logger.Info("Workbook imported",
			zap.String("run_id", report.RunID),
			zap.String("user", caller.User),
			zap.String("branch", caller.Branch),
			zap.Int("imported", total.Imported),
			zap.Int("skipped", total.Skipped),
			zap.Int("errored", total.Errored),
			zap.Bool("failed", report.Failed()),
		)
	}
	return report, err
}

// ImportProgress 读取某次导入的进度事件；非超级用户只能看到本分支发起的导入
func (s *WorkbookService) ImportProgress(ctx context.Context, caller scope.Caller, runID string) ([]importer.Progress, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if s.progress == nil {
		return nil, fmt.Errorf("import progress stream is not enabled")
	}
	events, err := s.progress.Progress(ctx, runID)
	if err != nil {
		return nil, err
	}
	visible := events[:0:0]
	for _, ev := range events {
		if caller.SuperUser() || ev.Branch == caller.Branch {
			visible = append(visible, ev)
		}
	}
	if len(visible) == 0 {
		return nil, fmt.Errorf("import run %s: %w", runID, domain.ErrNotFound)
	}
	return visible, nil
}
