package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"pwh-registry/internal/directory"
	"pwh-registry/internal/recap"
	"pwh-registry/internal/service"

	"go.uber.org/zap"
)

// RegistryHandler registry HTTP Handler
type RegistryHandler struct {
	patients  *service.PatientService
	records   *service.RecordService
	dir       *directory.Directory
	workbooks *service.WorkbookService
	recap     *recap.Builder
	maxUpload int64
	logger    *zap.Logger
}

// NewRegistryHandler 创建 RegistryHandler
func NewRegistryHandler(
	patients *service.PatientService,
	records *service.RecordService,
	dir *directory.Directory,
	workbooks *service.WorkbookService,
	recapBuilder *recap.Builder,
	maxUpload int64,
	logger *zap.Logger,
) *RegistryHandler {
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	return &RegistryHandler{
		patients:  patients,
		records:   records,
		dir:       dir,
		workbooks: workbooks,
		recap:     recapBuilder,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

func parsePatientID(w http.ResponseWriter, s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusOK, Fail("invalid patient id"))
		return 0, false
	}
	return id, true
}

// ============================================
// 患者
// ============================================

// ListPatients GET /registry/api/v1/patients?search=&branch=&page=1&size=20
func (h *RegistryHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	resp, err := h.patients.ListPatients(r.Context(), caller, service.ListPatientsRequest{
		Search: q.Get("search"),
		Branch: q.Get("branch"),
		Page:   parseInt(q.Get("page"), 1),
		Size:   parseInt(q.Get("size"), 20),
	})
	if err != nil {
		writeError(w, h.logger, "ListPatients", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// CreatePatient POST /registry/api/v1/patients
func (h *RegistryHandler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	var payload service.PatientPayload
	if err := readBodyJSON(r, maxJSONBody, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	p, err := payload.ToPatient()
	if err != nil {
		writeError(w, h.logger, "CreatePatient", err)
		return
	}
	id, err := h.patients.CreatePatient(r.Context(), caller, p)
	if err != nil {
		writeError(w, h.logger, "CreatePatient", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"id": id}))
}

// GetPatient GET /registry/api/v1/patients/:id
func (h *RegistryHandler) GetPatient(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	detail, err := h.patients.GetPatientDetail(r.Context(), caller, id)
	if err != nil {
		writeError(w, h.logger, "GetPatient", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(detail))
}

// UpdatePatient PUT /registry/api/v1/patients/:id
func (h *RegistryHandler) UpdatePatient(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	var payload service.PatientPayload
	if err := readBodyJSON(r, maxJSONBody, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	p, err := payload.ToPatient()
	if err != nil {
		writeError(w, h.logger, "UpdatePatient", err)
		return
	}
	if err := h.patients.UpdatePatient(r.Context(), caller, id, p); err != nil {
		writeError(w, h.logger, "UpdatePatient", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"id": id}))
}

// ============================================
// 从属记录
// ============================================

// WriteRecord POST /registry/api/v1/patients/:id/{diagnoses|virus-tests|death|inhibitors|treatments|contacts}
func (h *RegistryHandler) WriteRecord(w http.ResponseWriter, r *http.Request, patientID int64, kind string) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var (
		res *service.WriteResult
		err error
	)
	decode := func(out any) bool {
		if err := readBodyJSON(r, maxJSONBody, out); err != nil {
			writeJSON(w, http.StatusOK, Fail("invalid body"))
			return false
		}
		return true
	}
	switch kind {
	case "diagnoses":
		var in service.DiagnosisPayload
		if !decode(&in) {
			return
		}
		res, err = h.records.UpsertDiagnosis(ctx, caller, patientID, in)
	case "virus-tests":
		var in service.VirusTestPayload
		if !decode(&in) {
			return
		}
		res, err = h.records.UpsertVirusTest(ctx, caller, patientID, in)
	case "death":
		var in service.DeathPayload
		if !decode(&in) {
			return
		}
		res, err = h.records.UpsertDeathRecord(ctx, caller, patientID, in)
	case "inhibitors":
		var in service.InhibitorPayload
		if !decode(&in) {
			return
		}
		res, err = h.records.AddInhibitor(ctx, caller, patientID, in)
	case "treatments":
		var in service.TreatmentPayload
		if !decode(&in) {
			return
		}
		res, err = h.records.AddTreatment(ctx, caller, patientID, in)
	case "contacts":
		var in service.ContactPayload
		if !decode(&in) {
			return
		}
		res, err = h.records.AddContact(ctx, caller, patientID, in)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, h.logger, "WriteRecord "+kind, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// ============================================
// 下拉选项
// ============================================

// PatientOptions GET /registry/api/v1/options/patients
func (h *RegistryHandler) PatientOptions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	ids, err := h.dir.PatientOptions(r.Context(), caller)
	if err != nil {
		writeError(w, h.logger, "PatientOptions", err)
		return
	}
	items := make([]map[string]any, 0, len(ids))
	for _, p := range ids {
		items = append(items, map[string]any{"id": p.ID, "full_name": p.FullName})
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

// HospitalOptions GET /registry/api/v1/options/hospitals
func (h *RegistryHandler) HospitalOptions(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerFromReq(w, r); !ok {
		return
	}
	hospitals, err := h.dir.Hospitals(r.Context())
	if err != nil {
		writeError(w, h.logger, "HospitalOptions", err)
		return
	}
	items := make([]map[string]any, 0, len(hospitals))
	for _, x := range hospitals {
		items = append(items, map[string]any{"id": x.ID, "name": x.Name, "city": x.City, "province": x.Province})
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

// LookupOptions GET /registry/api/v1/options/lookups
func (h *RegistryHandler) LookupOptions(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerFromReq(w, r); !ok {
		return
	}
	lookups, err := h.dir.Lookups(r.Context())
	if err != nil {
		writeError(w, h.logger, "LookupOptions", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(lookups))
}

// BranchOptions GET /registry/api/v1/options/branches
func (h *RegistryHandler) BranchOptions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	branches, err := h.dir.Branches(r.Context(), caller)
	if err != nil {
		writeError(w, h.logger, "BranchOptions", err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, Ok(branches))
}

// RegionOptions GET /registry/api/v1/options/regions?province=
func (h *RegistryHandler) RegionOptions(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerFromReq(w, r); !ok {
		return
	}
	regions, err := h.dir.Regions(r.Context(), r.URL.Query().Get("province"))
	if err != nil {
		writeError(w, h.logger, "RegionOptions", err)
		return
	}
	items := make([]map[string]string, 0, len(regions))
	for _, x := range regions {
		items = append(items, map[string]string{"province": x.Province, "city": x.City, "district": x.District, "village": x.Village})
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

// ============================================
// 工作簿
// ============================================

// ExportWorkbook GET /registry/api/v1/workbook/export
func (h *RegistryHandler) ExportWorkbook(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	data, err := h.workbooks.Export(r.Context(), caller)
	if err != nil {
		writeError(w, h.logger, "ExportWorkbook", err)
		return
	}
	writeXLSX(w, "registry-export.xlsx", data)
}

// ImportTemplate GET /registry/api/v1/workbook/template
func (h *RegistryHandler) ImportTemplate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	data, err := h.workbooks.Template(r.Context(), caller)
	if err != nil {
		writeError(w, h.logger, "ImportTemplate", err)
		return
	}
	writeXLSX(w, "registry-import-template.xlsx", data)
}

// ImportWorkbook POST /registry/api/v1/workbook/import (multipart, field "file")
func (h *RegistryHandler) ImportWorkbook(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("workbook exceeds %d bytes", h.maxUpload)))
			return
		}
		writeJSON(w, http.StatusOK, Fail("failed to parse form"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusOK, Fail("file not found in request"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail("failed to read file"))
		return
	}

	report, err := h.workbooks.Import(r.Context(), caller, data)
	switch {
	case err != nil && report == nil:
		writeError(w, h.logger, "ImportWorkbook", err)
	case err != nil:
		h.logger.Error("ImportWorkbook halted",
			zap.String("run_id", report.RunID),
			zap.Bool("rolled_back", report.RolledBack),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Result[any]{Code: ResultError, Type: "error", Message: report.Summary(), Result: report})
	case report.Failed():
		writeJSON(w, http.StatusOK, Warn(report.Summary(), report))
	default:
		res := Ok(report)
		res.Message = report.Summary()
		writeJSON(w, http.StatusOK, res)
	}
}

// ImportProgress GET /registry/api/v1/workbook/import/:runId/progress
func (h *RegistryHandler) ImportProgress(w http.ResponseWriter, r *http.Request, runID string) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	events, err := h.workbooks.ImportProgress(r.Context(), caller, runID)
	if err != nil {
		writeError(w, h.logger, "ImportProgress", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(events))
}

// ============================================
// 汇总
// ============================================

// Recap GET /registry/api/v1/recap
func (h *RegistryHandler) Recap(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromReq(w, r)
	if !ok {
		return
	}
	out, err := h.recap.Build(r.Context(), caller)
	if err != nil {
		writeError(w, h.logger, "Recap", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(out))
}
