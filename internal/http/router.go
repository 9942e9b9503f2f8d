package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// APIPrefix 所有 registry 接口的路径前缀
const APIPrefix = "/registry/api/v1"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func method(m string, h func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != m {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}

// RegisterRegistryRoutes 注册患者、记录、下拉选项、工作簿和汇总路由
func (r *Router) RegisterRegistryRoutes(h *RegistryHandler) {
	// patients
	r.Handle(APIPrefix+"/patients", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			h.ListPatients(w, req)
		case http.MethodPost:
			h.CreatePatient(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	// patients/{id}[/{record}]
	r.Handle(APIPrefix+"/patients/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(req.URL.Path, APIPrefix+"/patients/"), "/")
		parts := strings.Split(rest, "/")
		if rest == "" || len(parts) > 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		id, ok := parsePatientID(w, parts[0])
		if !ok {
			return
		}
		if len(parts) == 1 {
			switch req.Method {
			case http.MethodGet:
				h.GetPatient(w, req, id)
			case http.MethodPut:
				h.UpdatePatient(w, req, id)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}
		if req.Method != http.MethodPost && req.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.WriteRecord(w, req, id, parts[1])
	})

	// options
	r.Handle(APIPrefix+"/options/patients", method(http.MethodGet, h.PatientOptions))
	r.Handle(APIPrefix+"/options/hospitals", method(http.MethodGet, h.HospitalOptions))
	r.Handle(APIPrefix+"/options/lookups", method(http.MethodGet, h.LookupOptions))
	r.Handle(APIPrefix+"/options/regions", method(http.MethodGet, h.RegionOptions))
	r.Handle(APIPrefix+"/options/branches", method(http.MethodGet, h.BranchOptions))

	// workbook
	r.Handle(APIPrefix+"/workbook/export", method(http.MethodGet, h.ExportWorkbook))
	r.Handle(APIPrefix+"/workbook/template", method(http.MethodGet, h.ImportTemplate))
	r.Handle(APIPrefix+"/workbook/import", method(http.MethodPost, h.ImportWorkbook))
	r.Handle(APIPrefix+"/workbook/import/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runID := strings.TrimSuffix(strings.TrimPrefix(req.URL.Path, APIPrefix+"/workbook/import/"), "/progress")
		if runID == "" || strings.Contains(runID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ImportProgress(w, req, runID)
	})

	// recap
	r.Handle(APIPrefix+"/recap", method(http.MethodGet, h.Recap))
}
