package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"pwh-registry/internal/domain"
	"pwh-registry/internal/scope"

	"go.uber.org/zap"
)

// 调用者身份由上游网关注入（认证不在本服务范围内）
const (
	HeaderUserName   = "X-User-Name"
	HeaderUserBranch = "X-User-Branch"
)

// callerFromReq 读取调用者身份；缺失时直接拒绝（fail closed），绝不默认为 ALL
func callerFromReq(w http.ResponseWriter, r *http.Request) (scope.Caller, bool) {
	c := scope.Caller{
		User:   strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Branch: strings.TrimSpace(r.Header.Get(HeaderUserBranch)),
	}
	if err := c.Validate(); err != nil {
		writeJSON(w, http.StatusUnauthorized, Fail(err.Error()))
		return scope.Caller{}, false
	}
	return c, true
}

// writeError 业务错误统一返回 HTTP 200 + Fail；缺失身份返回 401
func writeError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	var (
		valErr   *domain.ValidationError
		resErr   *domain.ResolutionError
		scopeErr *domain.AccessScopeError
		persErr  *domain.PersistenceError
	)
	switch {
	case errors.Is(err, domain.ErrNoCaller):
		writeJSON(w, http.StatusUnauthorized, Fail(err.Error()))
		return
	case errors.Is(err, domain.ErrNotFound):
		logger.Debug(op+" not found", zap.Error(err))
	case errors.As(err, &valErr), errors.As(err, &resErr):
		logger.Info(op+" rejected", zap.Error(err))
	case errors.As(err, &scopeErr):
		logger.Warn(op+" denied", zap.String("branch", scopeErr.Branch), zap.Error(err))
	case errors.As(err, &persErr):
		logger.Error(op+" failed", zap.Bool("connectivity", persErr.Connectivity), zap.Error(err))
	default:
		logger.Error(op+" failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, Fail(err.Error()))
}
