package api

import (
	"encoding/json"
	"net/http"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/internal/marketplace"
)

// errorBody 是所有出错响应的统一载荷。
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusForCode 把领域错误码映射到 HTTP 状态码。
func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, marketplace.CodeTransactionValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, marketplace.CodeTransactionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAlreadySettled, xerrors.CodeContractViolation,
		marketplace.CodeTransactionConflict, marketplace.CodeTransactionCompleted,
		marketplace.CodeTransactionExhausted:
		return http.StatusConflict
	case xerrors.CodeMatchingFailed:
		return http.StatusUnprocessableEntity
	case xerrors.CodeAgentOffline:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError 输出 JSON 错误响应，状态码由错误码决定。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeErrorStatus(w, statusForCode(code), code, err.Error())
}

// writeErrorStatus 输出带显式状态码的 JSON 错误响应。
func writeErrorStatus(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message, Code: string(code)})
}

// writeJSON 输出成功响应。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// methodNotAllowed 输出 405 并声明允许的方法。
func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeErrorStatus(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "不支持的请求方法")
}
