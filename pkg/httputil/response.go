// Package httputil はHTTPレスポンス生成のユーティリティを提供する。
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"drm-host-service/internal/domain"
)

// ErrorResponse はエラーレスポンスの形式。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON はJSONレスポンスを返す。
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// ヘッダーは既に送信済みのため、エラーログのみ出力
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// Error はエラーレスポンスを返す。
func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// DomainError はドメインエラーをHTTPステータスとコードに対応付けて返す。
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUninitialized):
		Error(w, http.StatusConflict, "UNINITIALIZED", "drm instance is not initialized")
	case errors.Is(err, domain.ErrUnsupported):
		Error(w, http.StatusNotFound, "UNSUPPORTED", "crypto scheme is not supported")
	case errors.Is(err, domain.ErrPluginNotCreated):
		Error(w, http.StatusConflict, "PLUGIN_NOT_CREATED", "plugin is not created")
	case errors.Is(err, domain.ErrPluginAlreadyCreated):
		Error(w, http.StatusConflict, "PLUGIN_ALREADY_CREATED", "plugin is already created")
	case errors.Is(err, domain.ErrResourceBusy):
		Error(w, http.StatusServiceUnavailable, "RESOURCE_BUSY", "plugin resources are busy")
	case errors.Is(err, domain.ErrPermissionDenied):
		Error(w, http.StatusForbidden, "PERMISSION_DENIED", "permission denied")
	case errors.Is(err, domain.ErrInstanceNotFound):
		Error(w, http.StatusNotFound, "INSTANCE_NOT_FOUND", "drm instance not found")
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
	case errors.Is(err, domain.ErrKeySetNotFound):
		Error(w, http.StatusNotFound, "KEY_SET_NOT_FOUND", "key set not found")
	case errors.Is(err, domain.ErrKeyNotFound):
		Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
	case errors.Is(err, domain.ErrInvalidAlgorithm):
		Error(w, http.StatusBadRequest, "INVALID_ALGORITHM", "invalid algorithm")
	case errors.Is(err, domain.ErrInvalidProperty):
		Error(w, http.StatusBadRequest, "INVALID_PROPERTY", "invalid property")
	default:
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
