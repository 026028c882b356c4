// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog は特権操作やライフサイクル操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation, instanceID string, callingPID int, result string) {
	slog.InfoContext(ctx, "drm operation completed",
		"operation", operation,
		"instance_id", instanceID,
		"calling_pid", callingPID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
