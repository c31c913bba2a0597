package sender

import (
	"context"
	"log/slog"
)

const (
	AlertAuthFailed = "auth_failed"
	AlertUnexpected = "unexpected"
)

// Alerter notifies operators about failures that need a human.
type Alerter interface {
	Alert(ctx context.Context, category string, fields ...any)
}

// LogAlerter reports alerts as ERROR log records tagged alert=true.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, category string, fields ...any) {
	args := append([]any{"alert", true, "category", category}, fields...)
	slog.ErrorContext(ctx, "operator alert", args...)
}
