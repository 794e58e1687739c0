package session

import (
	"context"
	"log/slog"
)

// Event identifies a session lifecycle event in the structured log.
type Event string

const (
	EventBootstrap      Event = "bootstrap"
	EventLoginSuccess   Event = "login_success"
	EventLoginChallenge Event = "login_challenge"
	EventLoginFailure   Event = "login_failure"
	EventMFASuccess     Event = "mfa_success"
	EventMFAFailure     Event = "mfa_failure"
	EventRefreshSuccess Event = "refresh_success"
	EventRefreshFailure Event = "refresh_failure"
	EventLogout         Event = "logout"
	EventSessionExpired Event = "session_expired"
	EventRevokeFailure  Event = "revoke_failure"
)

// eventLogger writes session events. Tokens and passwords are never logged.
type eventLogger struct {
	logger *slog.Logger
}

func newEventLogger(logger *slog.Logger) *eventLogger {
	return &eventLogger{logger: logger.With("component", "session")}
}

func (el *eventLogger) log(ctx context.Context, event Event, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("event", string(event))}, attrs...)
	el.logger.LogAttrs(ctx, slog.LevelInfo, "session", attrs...)
}

func (el *eventLogger) failure(ctx context.Context, event Event, err error, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{
		slog.String("event", string(event)),
		slog.String("reason", err.Error()),
	}, attrs...)
	el.logger.LogAttrs(ctx, slog.LevelWarn, "session", attrs...)
}
