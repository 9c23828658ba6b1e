package ksis

import (
	"context"
	"log/slog"
	"time"
)

// Outcomes recorded for every accepted connection.
const (
	OutcomeRelayed       = "relayed"
	OutcomeBlocked       = "blocked"
	OutcomeTunnel        = "tunnel_rejected"
	OutcomeMalformed     = "malformed"
	OutcomeEmpty         = "empty"
	OutcomeUpstreamError = "upstream_error"
	OutcomeClientError   = "client_error"
	OutcomePanic         = "panic"
)

// AccessLogger writes one structured entry per accepted connection.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	Timestamp time.Time

	// ClientAddr is the client's remote address.
	ClientAddr string

	Method string

	// URL is the absolute URI from the request line (CONNECT authority for tunnels).
	URL string

	// Outcome is one of the Outcome* constants.
	Outcome string

	// State is where the connection's lifecycle ended, e.g. "RELAYING".
	State string

	// StatusCode is the upstream status for relayed requests, or the status
	// the proxy synthesized. Zero when nothing was sent.
	StatusCode int

	// Reason is the upstream reason phrase or the blacklist check that fired.
	Reason string

	// BytesRelayed counts upstream bytes forwarded to the client.
	BytesRelayed int64

	Duration time.Duration

	Error string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 11)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("client", e.ClientAddr),
		slog.String("outcome", e.Outcome),
	)

	if e.State != "" {
		attrs = append(attrs, slog.String("state", e.State))
	}

	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.URL != "" {
		attrs = append(attrs, slog.String("url", e.URL))
	}
	if e.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", e.StatusCode))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Outcome == OutcomeRelayed {
		attrs = append(attrs, slog.Int64("bytes", e.BytesRelayed))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
