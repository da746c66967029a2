// Package audit records mutations of the blob directory as structured events.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger writes one event per directory mutation. Events carry
// event_type=mutation so they can be filtered out of the request log.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogMutation logs a put, delete or unlink of key.
// result is the outcome class of the request ("success", "forbidden", ...).
// Refused mutations log at warn, failures at error.
func (l *Logger) LogMutation(operation string, key []byte, result, requestID, sourceIP string) {
	level := zerolog.InfoLevel
	switch result {
	case "success":
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "mutation").
		Str("operation", operation).
		Str("key", string(key)).
		Str("result", result)

	if requestID != "" {
		event = event.Str("request_id", requestID)
	}
	if sourceIP != "" {
		event = event.Str("source_ip", sourceIP)
	}

	event.Msg("Directory mutation")
}
