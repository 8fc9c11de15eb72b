package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func InitLogger(level string, output io.Writer, service string) zerolog.Logger {
	if output == nil {
		output = os.Stdout
	}

	return zerolog.New(output).
		Level(parseLogLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Caller().
		Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ForSession scopes a logger to one checkout session and, when known, its
// appointment.
func ForSession(logger zerolog.Logger, sessionID, appointmentID string) zerolog.Logger {
	l := logger.With().Str("session_id", sessionID)
	if appointmentID != "" {
		l = l.Str("appointment_id", appointmentID)
	}
	return l.Logger()
}
