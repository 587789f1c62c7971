package observability

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Patterns for secret redaction. Besides the generic key=value form this
// covers the literal credentials that flow through a migration: GitHub
// tokens, LLM API keys, and tokens embedded in clone URLs.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|secret|key|token|auth|credential|api_key)[\s]*[=:][\s]*[^\s]+`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{10,}`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{10,}`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`://[^/\s@]+@`),
}

// Logger wraps zap.Logger with secret redaction
type Logger struct {
	*zap.Logger
}

// NewLogger creates a production logger with JSON encoding and secret redaction
func NewLogger(level string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// RedactString removes secrets from a string
func RedactString(s string) string {
	redacted := s
	for i, pattern := range secretPatterns {
		if i == 0 {
			redacted = pattern.ReplaceAllStringFunc(redacted, func(match string) string {
				parts := strings.SplitN(match, "=", 2)
				if len(parts) == 2 {
					return parts[0] + "=***REDACTED***"
				}
				parts = strings.SplitN(match, ":", 2)
				if len(parts) == 2 {
					return parts[0] + ":***REDACTED***"
				}
				return "***REDACTED***"
			})
			continue
		}
		redacted = pattern.ReplaceAllStringFunc(redacted, func(match string) string {
			if strings.HasPrefix(match, "://") {
				return "://***REDACTED***@"
			}
			return "***REDACTED***"
		})
	}
	return redacted
}

// InfoRedacted logs with automatic secret redaction
func (l *Logger) InfoRedacted(msg string, fields ...zap.Field) {
	l.Info(RedactString(msg), redactFields(fields)...)
}

// ErrorRedacted logs errors with automatic secret redaction
func (l *Logger) ErrorRedacted(msg string, fields ...zap.Field) {
	l.Error(RedactString(msg), redactFields(fields)...)
}

func redactFields(fields []zap.Field) []zap.Field {
	redacted := make([]zap.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			redacted[i] = zap.String(f.Key, RedactString(f.String))
		} else {
			redacted[i] = f
		}
	}
	return redacted
}
