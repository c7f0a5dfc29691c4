package ordermill

import (
	"context"
	"log/slog"
)

// LevelTrace is the [slog.Level] used for Trace logs, which the slog package
// does not define. It is derived by subtracting 4 levels from [slog.LevelDebug],
// following the spacing of [slog.LevelWarn] and [slog.LevelError].
const LevelTrace = slog.LevelDebug - 4

func slogAttrsFromFields(fields LogFields) []any {
	result := make([]any, 0, len(fields)*2)

	for key, value := range fields {
		result = append(result, key, value)
	}

	return result
}

// SlogLoggerAdapter wraps [slog.Logger].
type SlogLoggerAdapter struct {
	slog *slog.Logger

	levelToSlog map[slog.Level]slog.Level
}

// Error logs a message to [slog.LevelError].
func (s *SlogLoggerAdapter) Error(msg string, err error, fields LogFields) {
	s.log(slog.LevelError, msg, append(slogAttrsFromFields(fields), "error", err)...)
}

// Info logs a message to [slog.LevelInfo].
func (s *SlogLoggerAdapter) Info(msg string, fields LogFields) {
	s.log(slog.LevelInfo, msg, slogAttrsFromFields(fields)...)
}

// Debug logs a message to [slog.LevelDebug].
func (s *SlogLoggerAdapter) Debug(msg string, fields LogFields) {
	s.log(slog.LevelDebug, msg, slogAttrsFromFields(fields)...)
}

// Trace logs a message to [LevelTrace].
func (s *SlogLoggerAdapter) Trace(msg string, fields LogFields) {
	s.log(LevelTrace, msg, slogAttrsFromFields(fields)...)
}

func (s *SlogLoggerAdapter) log(level slog.Level, msg string, args ...any) {
	mappedLevel, ok := s.levelToSlog[level]
	if ok {
		level = mappedLevel
	}

	// Void context, following the slog example: slog minds contextual
	// values but ignores the contextual deadline. See the [slog]
	// package documentation for details.
	s.slog.Log(context.Background(), level, msg, args...)
}

// With returns a [SlogLoggerAdapter] with a set of fields injected into all consequent logging messages.
func (s *SlogLoggerAdapter) With(fields LogFields) LoggerAdapter {
	return &SlogLoggerAdapter{
		slog:        s.slog.With(slogAttrsFromFields(fields)...),
		levelToSlog: s.levelToSlog,
	}
}

// NewSlogLogger creates an adapter to the standard library's structured
// logging package. A nil logger is substituted for the result of [slog.Default].
func NewSlogLogger(logger *slog.Logger) LoggerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLoggerAdapter{
		slog: logger,
	}
}

// NewSlogLoggerWithLevelMapping creates an adapter to the standard library's
// structured logging package. A nil logger is substituted for the result of
// [slog.Default]. The levelToSlog parameter maps ordermill's log levels to the
// levels of the structured logger. It's helpful when you want to, for example,
// log ordermill's info logs as debug in slog.
func NewSlogLoggerWithLevelMapping(logger *slog.Logger, levelToSlog map[slog.Level]slog.Level) LoggerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLoggerAdapter{
		slog:        logger,
		levelToSlog: levelToSlog,
	}
}
