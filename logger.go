// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is the logging interface used by the client. Implementations
// receive structured key-value pairs alongside the message. The ctx is
// the context of the operation being logged, for implementations that
// carry request-scoped fields.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...any)
	Info(ctx context.Context, msg string, keysAndValues ...any)
	Warn(ctx context.Context, msg string, keysAndValues ...any)
	Error(ctx context.Context, msg string, keysAndValues ...any)
}

// NoOpLogger discards all log messages. It is the default logger.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(ctx context.Context, msg string, keysAndValues ...any) {}

// Info implements Logger.
func (NoOpLogger) Info(ctx context.Context, msg string, keysAndValues ...any) {}

// Warn implements Logger.
func (NoOpLogger) Warn(ctx context.Context, msg string, keysAndValues ...any) {}

// Error implements Logger.
func (NoOpLogger) Error(ctx context.Context, msg string, keysAndValues ...any) {}

// DefaultLogger writes human-readable log lines to the standard
// library logger. Sensitive values such as passwords and tokens are
// redacted.
type DefaultLogger struct {
	logger *log.Logger
	level  LogLevel
}

// LogLevel controls DefaultLogger verbosity.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// NewDefaultLogger creates a DefaultLogger writing to stderr at the
// given level.
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(os.Stderr, "mit: ", log.LstdFlags|log.Lmsgprefix),
		level:  level,
	}
}

// Debug implements Logger.
func (l *DefaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(LogDebug, "DEBUG", msg, keysAndValues)
}

// Info implements Logger.
func (l *DefaultLogger) Info(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(LogInfo, "INFO", msg, keysAndValues)
}

// Warn implements Logger.
func (l *DefaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(LogWarn, "WARN", msg, keysAndValues)
}

// Error implements Logger.
func (l *DefaultLogger) Error(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(LogError, "ERROR", msg, keysAndValues)
}

func (l *DefaultLogger) log(level LogLevel, label, msg string, keysAndValues []any) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(label)
	b.WriteString(" ")
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		b.WriteString(fmt.Sprintf(" %s=%v", key, sanitizeLogValue(key, keysAndValues[i+1])))
	}
	l.logger.Println(b.String())
}

// sensitiveLogKeys are key substrings whose values are never logged.
var sensitiveLogKeys = []string{"password", "token", "cookie", "signature", "key"}

// sanitizeLogValue redacts values of credential-bearing keys.
func sanitizeLogValue(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveLogKeys {
		if strings.Contains(lower, sensitive) {
			return "***"
		}
	}
	return value
}
