// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface. Key
// value pairs become structured fields, with credential-bearing values
// redacted.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps a zerolog.Logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// Debug implements Logger.
func (l *ZerologLogger) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(logFields(keysAndValues)).Msg(msg)
}

// Info implements Logger.
func (l *ZerologLogger) Info(ctx context.Context, msg string, keysAndValues ...any) {
	l.logger.Info().Fields(logFields(keysAndValues)).Msg(msg)
}

// Warn implements Logger.
func (l *ZerologLogger) Warn(ctx context.Context, msg string, keysAndValues ...any) {
	l.logger.Warn().Fields(logFields(keysAndValues)).Msg(msg)
}

// Error implements Logger.
func (l *ZerologLogger) Error(ctx context.Context, msg string, keysAndValues ...any) {
	l.logger.Error().Fields(logFields(keysAndValues)).Msg(msg)
}

func logFields(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		fields[key] = sanitizeLogValue(key, keysAndValues[i+1])
	}
	return fields
}
