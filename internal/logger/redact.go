// internal/logger/redact.go
package logger

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// sensitiveKeys never reach a sink with their value, whatever the caller
// passes. Wallet keys are custodial secrets.
var sensitiveKeys = map[string]struct{}{
	"private_key":    {},
	"secret":         {},
	"encryption_key": {},
	"seed":           {},
	"mnemonic":       {},
}

func isSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// redactCore masks sensitive fields before they are encoded.
type redactCore struct {
	zapcore.Core
}

func newRedactCore(c zapcore.Core) zapcore.Core {
	return &redactCore{Core: c}
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if !isSensitive(f.Key) {
			continue
		}
		if out == nil {
			out = append([]zapcore.Field(nil), fields...)
		}
		out[i] = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: redacted}
	}
	if out == nil {
		return fields
	}
	return out
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *redactCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(e, redactFields(fields))
}
