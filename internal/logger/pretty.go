// internal/logger/pretty.go
package logger

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var levelLabels = map[zapcore.Level]string{
	zapcore.DebugLevel:  colorCyan + "[DEBUG]" + colorReset,
	zapcore.InfoLevel:   colorGreen + "[INFO]" + colorReset,
	zapcore.WarnLevel:   colorYellow + "[WARN]" + colorReset,
	zapcore.ErrorLevel:  colorRed + "[ERROR]" + colorReset,
	zapcore.DPanicLevel: colorRed + colorBold + "[PANIC]" + colorReset,
	zapcore.PanicLevel:  colorRed + colorBold + "[PANIC]" + colorReset,
	zapcore.FatalLevel:  colorRed + colorBold + "[FATAL]" + colorReset,
}

// PrettyEncoder is the operator console layout: colored level, wall-clock
// time, component name, no caller.
func PrettyEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     encodeClock,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	})
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if label, ok := levelLabels[l]; ok {
		enc.AppendString(label)
		return
	}
	enc.AppendString("[" + l.CapitalString() + "]")
}

func encodeClock(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05"))
}

func level(debug bool) zapcore.Level {
	if debug {
		return zap.DebugLevel
	}
	return zap.InfoLevel
}
