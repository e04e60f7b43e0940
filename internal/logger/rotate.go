// internal/logger/rotate.go
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	LogFile    string
	MaxSize    int  // мегабайты
	MaxAge     int  // дни
	MaxBackups int  // количество файлов
	Compress   bool // сжимать ротированные файлы
	Debug      bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		LogFile:    "logs/bot.log",
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 3,
		Compress:   true,
	}
}

// New builds the process logger: pretty console output, plus a JSON audit
// file rotated by lumberjack when cfg.LogFile is set. The returned closer
// flushes and closes the file sink.
func New(cfg *Config) (*zap.Logger, io.Closer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return newWithConsole(cfg, zapcore.Lock(os.Stdout))
}

func newWithConsole(cfg *Config, console zapcore.WriteSyncer) (*zap.Logger, io.Closer, error) {
	lvl := level(cfg.Debug)
	cores := []zapcore.Core{
		zapcore.NewCore(PrettyEncoder(), console, lvl),
	}

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), lvl))
		closer = rotator
	}

	return zap.New(newRedactCore(zapcore.NewTee(cores...)), zap.AddStacktrace(zapcore.ErrorLevel)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SafeSync syncs the logger, ignoring the errors terminals return for stdout.
func SafeSync(l *zap.Logger) error {
	err := l.Sync()
	if err != nil && (err.Error() == "sync /dev/stdout: invalid argument" ||
		err.Error() == "sync /dev/stdout: inappropriate ioctl for device" ||
		err.Error() == "sync /dev/stderr: inappropriate ioctl for device") {
		return nil
	}
	return err
}
