// internal/storage/sqlstore/logger.go
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

type txIDKey struct{}

// withTxID tags ledger statements with the transaction they record.
func withTxID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txIDKey{}, txID)
}

// gormLogger sends GORM output to zap. Statements are only traced at
// debug; slow ones and failures are warnings and errors.
type gormLogger struct {
	zap   *zap.Logger
	level logger.LogLevel
}

func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	return &gormLogger{zap: zapLogger, level: logger.Warn}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormLogger) with(ctx context.Context) *zap.Logger {
	if id, ok := ctx.Value(txIDKey{}).(string); ok && id != "" {
		return l.zap.With(zap.String("tx_id", id))
	}
	return l.zap
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.with(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.with(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.with(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	log := l.with(ctx)
	fields := []zap.Field{zap.Duration("elapsed", elapsed), zap.String("sql", sql), zap.Int64("rows", rows)}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		log.Error("Ledger query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQuery && l.level >= logger.Warn:
		log.Warn("Slow ledger query", fields...)
	case l.level >= logger.Info:
		log.Debug("Ledger query", fields...)
	}
}
