package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestGormLogger_Trace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newGormLogger(zap.New(core))
	stmt := func() (string, int64) { return "INSERT INTO tx_records ...", 0 }
	ctx := withTxID(context.Background(), "sig-1")

	l.Trace(ctx, time.Now(), stmt, nil)
	assert.Zero(t, logs.Len(), "plain statements are not logged at warn level")

	l.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(ctx, time.Now(), stmt, errors.New("disk I/O error"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "sig-1", entry.ContextMap()["tx_id"])

	l.Trace(context.Background(), time.Now().Add(-time.Second), stmt, nil)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "Slow ledger query", logs.All()[1].Message)

	l.LogMode(logger.Info).Trace(context.Background(), time.Now(), stmt, nil)
	assert.Equal(t, zapcore.DebugLevel, logs.All()[2].Level)
}
