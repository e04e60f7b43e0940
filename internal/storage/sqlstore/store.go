// internal/storage/sqlstore/store.go
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rovshanmuradov/custody-bot/internal/storage"
	"github.com/rovshanmuradov/custody-bot/internal/storage/models"
)

var ErrInvalidRecord = errors.New("invalid ledger record")

// ledgerStore реализует storage.Ledger поверх GORM
type ledgerStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ storage.Ledger = (*ledgerStore)(nil)

// NewLedger opens the ledger. postgres:// DSNs use the Postgres driver,
// anything else is a SQLite path (":memory:" for tests).
func NewLedger(dsn string, zapLogger *zap.Logger) (storage.Ledger, error) {
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// Настройка пула соединений
	if isPostgres {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// one writer; also keeps a ":memory:" database on a single connection
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&models.TxRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &ledgerStore{
		db:     db,
		logger: zapLogger.Named("ledger"),
	}, nil
}

func (s *ledgerStore) Append(ctx context.Context, rec *models.TxRecord) (bool, error) {
	if rec.TxID == "" || rec.UserID == "" {
		return false, fmt.Errorf("%w: tx_id and user_id are required", ErrInvalidRecord)
	}
	if rec.Status == "" {
		rec.Status = models.StatusSuccess
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	res := s.db.WithContext(withTxID(ctx, rec.TxID)).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tx_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("append ledger record %s: %w", rec.TxID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Info("Duplicate ledger record ignored", zap.String("tx_id", rec.TxID))
		return false, nil
	}
	return true, nil
}

func (s *ledgerStore) History(ctx context.Context, userID string, limit int) ([]models.TxRecord, error) {
	var recs []models.TxRecord
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp desc").
		Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load history for %s: %w", userID, err)
	}
	return recs, nil
}

// TotalFees is summed in Go; SQLite keeps numeric columns as REAL.
func (s *ledgerStore) TotalFees(ctx context.Context) (decimal.Decimal, error) {
	var fees []decimal.Decimal
	err := s.db.WithContext(ctx).
		Model(&models.TxRecord{}).
		Where("status = ?", models.StatusSuccess).
		Pluck("fee", &fees).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum fees: %w", err)
	}
	return decimal.Sum(decimal.Zero, fees...), nil
}

func (s *ledgerStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
