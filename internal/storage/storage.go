// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/custody-bot/internal/storage/models"
)

// Ledger определяет журнал подтверждённых транзакций (только добавление).
type Ledger interface {
	// Append сохраняет запись; повтор с тем же tx_id ничего не меняет и
	// возвращает inserted=false.
	Append(ctx context.Context, rec *models.TxRecord) (inserted bool, err error)
	// History возвращает последние записи пользователя, новые первыми.
	History(ctx context.Context, userID string, limit int) ([]models.TxRecord, error)
	// TotalFees суммирует комиссии по успешным записям.
	TotalFees(ctx context.Context) (decimal.Decimal, error)

	Close() error
}
