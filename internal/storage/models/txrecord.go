// internal/storage/models/txrecord.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusSuccess = "success"
)

// TxRecord is one confirmed transaction. Written once, never updated.
type TxRecord struct {
	BaseModel
	TxID      string          `gorm:"uniqueIndex;not null;type:varchar(88)"`
	UserID    string          `gorm:"index;not null;type:varchar(64)"`
	Side      string          `gorm:"not null;type:varchar(16)"`
	TokenMint string          `gorm:"type:varchar(44)"`
	Amount    decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Price     decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Fee       decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Status    string          `gorm:"not null;type:varchar(16)"`
	Timestamp time.Time       `gorm:"index;not null"`
}

func (TxRecord) TableName() string {
	return "tx_records"
}
