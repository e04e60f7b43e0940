// internal/storage/models/base.go
package models

import "time"

// BaseModel заменяет gorm.Model для большего контроля. Записи журнала
// неизменяемы, поэтому UpdatedAt/DeletedAt не нужны.
type BaseModel struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
