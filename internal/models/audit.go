package models

import "time"

// AuditLog — неизменяемая запись о каждой мутирующей операции.
// Ядро только добавляет записи, никогда не изменяет и не удаляет их.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey"`
	Timestamp    time.Time `gorm:"index;not null"`
	UserID       string    `gorm:"not null"` // ID пользователя или "system"
	UserRole     string    `gorm:"not null"`
	Action       string    `gorm:"index;not null"`
	Resource     string    `gorm:"not null"`
	ResourceID   string
	Details      string `gorm:"type:jsonb"`
	Result       string `gorm:"not null"` // success | failure
	ErrorMessage string
}
