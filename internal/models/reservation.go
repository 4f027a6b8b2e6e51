package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Reservation struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID             uint      `gorm:"index;not null"`
	User               User      `gorm:"foreignKey:UserID"`
	TimeSlotID         uint      `gorm:"index;not null"`
	TimeSlot           TimeSlot  `gorm:"foreignKey:TimeSlotID"`
	Status             string    `gorm:"index;not null;default:pending"` // pending | confirmed | cancelled | used
	Capacity           int       `gorm:"not null"`                       // Количество занятых мест (>= 1)
	Amount             float64   `gorm:"not null"`                       // Итоговая сумма брони
	PaymentRef         *string   // Внешний идентификатор оплаты (непрозрачный для ядра)
	QRToken            *string   // Актуальный QR-токен; перевыпуск перезаписывает предыдущий
	QRGeneratedAt      *time.Time
	ConfirmedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason *string
	UsedAt             *time.Time
	ValidatedBy        *uint // ID сотрудника, подтвердившего использование
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r *Reservation) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}
