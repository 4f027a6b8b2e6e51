package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	DisplayName  string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;default:student"` // student | staff | admin, назначается администратором
	Classe       string // Учебная группа студента (опционально)
	PhoneNumber  string
}

type TimeSlot struct {
	gorm.Model
	StartTime           time.Time `gorm:"index;not null"` // Начало окна обслуживания
	EndTime             time.Time `gorm:"not null"`       // Окончание окна обслуживания
	Price               float64   `gorm:"not null"`       // Цена одного места
	MaxCapacity         int       `gorm:"not null"`       // Максимальное количество мест
	CurrentReservations int       `gorm:"not null;default:0"`
	IsActive            bool      `gorm:"default:true"`
}
