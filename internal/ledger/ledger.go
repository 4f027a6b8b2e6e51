package ledger

import (
	"errors"
	"log"

	"canteen_back/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSlotNotFound = errors.New("временной слот не найден")
	ErrSlotInactive = errors.New("временной слот не активен")
	ErrSlotFull     = errors.New("в слоте нет свободных мест")
)

// lockSlot читает слот под блокировкой FOR UPDATE. Все операции леджера
// над одним слотом сериализуются этой блокировкой; разные слоты друг другу
// не мешают.
func lockSlot(tx *gorm.DB, slotID uint) (*models.TimeSlot, error) {
	var slot models.TimeSlot
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&slot, slotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &slot, nil
}

// TryReserve атомарно проверяет активность слота и наличие мест и занимает
// units мест. Проверка и инкремент выполняются под одной блокировкой строки,
// поэтому конкурентные вызовы не могут переполнить слот.
func TryReserve(tx *gorm.DB, slotID uint, units int) (*models.TimeSlot, error) {
	slot, err := lockSlot(tx, slotID)
	if err != nil {
		return nil, err
	}
	if !slot.IsActive {
		return nil, ErrSlotInactive
	}
	if slot.CurrentReservations+units > slot.MaxCapacity {
		return nil, ErrSlotFull
	}
	slot.CurrentReservations += units
	if err := tx.Model(slot).Update("current_reservations", slot.CurrentReservations).Error; err != nil {
		return nil, err
	}
	return slot, nil
}

// Release атомарно освобождает units мест. Счётчик не может уйти ниже нуля:
// такая попытка — нарушение инварианта программы, а не пользовательская
// ошибка, поэтому она логируется, а счётчик обнуляется.
func Release(tx *gorm.DB, slotID uint, units int) (*models.TimeSlot, error) {
	slot, err := lockSlot(tx, slotID)
	if err != nil {
		return nil, err
	}
	newCount := slot.CurrentReservations - units
	if newCount < 0 {
		log.Printf("ЛЕДЖЕР: попытка уменьшить счётчик слота %d ниже нуля (%d - %d)", slotID, slot.CurrentReservations, units)
		newCount = 0
	}
	slot.CurrentReservations = newCount
	if err := tx.Model(slot).Update("current_reservations", newCount).Error; err != nil {
		return nil, err
	}
	return slot, nil
}

// Transfer переносит units мест из одного слота в другой как единое целое:
// если целевой слот занять не удалось, освобождение исходного не фиксируется
// (объемлющая транзакция откатывается по ошибке).
// Блокировки берутся в порядке возрастания ID слотов, чтобы встречные
// переносы не взаимоблокировались.
func Transfer(tx *gorm.DB, fromSlotID, toSlotID uint, units int) (*models.TimeSlot, *models.TimeSlot, error) {
	first, second := fromSlotID, toSlotID
	if second < first {
		first, second = second, first
	}
	if _, err := lockSlot(tx, first); err != nil {
		return nil, nil, err
	}
	if _, err := lockSlot(tx, second); err != nil {
		return nil, nil, err
	}

	fromSlot, err := Release(tx, fromSlotID, units)
	if err != nil {
		return nil, nil, err
	}
	toSlot, err := TryReserve(tx, toSlotID, units)
	if err != nil {
		return nil, nil, err
	}
	return fromSlot, toSlot, nil
}
