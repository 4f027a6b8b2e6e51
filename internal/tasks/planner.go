package tasks

import (
	"log"
	"time"

	"canteen_back/internal/models"
	"canteen_back/internal/storage"
	"canteen_back/internal/ws"

	"github.com/robfig/cron/v3"
)

// CloseExpiredSlots деактивирует слоты, у которых время обслуживания уже
// закончилось, и уведомляет подписчиков.
func CloseExpiredSlots() {
	now := time.Now()

	var slots []models.TimeSlot
	if err := storage.DB.Where("is_active = ? AND end_time < ?", true, now).Find(&slots).Error; err != nil {
		log.Println("Ошибка при поиске завершившихся слотов:", err)
		return
	}

	for _, slot := range slots {
		if err := storage.DB.Model(&slot).Update("is_active", false).Error; err != nil {
			log.Println("Ошибка деактивации слота", slot.ID, ":", err)
			continue
		}
		slot.IsActive = false
		ws.HubInstance.BroadcastSlotUpdate(&slot, "slot_closed")
		log.Printf("Слот %d деактивирован (окно обслуживания закончилось).\n", slot.ID)
	}
}

// CleanOldAuditLogs удаляет записи аудита старше 90 дней.
func CleanOldAuditLogs() {
	threshold := time.Now().AddDate(0, 0, -90)
	if err := storage.DB.Where("timestamp < ?", threshold).Delete(&models.AuditLog{}).Error; err != nil {
		log.Println("Ошибка при удалении устаревших записей аудита:", err)
	} else {
		log.Println("Устаревшие записи аудита успешно удалены.")
	}
}

// InitScheduler инициализирует планировщик cron-задач.
func InitScheduler() *cron.Cron {
	c := cron.New(cron.WithSeconds())

	// Задача закрытия завершившихся слотов каждые 5 минут.
	_, err := c.AddFunc("0 */5 * * * *", CloseExpiredSlots)
	if err != nil {
		log.Println("Ошибка запуска cron-задачи CloseExpiredSlots:", err)
	}

	// Задача очистки старых записей аудита каждый день в 03:00.
	_, err = c.AddFunc("0 0 3 * * *", CleanOldAuditLogs)
	if err != nil {
		log.Println("Ошибка запуска cron-задачи CleanOldAuditLogs:", err)
	}

	c.Start()
	log.Println("Cron-планировщик запущен.")
	return c
}
