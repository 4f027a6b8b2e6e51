package audit

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"canteen_back/internal/models"
	"canteen_back/internal/storage"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Entry описывает одну мутирующую операцию для журнала аудита.
type Entry struct {
	UserID       string
	UserRole     string
	Action       string
	Resource     string
	ResourceID   string
	Details      map[string]interface{}
	Result       string
	ErrorMessage string
}

// Record пишет запись аудита по принципу fire-and-forget: ошибка записи
// логируется и проглатывается, она никогда не влияет на исход основной
// операции. Вызывается для каждой мутирующей операции — успешной или нет,
// включая отказы в доступе.
func Record(e Entry) {
	if e.UserID == "" {
		e.UserID = "system"
	}
	if e.UserRole == "" {
		e.UserRole = "system"
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}

	details := "{}"
	if e.Details != nil {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}

	row := models.AuditLog{
		Timestamp:    time.Now(),
		UserID:       e.UserID,
		UserRole:     e.UserRole,
		Action:       e.Action,
		Resource:     e.Resource,
		ResourceID:   e.ResourceID,
		Details:      details,
		Result:       e.Result,
		ErrorMessage: e.ErrorMessage,
	}
	if err := storage.DB.Create(&row).Error; err != nil {
		log.Println("Не удалось записать аудит:", err)
	}
}

// Actor форматирует числовой ID пользователя для поля UserID записи аудита.
func Actor(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}
