package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"canteen_back/internal/audit"
	"canteen_back/internal/models"
	"canteen_back/internal/response"
	"canteen_back/internal/storage"
	"canteen_back/internal/ws"

	"github.com/gin-gonic/gin"
)

var ctx = context.Background()

const slotsCacheKey = "time_slots_active"

// invalidateSlotsCache сбрасывает кэш списка слотов после любой мутации.
func invalidateSlotsCache() {
	if storage.RedisClient != nil {
		storage.RedisClient.Del(ctx, slotsCacheKey)
	}
}

// TimeSlotItem — один слот в публичном списке.
type TimeSlotItem struct {
	ID             uint    `json:"id"`
	StartTime      string  `json:"start_time"`
	EndTime        string  `json:"end_time"`
	Price          float64 `json:"price"`
	MaxCapacity    int     `json:"max_capacity"`
	AvailableSeats int     `json:"available_seats"`
}

// GetTimeSlotsHandler обрабатывает запрос на получение списка слотов
// @Summary		Получение списка слотов
// @Description	Возвращает активные будущие слоты с количеством свободных мест, кэширует результат в Redis
// @Tags			slots
// @Produce		json
// @Security		BearerAuth
// @Success		200	{array}		TimeSlotItem	"Список доступных слотов"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/slots [get]
func GetTimeSlotsHandler(c *gin.Context) {
	// Проверка кэша
	if storage.RedisClient != nil {
		cached, err := storage.RedisClient.Get(ctx, slotsCacheKey).Result()
		if err == nil && cached != "" {
			var items []TimeSlotItem
			if err := json.Unmarshal([]byte(cached), &items); err == nil {
				c.JSON(http.StatusOK, items)
				return
			}
		}
	}

	var slots []models.TimeSlot
	if err := storage.DB.
		Where("is_active = ? AND start_time > ?", true, time.Now()).
		Order("start_time ASC").
		Find(&slots).Error; err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка загрузки слотов",
			Details: err.Error(),
		})
		return
	}

	items := make([]TimeSlotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, TimeSlotItem{
			ID:             s.ID,
			StartTime:      s.StartTime.Format(time.RFC3339),
			EndTime:        s.EndTime.Format(time.RFC3339),
			Price:          s.Price,
			MaxCapacity:    s.MaxCapacity,
			AvailableSeats: s.MaxCapacity - s.CurrentReservations,
		})
	}

	// Кэширование на 5 минут; любая мутация слота сбрасывает кэш раньше.
	if storage.RedisClient != nil {
		if b, err := json.Marshal(items); err == nil {
			storage.RedisClient.Set(ctx, slotsCacheKey, string(b), 5*time.Minute)
		}
	}

	c.JSON(http.StatusOK, items)
}

type CreateTimeSlotRequest struct {
	StartTime   time.Time `json:"start_time" binding:"required"`
	EndTime     time.Time `json:"end_time" binding:"required"`
	Price       float64   `json:"price" binding:"required"`
	MaxCapacity int       `json:"max_capacity" binding:"required"`
}

// CreateTimeSlotHandler создаёт новый слот (только администратор)
// @Summary		Создание слота
// @Description	Создаёт новое окно обслуживания с заданной вместимостью
// @Tags			admin
// @Accept			json
// @Produce		json
// @Param			slot	body		CreateTimeSlotRequest	true	"Данные слота"
// @Security		BearerAuth
// @Success		201	{object}	map[string]interface{}	"ID созданного слота"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/admin/slots [post]
func CreateTimeSlotHandler(c *gin.Context) {
	var req CreateTimeSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	if !req.EndTime.After(req.StartTime) || req.StartTime.Before(time.Now()) || req.MaxCapacity < 0 || req.Price < 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Некорректные параметры слота",
		})
		return
	}

	slot := models.TimeSlot{
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Price:       req.Price,
		MaxCapacity: req.MaxCapacity,
		IsActive:    true,
	}

	p := principalFrom(c)
	if err := storage.DB.Create(&slot).Error; err != nil {
		audit.Record(audit.Entry{
			UserID:       audit.Actor(p.UserID),
			UserRole:     string(p.Role),
			Action:       "create_time_slot",
			Resource:     "time_slot",
			Result:       audit.ResultFailure,
			ErrorMessage: err.Error(),
		})
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка при создании слота",
			Details: err.Error(),
		})
		return
	}

	invalidateSlotsCache()
	audit.Record(audit.Entry{
		UserID:     audit.Actor(p.UserID),
		UserRole:   string(p.Role),
		Action:     "create_time_slot",
		Resource:   "time_slot",
		ResourceID: strconv.Itoa(int(slot.ID)),
		Details: map[string]interface{}{
			"start_time":   req.StartTime,
			"max_capacity": req.MaxCapacity,
			"price":        req.Price,
		},
	})

	c.JSON(http.StatusCreated, gin.H{
		"message": "Слот успешно создан",
		"slot_id": slot.ID,
	})
}

// DeactivateTimeSlotHandler закрывает слот для новых броней
// @Summary		Деактивация слота
// @Description	Делает слот недоступным для новых броней и уведомляет подписчиков
// @Tags			admin
// @Produce		json
// @Param			id	path		string	true	"ID слота"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Слот деактивирован"
// @Failure		400	{object}	response.ErrorResponse	"Неверный идентификатор (INVALID_SLOT_ID)"
// @Failure		404	{object}	response.ErrorResponse	"Слот не найден (SLOT_NOT_FOUND)"
// @Router			/api/admin/slots/{id}/deactivate [post]
func DeactivateTimeSlotHandler(c *gin.Context) {
	slotID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_SLOT_ID",
			Message: "Неверный идентификатор слота",
		})
		return
	}

	var slot models.TimeSlot
	if err := storage.DB.First(&slot, slotID).Error; err != nil {
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    "SLOT_NOT_FOUND",
			Message: "Временной слот не найден",
		})
		return
	}

	p := principalFrom(c)
	if err := storage.DB.Model(&slot).Update("is_active", false).Error; err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка при деактивации слота",
			Details: err.Error(),
		})
		return
	}
	slot.IsActive = false

	invalidateSlotsCache()
	ws.HubInstance.BroadcastSlotUpdate(&slot, "slot_closed")
	audit.Record(audit.Entry{
		UserID:     audit.Actor(p.UserID),
		UserRole:   string(p.Role),
		Action:     "deactivate_time_slot",
		Resource:   "time_slot",
		ResourceID: strconv.Itoa(slotID),
	})

	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Слот успешно деактивирован"})
}
