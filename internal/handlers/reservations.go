package handlers

import (
	"errors"
	"net/http"
	"time"

	"canteen_back/internal/authz"
	"canteen_back/internal/ledger"
	"canteen_back/internal/models"
	"canteen_back/internal/qrtoken"
	"canteen_back/internal/reservations"
	"canteen_back/internal/response"
	"canteen_back/internal/ws"

	"github.com/gin-gonic/gin"
)

// principalFrom собирает участника запроса из контекста, заполненного
// auth-мидлварой.
func principalFrom(c *gin.Context) authz.Principal {
	role, _ := c.MustGet("userRole").(authz.Role)
	return authz.Principal{
		UserID: c.GetUint("userID"),
		Role:   role,
	}
}

// writeServiceError переводит типизированные ошибки ядра в HTTP-ответ с
// машинно-читаемым кодом. Ошибки никогда не схлопываются в один общий код.
func writeServiceError(c *gin.Context, err error) {
	var usedErr *reservations.AlreadyUsedError
	switch {
	case errors.As(err, &usedErr):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    "ALREADY_USED",
			Message: "Бронь уже использована",
			Details: usedErr.UsedAt.Format(time.RFC3339),
		})
	case errors.Is(err, reservations.ErrNotFound):
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    "RESERVATION_NOT_FOUND",
			Message: "Бронь не найдена",
		})
	case errors.Is(err, ledger.ErrSlotNotFound):
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    "SLOT_NOT_FOUND",
			Message: "Временной слот не найден",
		})
	case errors.Is(err, ledger.ErrSlotInactive):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "SLOT_INACTIVE",
			Message: "Временной слот не активен",
		})
	case errors.Is(err, ledger.ErrSlotFull):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    "SLOT_FULL",
			Message: "В слоте нет свободных мест",
		})
	case errors.Is(err, reservations.ErrDuplicateReservation):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    "DUPLICATE_RESERVATION",
			Message: "У вас уже есть активная бронь на этот слот",
		})
	case errors.Is(err, reservations.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, response.ErrorResponse{
			Code:    "PERMISSION_DENIED",
			Message: "Недостаточно прав для выполнения операции",
		})
	case errors.Is(err, reservations.ErrAlreadyCancelled):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "ALREADY_CANCELLED",
			Message: "Бронь уже отменена",
		})
	case errors.Is(err, reservations.ErrAlreadyUsed):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    "ALREADY_USED",
			Message: "Бронь уже использована",
		})
	case errors.Is(err, reservations.ErrTooLateToCancel):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "TOO_LATE_TO_CANCEL",
			Message: "До начала обслуживания осталось меньше 2 часов",
		})
	case errors.Is(err, reservations.ErrPastReservation):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "PAST_RESERVATION",
			Message: "Нельзя изменить или отменить прошедшую бронь",
		})
	case errors.Is(err, reservations.ErrPastSlot):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "PAST_TIME_SLOT",
			Message: "Нельзя перенести бронь на прошедший слот",
		})
	case errors.Is(err, reservations.ErrInvalidState):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_STATE",
			Message: "Недопустимое состояние брони для этой операции",
		})
	case errors.Is(err, reservations.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Некорректные данные брони",
		})
	case errors.Is(err, qrtoken.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_QR_TOKEN",
			Message: "Недействительный QR-токен",
		})
	default:
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Внутренняя ошибка сервера",
			Details: err.Error(),
		})
	}
}

func broadcastSlotUpdate(slot *models.TimeSlot) {
	if slot == nil {
		return
	}
	ws.HubInstance.BroadcastSlotUpdate(slot, "capacity_changed")
	invalidateSlotsCache()
}

type CreateReservationRequest struct {
	TimeSlotID uint    `json:"time_slot_id" binding:"required"`
	Capacity   int     `json:"capacity"`
	Amount     float64 `json:"amount" binding:"required"`
}

// CreateReservationHandler обрабатывает запрос на создание брони
// @Summary		Создание брони
// @Description	Создаёт бронь в состоянии pending и атомарно занимает места в слоте
// @Tags			reservations
// @Accept			json
// @Produce		json
// @Param			reservation	body		CreateReservationRequest	true	"Данные брони"
// @Security		BearerAuth
// @Success		201	{object}	map[string]interface{}	"ID созданной брони"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR, SLOT_INACTIVE)"
// @Failure		404	{object}	response.ErrorResponse	"Слот не найден (SLOT_NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"Нет мест или дубликат (SLOT_FULL, DUPLICATE_RESERVATION)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/reservations [post]
func CreateReservationHandler(c *gin.Context) {
	var req CreateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}
	if req.Capacity == 0 {
		req.Capacity = 1
	}

	reservation, slot, err := reservations.Create(principalFrom(c), req.TimeSlotID, req.Capacity, req.Amount)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	broadcastSlotUpdate(slot)

	c.JSON(http.StatusCreated, gin.H{
		"message":        "Бронь успешно создана",
		"reservation_id": reservation.ID.String(),
	})
}

type ConfirmReservationRequest struct {
	PaymentRef string `json:"payment_ref"`
}

// ConfirmReservationHandler обрабатывает подтверждение брони после оплаты
// @Summary		Подтверждение брони
// @Description	Переводит бронь pending -> confirmed с непрозрачным идентификатором оплаты
// @Tags			reservations
// @Accept			json
// @Produce		json
// @Param			id		path		string						true	"ID брони"
// @Param			payment	body		ConfirmReservationRequest	false	"Идентификатор оплаты"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Бронь подтверждена"
// @Failure		400	{object}	response.ErrorResponse	"Недопустимое состояние (INVALID_STATE)"
// @Failure		403	{object}	response.ErrorResponse	"Нет доступа (PERMISSION_DENIED)"
// @Failure		404	{object}	response.ErrorResponse	"Бронь не найдена (RESERVATION_NOT_FOUND)"
// @Router			/api/reservations/{id}/confirm [post]
func ConfirmReservationHandler(c *gin.Context) {
	var req ConfirmReservationRequest
	_ = c.ShouldBindJSON(&req)

	_, err := reservations.Confirm(principalFrom(c), c.Param("id"), req.PaymentRef)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Бронь успешно подтверждена"})
}

// GenerateQRHandler выпускает QR-токен для подтверждённой брони
// @Summary		Выпуск QR-токена
// @Description	Выпускает подписанный QR-токен (срок действия 2 часа); повторный выпуск перезаписывает предыдущий токен
// @Tags			reservations
// @Produce		json
// @Param			id	path		string	true	"ID брони"
// @Security		BearerAuth
// @Success		200	{object}	map[string]interface{}	"QR-токен"
// @Failure		400	{object}	response.ErrorResponse	"Бронь не подтверждена (INVALID_STATE)"
// @Failure		403	{object}	response.ErrorResponse	"Нет доступа (PERMISSION_DENIED)"
// @Failure		404	{object}	response.ErrorResponse	"Бронь не найдена (RESERVATION_NOT_FOUND)"
// @Router			/api/reservations/{id}/qr [post]
func GenerateQRHandler(c *gin.Context) {
	token, err := reservations.IssueTicket(principalFrom(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "QR-токен успешно выпущен",
		"qr_token": token,
	})
}

type CancelReservationRequest struct {
	Reason string `json:"reason"`
}

// CancelReservationHandler обрабатывает отмену брони
// @Summary		Отмена брони
// @Description	Отменяет бронь и освобождает места в слоте; отмена возможна не позднее чем за 2 часа до начала
// @Tags			reservations
// @Accept			json
// @Produce		json
// @Param			id		path		string						true	"ID брони"
// @Param			cancel	body		CancelReservationRequest	false	"Причина отмены"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Бронь отменена"
// @Failure		400	{object}	response.ErrorResponse	"Нарушение правил отмены (ALREADY_CANCELLED, TOO_LATE_TO_CANCEL, PAST_RESERVATION)"
// @Failure		403	{object}	response.ErrorResponse	"Нет доступа (PERMISSION_DENIED)"
// @Failure		409	{object}	response.ErrorResponse	"Бронь уже использована (ALREADY_USED)"
// @Router			/api/reservations/{id}/cancel [post]
func CancelReservationHandler(c *gin.Context) {
	var req CancelReservationRequest
	_ = c.ShouldBindJSON(&req)

	slot, err := reservations.Cancel(principalFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	broadcastSlotUpdate(slot)

	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Бронь успешно отменена"})
}

type ModifyReservationRequest struct {
	NewTimeSlotID uint `json:"new_time_slot_id" binding:"required"`
}

// ModifyReservationHandler переносит бронь на другой слот
// @Summary		Перенос брони
// @Description	Атомарно переносит бронь на другой слот: освобождение старого и занятие нового слота — всё или ничего
// @Tags			reservations
// @Accept			json
// @Produce		json
// @Param			id		path		string						true	"ID брони"
// @Param			modify	body		ModifyReservationRequest	true	"Новый слот"
// @Security		BearerAuth
// @Success		200	{object}	map[string]interface{}	"Данные нового слота"
// @Failure		400	{object}	response.ErrorResponse	"Нарушение правил переноса (TOO_LATE_TO_CANCEL, PAST_RESERVATION, PAST_TIME_SLOT, SLOT_INACTIVE)"
// @Failure		403	{object}	response.ErrorResponse	"Нет доступа (PERMISSION_DENIED)"
// @Failure		404	{object}	response.ErrorResponse	"Бронь или слот не найдены (RESERVATION_NOT_FOUND, SLOT_NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"В новом слоте нет мест (SLOT_FULL)"
// @Router			/api/reservations/{id}/modify [post]
func ModifyReservationHandler(c *gin.Context) {
	var req ModifyReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	oldSlot, newSlot, err := reservations.Modify(principalFrom(c), c.Param("id"), req.NewTimeSlotID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	broadcastSlotUpdate(oldSlot)
	broadcastSlotUpdate(newSlot)

	c.JSON(http.StatusOK, gin.H{
		"message": "Бронь успешно перенесена",
		"new_time_slot": gin.H{
			"id":         newSlot.ID,
			"start_time": newSlot.StartTime.Format(time.RFC3339),
			"end_time":   newSlot.EndTime.Format(time.RFC3339),
			"price":      newSlot.Price,
		},
	})
}

// UserReservationItem — одна бронь пользователя со сведениями о слоте.
type UserReservationItem struct {
	ReservationID string  `json:"reservation_id"`
	Status        string  `json:"status"`
	Capacity      int     `json:"capacity"`
	Amount        float64 `json:"amount"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	CreatedAt     string  `json:"created_at"`
	HasQRToken    bool    `json:"has_qr_token"`
}

// GetUserReservationsHandler godoc
// @Summary		Получение списка своих броней
// @Description	Возвращает брони текущего пользователя вместе с данными слотов
// @Tags			profile
// @Produce		json
// @Security		BearerAuth
// @Success		200	{array}		UserReservationItem	"Список броней пользователя"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/profile/reservations [get]
func GetUserReservationsHandler(c *gin.Context) {
	userID := c.GetUint("userID")

	list, err := reservations.ListForUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка загрузки броней пользователя",
			Details: err.Error(),
		})
		return
	}

	result := make([]UserReservationItem, 0, len(list))
	for _, r := range list {
		result = append(result, UserReservationItem{
			ReservationID: r.ID.String(),
			Status:        r.Status,
			Capacity:      r.Capacity,
			Amount:        r.Amount,
			StartTime:     r.TimeSlot.StartTime.Format(time.RFC3339),
			EndTime:       r.TimeSlot.EndTime.Format(time.RFC3339),
			CreatedAt:     r.CreatedAt.Format(time.RFC3339),
			HasQRToken:    r.QRToken != nil,
		})
	}

	c.JSON(http.StatusOK, result)
}

type ValidateQRRequest struct {
	QRToken string `json:"qr_token" binding:"required"`
}

// ValidateQRHandler проверяет QR-токен на точке выдачи
// @Summary		Валидация QR-кода
// @Description	Проверяет QR-токен и отмечает бронь использованной ровно один раз
// @Tags			validation
// @Accept			json
// @Produce		json
// @Param			token	body		ValidateQRRequest	true	"QR-токен"
// @Security		BearerAuth
// @Success		200	{object}	map[string]interface{}	"Данные студента и брони"
// @Failure		400	{object}	response.ErrorResponse	"Недействительный токен или состояние (INVALID_QR_TOKEN, INVALID_STATE)"
// @Failure		403	{object}	response.ErrorResponse	"Нет доступа (PERMISSION_DENIED)"
// @Failure		404	{object}	response.ErrorResponse	"Бронь не найдена (RESERVATION_NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"Бронь уже использована (ALREADY_USED, в details — исходное время)"
// @Router			/api/validate [post]
func ValidateQRHandler(c *gin.Context) {
	var req ValidateQRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	result, err := reservations.Validate(principalFrom(c), req.QRToken)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Талон успешно принят",
		"user_info": gin.H{
			"name":     result.UserName,
			"email":    result.UserEmail,
			"classe":   result.Classe,
			"capacity": result.Capacity,
		},
		"reservation_info": gin.H{
			"reservation_id": result.ReservationID,
			"time_slot":      result.TimeSlot,
			"amount":         result.Amount,
		},
		"used_at": result.UsedAt.Format(time.RFC3339),
	})
}
