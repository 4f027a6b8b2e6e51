package reservations

import (
	"errors"
	"time"

	"canteen_back/internal/audit"
	"canteen_back/internal/authz"
	"canteen_back/internal/ledger"
	"canteen_back/internal/models"
	"canteen_back/internal/qrtoken"
	"canteen_back/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CancelLeadTime — минимальный интервал до начала слота, в течение которого
// отмена и перенос ещё разрешены. Правило бизнесовое: столовая планирует
// закупку под подтверждённое число мест.
const CancelLeadTime = 2 * time.Hour

// ValidationResult — данные, возвращаемые сотруднику после успешной
// валидации QR-кода.
type ValidationResult struct {
	ReservationID string
	UserName      string
	UserEmail     string
	Classe        string
	Capacity      int
	TimeSlot      string
	Amount        float64
	UsedAt        time.Time
}

func lockReservation(tx *gorm.DB, id uuid.UUID) (*models.Reservation, error) {
	var r models.Reservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func parseReservationID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

// auditOutcome пишет запись аудита об исходе операции. Вызывается после
// фиксации или отката транзакции, никогда внутри неё.
func auditOutcome(p authz.Principal, action, resourceID string, details map[string]interface{}, err error) {
	entry := audit.Entry{
		UserID:     audit.Actor(p.UserID),
		UserRole:   string(p.Role),
		Action:     action,
		Resource:   "reservation",
		ResourceID: resourceID,
		Details:    details,
	}
	if err != nil {
		entry.Result = audit.ResultFailure
		entry.ErrorMessage = err.Error()
	}
	audit.Record(entry)
}

// Create создаёт бронь в состоянии pending. Занятие мест в слоте и создание
// записи брони выполняются в одной транзакции: если запись создать не
// удалось, занятые места освобождаются откатом.
func Create(p authz.Principal, slotID uint, capacity int, amount float64) (*models.Reservation, *models.TimeSlot, error) {
	details := map[string]interface{}{"time_slot_id": slotID, "capacity": capacity, "amount": amount}

	if !authz.Allowed(authz.OpCreateReservation, p.Role) {
		auditOutcome(p, string(authz.OpCreateReservation), "", details, ErrPermissionDenied)
		return nil, nil, ErrPermissionDenied
	}
	if capacity < 1 || amount <= 0 {
		auditOutcome(p, string(authz.OpCreateReservation), "", details, ErrInvalidArgument)
		return nil, nil, ErrInvalidArgument
	}

	var created *models.Reservation
	var slot *models.TimeSlot
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		s, err := ledger.TryReserve(tx, slotID, capacity)
		if err != nil {
			return err
		}

		// Не больше одной живой (pending|confirmed) брони на пару
		// (пользователь, слот). Блокировка строки слота в TryReserve
		// сериализует конкурентные создания по этому же слоту.
		var existing models.Reservation
		err = tx.Where("user_id = ? AND time_slot_id = ? AND status IN ?",
			p.UserID, slotID, []string{StatusPending, StatusConfirmed}).First(&existing).Error
		if err == nil {
			return ErrDuplicateReservation
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		r := models.Reservation{
			UserID:     p.UserID,
			TimeSlotID: slotID,
			Status:     StatusPending,
			Capacity:   capacity,
			Amount:     amount,
		}
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		created = &r
		slot = s
		return nil
	})

	resourceID := ""
	if created != nil {
		resourceID = created.ID.String()
	}
	auditOutcome(p, string(authz.OpCreateReservation), resourceID, details, err)
	if err != nil {
		return nil, nil, err
	}
	return created, slot, nil
}

// Confirm переводит бронь pending -> confirmed, фиксируя непрозрачный
// идентификатор оплаты. Сама оплата ядру не принадлежит.
func Confirm(p authz.Principal, reservationID, paymentRef string) (*models.Reservation, error) {
	details := map[string]interface{}{"payment_ref": paymentRef}

	id, err := parseReservationID(reservationID)
	if err != nil {
		auditOutcome(p, string(authz.OpConfirmReservation), reservationID, details, err)
		return nil, err
	}

	var confirmed *models.Reservation
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		r, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		if !authz.CanActOn(p, r.UserID) {
			return ErrPermissionDenied
		}
		if !CanTransition(r.Status, StatusConfirmed) {
			return ErrInvalidState
		}
		now := time.Now()
		updates := map[string]interface{}{
			"status":       StatusConfirmed,
			"confirmed_at": now,
		}
		if paymentRef != "" {
			updates["payment_ref"] = paymentRef
		}
		if err := tx.Model(r).Updates(updates).Error; err != nil {
			return err
		}
		r.Status = StatusConfirmed
		r.ConfirmedAt = &now
		confirmed = r
		return nil
	})

	auditOutcome(p, string(authz.OpConfirmReservation), reservationID, details, err)
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// IssueTicket выпускает QR-токен для подтверждённой брони. Повторный выпуск
// перезаписывает предыдущий токен: валидация сверяет предъявленный токен с
// актуальным значением, поэтому старый токен перестаёт действовать.
func IssueTicket(p authz.Principal, reservationID string) (string, error) {
	id, err := parseReservationID(reservationID)
	if err != nil {
		auditOutcome(p, string(authz.OpIssueTicket), reservationID, nil, err)
		return "", err
	}

	var token string
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		r, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		if !authz.CanActOn(p, r.UserID) {
			return ErrPermissionDenied
		}
		if r.Status != StatusConfirmed {
			return ErrInvalidState
		}

		var slot models.TimeSlot
		if err := tx.First(&slot, r.TimeSlotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrSlotNotFound
			}
			return err
		}

		token, err = qrtoken.Issue(r.ID.String(), r.UserID, slot.StartTime, r.Capacity)
		if err != nil {
			return err
		}
		now := time.Now()
		return tx.Model(r).Updates(map[string]interface{}{
			"qr_token":        token,
			"qr_generated_at": now,
		}).Error
	})

	auditOutcome(p, string(authz.OpIssueTicket), reservationID, nil, err)
	if err != nil {
		return "", err
	}
	return token, nil
}

// Validate проверяет QR-токен и переводит бронь confirmed -> used строго
// один раз: строка брони блокируется до проверки статуса, поэтому из двух
// конкурентных валидаций одна получит used и вернёт AlreadyUsedError.
func Validate(p authz.Principal, token string) (*ValidationResult, error) {
	details := map[string]interface{}{"qr_token": truncateToken(token)}

	if !authz.Allowed(authz.OpValidateTicket, p.Role) {
		auditOutcome(p, string(authz.OpValidateTicket), "", details, ErrPermissionDenied)
		return nil, ErrPermissionDenied
	}

	claims, err := qrtoken.Verify(token)
	if err != nil {
		auditOutcome(p, string(authz.OpValidateTicket), "", details, err)
		return nil, err
	}

	id, err := parseReservationID(claims.Subject)
	if err != nil {
		auditOutcome(p, string(authz.OpValidateTicket), claims.Subject, details, err)
		return nil, err
	}

	var result *ValidationResult
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		r, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		if r.Status == StatusUsed {
			usedAt := time.Now()
			if r.UsedAt != nil {
				usedAt = *r.UsedAt
			}
			return &AlreadyUsedError{UsedAt: usedAt}
		}
		if r.Status != StatusConfirmed {
			return ErrInvalidState
		}
		// Валидация принимает только актуальный токен брони: перевыпуск
		// делает прежний токен недействительным.
		if r.QRToken == nil || *r.QRToken != token {
			return qrtoken.ErrInvalidToken
		}

		var user models.User
		if err := tx.First(&user, r.UserID).Error; err != nil {
			return err
		}

		now := time.Now()
		if err := tx.Model(r).Updates(map[string]interface{}{
			"status":       StatusUsed,
			"used_at":      now,
			"validated_by": p.UserID,
		}).Error; err != nil {
			return err
		}

		result = &ValidationResult{
			ReservationID: r.ID.String(),
			UserName:      user.DisplayName,
			UserEmail:     user.Email,
			Classe:        user.Classe,
			Capacity:      r.Capacity,
			TimeSlot:      claims.TimeSlot,
			Amount:        r.Amount,
			UsedAt:        now,
		}
		return nil
	})

	auditOutcome(p, string(authz.OpValidateTicket), claims.Subject, details, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel отменяет бронь и освобождает занятые места в одной транзакции.
// Слот находится по внешнему ключу брони, а не по совпадению времени.
func Cancel(p authz.Principal, reservationID, reason string) (*models.TimeSlot, error) {
	if reason == "" {
		reason = "User cancelled"
	}
	details := map[string]interface{}{"reason": reason}

	id, err := parseReservationID(reservationID)
	if err != nil {
		auditOutcome(p, string(authz.OpCancelReservation), reservationID, details, err)
		return nil, err
	}

	var slot *models.TimeSlot
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		r, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		if !authz.CanActOn(p, r.UserID) {
			return ErrPermissionDenied
		}
		if r.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		if r.Status == StatusUsed {
			return ErrAlreadyUsed
		}

		var s models.TimeSlot
		if err := tx.First(&s, r.TimeSlotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrSlotNotFound
			}
			return err
		}
		now := time.Now()
		if s.StartTime.Before(now) {
			return ErrPastReservation
		}
		if s.StartTime.Sub(now) < CancelLeadTime {
			return ErrTooLateToCancel
		}

		if err := tx.Model(r).Updates(map[string]interface{}{
			"status":              StatusCancelled,
			"cancelled_at":        now,
			"cancellation_reason": reason,
		}).Error; err != nil {
			return err
		}

		slot, err = ledger.Release(tx, r.TimeSlotID, r.Capacity)
		return err
	})

	auditOutcome(p, string(authz.OpCancelReservation), reservationID, details, err)
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// Modify переносит бронь на другой слот: освобождение старого слота и
// занятие нового выполняются как единый перенос — при любой ошибке
// транзакция откатывается и частичное изменение счётчиков не наблюдаемо.
func Modify(p authz.Principal, reservationID string, newSlotID uint) (*models.TimeSlot, *models.TimeSlot, error) {
	details := map[string]interface{}{"new_time_slot_id": newSlotID}

	id, err := parseReservationID(reservationID)
	if err != nil {
		auditOutcome(p, string(authz.OpModifyReservation), reservationID, details, err)
		return nil, nil, err
	}

	var oldSlot, newSlot *models.TimeSlot
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		r, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		if !authz.CanActOn(p, r.UserID) {
			return ErrPermissionDenied
		}
		if r.Status != StatusPending && r.Status != StatusConfirmed {
			return ErrInvalidState
		}
		if r.TimeSlotID == newSlotID {
			return ErrInvalidArgument
		}

		var current models.TimeSlot
		if err := tx.First(&current, r.TimeSlotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrSlotNotFound
			}
			return err
		}
		now := time.Now()
		if current.StartTime.Before(now) {
			return ErrPastReservation
		}
		if current.StartTime.Sub(now) < CancelLeadTime {
			return ErrTooLateToCancel
		}

		var target models.TimeSlot
		if err := tx.First(&target, newSlotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrSlotNotFound
			}
			return err
		}
		if target.StartTime.Before(now) {
			return ErrPastSlot
		}

		oldSlot, newSlot, err = ledger.Transfer(tx, r.TimeSlotID, newSlotID, r.Capacity)
		if err != nil {
			return err
		}

		return tx.Model(r).Updates(map[string]interface{}{
			"time_slot_id": newSlotID,
			"amount":       newSlot.Price * float64(r.Capacity),
		}).Error
	})

	auditOutcome(p, string(authz.OpModifyReservation), reservationID, details, err)
	if err != nil {
		return nil, nil, err
	}
	return oldSlot, newSlot, nil
}

// ListForUser возвращает брони пользователя вместе с данными слотов.
func ListForUser(userID uint) ([]models.Reservation, error) {
	var list []models.Reservation
	err := storage.DB.
		Preload("TimeSlot").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&list).Error
	return list, err
}

func truncateToken(token string) string {
	if len(token) > 20 {
		return token[:20] + "..."
	}
	return token
}
