package reservations

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound             = errors.New("бронь не найдена")
	ErrPermissionDenied     = errors.New("доступ запрещён")
	ErrInvalidArgument      = errors.New("некорректные данные брони")
	ErrDuplicateReservation = errors.New("у пользователя уже есть активная бронь на этот слот")
	ErrInvalidState         = errors.New("недопустимое состояние брони для этой операции")
	ErrAlreadyCancelled     = errors.New("бронь уже отменена")
	ErrAlreadyUsed          = errors.New("бронь уже использована")
	ErrPastReservation      = errors.New("нельзя изменить или отменить прошедшую бронь")
	ErrTooLateToCancel      = errors.New("до начала обслуживания осталось меньше 2 часов")
	ErrPastSlot             = errors.New("нельзя перенести бронь на прошедший слот")
)

// AlreadyUsedError сохраняет исходное время использования брони,
// чтобы повторная валидация могла вернуть его без изменения записи.
type AlreadyUsedError struct {
	UsedAt time.Time
}

func (e *AlreadyUsedError) Error() string {
	return fmt.Sprintf("бронь уже использована %s", e.UsedAt.Format(time.RFC3339))
}

func (e *AlreadyUsedError) Is(target error) bool {
	return target == ErrAlreadyUsed
}
