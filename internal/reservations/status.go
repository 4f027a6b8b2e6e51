package reservations

// Замкнутое множество состояний брони.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusUsed      = "used"
)

// Таблица переходов жизненного цикла. Из cancelled и used выхода нет.
var transitions = map[string][]string{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusUsed, StatusCancelled},
}

// CanTransition сообщает, допустим ли переход from -> to.
// Любой переход вне таблицы отклоняется.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
