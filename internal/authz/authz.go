package authz

import "fmt"

// Role — роль пользователя, утверждается провайдером идентификации (JWT),
// ядро её не вычисляет.
type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// ParseRole проверяет строковую роль; любое неизвестное значение отклоняется.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleStudent, RoleStaff, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("неизвестная роль: %q", s)
}

// Principal — аутентифицированный участник запроса.
type Principal struct {
	UserID uint
	Role   Role
}

type Operation string

const (
	OpCreateReservation  Operation = "create_reservation"
	OpConfirmReservation Operation = "confirm_reservation"
	OpIssueTicket        Operation = "generate_qr_token"
	OpValidateTicket     Operation = "validate_qr_code"
	OpCancelReservation  Operation = "cancel_reservation"
	OpModifyReservation  Operation = "modify_reservation"
	OpManageSlots        Operation = "manage_time_slots"
	OpAssignRole         Operation = "set_user_role"
)

// Таблица разрешений: операция -> роли, которым она доступна.
// Операции над собственной бронью дополнительно проверяются через CanActOn.
var permissions = map[Operation][]Role{
	OpCreateReservation:  {RoleStudent},
	OpConfirmReservation: {RoleStudent, RoleStaff, RoleAdmin},
	OpIssueTicket:        {RoleStudent, RoleStaff, RoleAdmin},
	OpValidateTicket:     {RoleStaff, RoleAdmin},
	OpCancelReservation:  {RoleStudent, RoleStaff, RoleAdmin},
	OpModifyReservation:  {RoleStudent, RoleStaff, RoleAdmin},
	OpManageSlots:        {RoleAdmin},
	OpAssignRole:         {RoleAdmin},
}

// Allowed сообщает, разрешена ли операция для данной роли.
// Неизвестная операция или роль — запрет (fail closed).
func Allowed(op Operation, role Role) bool {
	for _, r := range permissions[op] {
		if r == role {
			return true
		}
	}
	return false
}

// CanActOn сообщает, может ли участник действовать над ресурсом,
// принадлежащим ownerID: владелец, либо staff/admin.
func CanActOn(p Principal, ownerID uint) bool {
	if p.UserID == ownerID {
		return true
	}
	return p.Role == RoleStaff || p.Role == RoleAdmin
}
