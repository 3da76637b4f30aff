// Пакет rbac — роли пользователей и правила доступа к операциям синхронизации.
// Роль приходит в JWT (claim ES_JWT_ROLE_CLAIM) или хранится в users.role.
package rbac

import "strings"

// Роли пользователей.
const (
	RoleGuest      = "guest"
	RoleApplicant  = "applicant"
	RoleMobilizer  = "mobilizer"
	RoleSupport    = "support"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// roleWeight — вес роли для сравнения.
// Чем выше вес, тем больше привилегий.
var roleWeight = map[string]int{
	RoleGuest:      0,
	RoleApplicant:  1,
	RoleMobilizer:  1,
	RoleSupport:    2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// Normalize приводит роль к нижнему регистру без пробелов.
// Значения вида SUPERADMIN и " Admin " считаются допустимыми.
func Normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[Normalize(role)]
	return ok
}

// IsApplicant — только заявители проходят синхронизацию зачислений.
func IsApplicant(role string) bool {
	return Normalize(role) == RoleApplicant
}

// IsElevated — admin или superadmin (запуск sweep).
func IsElevated(role string) bool {
	r := Normalize(role)
	return r == RoleAdmin || r == RoleSuperAdmin
}

// HighestRole возвращает максимальную роль из набора.
// Неизвестные роли игнорируются. Если подходящих нет — пустая строка.
func HighestRole(roles []string) string {
	highest := ""
	for _, r := range roles {
		r = Normalize(r)
		w, ok := roleWeight[r]
		if !ok {
			continue
		}
		if highest == "" || w > roleWeight[highest] {
			highest = r
		}
	}
	return highest
}

// HasAnyRole проверяет, совпадает ли роль с одной из указанных.
func HasAnyRole(role string, allowed ...string) bool {
	r := Normalize(role)
	for _, a := range allowed {
		if r == a {
			return true
		}
	}
	return false
}
