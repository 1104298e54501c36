package auth

import (
	"sort"

	"github.com/123ashny/KENYASHIP/internal/model"
)

// Fixed grant table. admin and system hold the wildcard.
var rolePermissions = map[string][]string{
	model.RoleCustomer:        {"read:own_delivery", "write:own_delivery_consent", "read:own_notification"},
	model.RoleDriver:          {"read:assigned_delivery", "write:delivery_status", "read:emergency", "write:emergency"},
	model.RoleDispatcher:      {"read:all_delivery", "write:delivery_assignment", "read:emergency", "read:audit"},
	model.RoleSecurityOfficer: {"read:security_alert", "write:security_alert", "read:emergency", "read:audit", "read:location_history"},
	model.RoleAdmin:           {"*"},
	model.RoleSystem:          {"*"},
}

// HasPermission reports whether role grants perm, honouring the wildcard.
func HasPermission(role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// Permissions returns a copy of the grant list for role.
func Permissions(role string) []string {
	return append([]string(nil), rolePermissions[role]...)
}

// ValidRole reports whether role is part of the identity model.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Roles lists the recognised role names in stable order.
func Roles() []string {
	out := make([]string, 0, len(rolePermissions))
	for r := range rolePermissions {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
