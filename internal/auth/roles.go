package auth

// Role is the access level carried in a token's role claim. Levels are
// ordered: viewers read dashboards and history, operators additionally
// acknowledge alarms and enter manual readings, admins additionally
// maintain threshold rules and the equipment registry.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleOrder ranks the known roles. Anything absent ranks below viewer.
var roleOrder = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole maps a raw claim string onto a known role. The second
// return is false for values outside the three-level scheme.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, known := roleOrder[role]; !known {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role meets or exceeds the required level.
func RoleAtLeast(role Role, required Role) bool {
	return roleOrder[role] >= roleOrder[required]
}
