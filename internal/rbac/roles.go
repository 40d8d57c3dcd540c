package rbac

// Role names. Keep these stable; they are carried in issued tokens.
const (
	// RoleAdmin manages a business account: channel address, calling settings.
	RoleAdmin = "admin"
	// RoleRepresentative takes and places calls for the account.
	RoleRepresentative = "representative"
	// RolePlatformAdmin operates the bridge itself and bypasses role checks.
	RolePlatformAdmin = "platform_admin"
)

func IsPlatformAdmin(role string) bool { return role == RolePlatformAdmin }

// CanCall reports whether the role may take or place calls.
func CanCall(role string) bool {
	return role == RoleRepresentative || role == RoleAdmin || IsPlatformAdmin(role)
}
