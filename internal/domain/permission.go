package domain

// PermissionLevel orders staff privilege tiers. Commands register the lowest
// level allowed to invoke them; a caller's level must be at least as high.
type PermissionLevel int

const (
	PermissionInvalid PermissionLevel = -1
	PermissionRegular PermissionLevel = iota
	PermissionSupporter
	PermissionModerator
	PermissionAdministrator
	PermissionOwner
)

func (p PermissionLevel) String() string {
	switch p {
	case PermissionRegular:
		return "regular"
	case PermissionSupporter:
		return "supporter"
	case PermissionModerator:
		return "moderator"
	case PermissionAdministrator:
		return "administrator"
	case PermissionOwner:
		return "owner"
	default:
		return "invalid"
	}
}

// ParsePermissionLevel maps a config string to a level, or PermissionInvalid.
func ParsePermissionLevel(s string) PermissionLevel {
	switch s {
	case "regular":
		return PermissionRegular
	case "supporter":
		return PermissionSupporter
	case "moderator":
		return PermissionModerator
	case "administrator":
		return PermissionAdministrator
	case "owner":
		return PermissionOwner
	}
	return PermissionInvalid
}
