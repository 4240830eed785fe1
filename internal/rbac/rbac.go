// Package rbac decides what a project member may do.
package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

const (
	ActionRead          Action = "read"
	ActionEditBoard     Action = "edit_board"
	ActionChat          Action = "chat"
	ActionInvite        Action = "invite"
	ActionManageMembers Action = "manage_members"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionEditBoard || action == ActionChat || action == ActionInvite
	default:
		return false
	}
}

// Normalize maps a stored role onto a known one. The empty string means the
// user is not a member and stays empty.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleOwner:
		return Role(role)
	default:
		return ""
	}
}
