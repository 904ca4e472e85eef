package rbac

import "cashcount/api/internal/counting"

type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionArchive Action = "archive"
)

// Can reports whether a bound member with role may perform action in their
// unit. Deposit verification is decided per session by counting.CanVerifyDeposit.
func Can(role counting.Role, action Action) bool {
	switch role {
	case counting.RoleAdmin:
		return true
	case counting.RoleMember:
		return action == ActionRead || action == ActionWrite || action == ActionDelete
	default:
		return false
	}
}

func Normalize(role string) counting.Role {
	switch counting.Role(role) {
	case counting.RoleAdmin, counting.RoleMember:
		return counting.Role(role)
	default:
		return counting.RoleMember
	}
}
