package auth

type Role string

const (
	// RoleScheduler is the cron or workflow principal that starts runs.
	RoleScheduler Role = "scheduler"
	RoleOperator  Role = "operator"
	// RoleProvider is the payment provider posting status callbacks.
	RoleProvider Role = "provider"
)

// Action is an operation on the trigger API.
type Action string

const (
	ActionRun        Action = "run"
	ActionReconcile  Action = "reconcile"
	ActionCallback   Action = "callback"
	ActionReadLedger Action = "read_ledger"
)

// Principal is the authenticated caller of the trigger API.
type Principal struct {
	Subject string
	Role    Role
}

func isValidRole(role Role) bool {
	switch role {
	case RoleScheduler, RoleOperator, RoleProvider:
		return true
	default:
		return false
	}
}

// Allows reports whether role may perform action.
func (r Role) Allows(action Action) bool {
	switch r {
	case RoleOperator:
		return true
	case RoleScheduler:
		return action == ActionRun || action == ActionReconcile
	case RoleProvider:
		return action == ActionCallback
	default:
		return false
	}
}
