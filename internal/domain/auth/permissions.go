package auth

import (
	"context"
	"slices"
)

const (
	PermRetroPayCreate  = "retropay.create"
	PermRetroPayApprove = "retropay.approve"
	PermRetroPayCancel  = "retropay.cancel"
	PermRetroPayPay     = "retropay.pay"
	PermRetroPayRead    = "retropay.read"
	PermRetroPayPayout  = "retropay.payout"
)

var RolePermissions = map[string][]string{
	RoleHR: {
		PermRetroPayCreate,
		PermRetroPayApprove,
		PermRetroPayCancel,
		PermRetroPayPay,
		PermRetroPayRead,
		PermRetroPayPayout,
	},
	RolePayrollAdmin: {
		PermRetroPayCreate,
		PermRetroPayApprove,
		PermRetroPayCancel,
		PermRetroPayPay,
		PermRetroPayRead,
		PermRetroPayPayout,
	},
	RolePayrollRun: {
		PermRetroPayPay,
		PermRetroPayPayout,
	},
	RoleManager: {
		PermRetroPayRead,
	},
}

func Allowed(role, permission string) bool {
	return slices.Contains(RolePermissions[role], permission)
}

// Policy answers permission checks from the static role table. RoleID in
// tokens carries the role name, so both lookups resolve the same way.
type Policy struct{}

func (Policy) HasPermission(_ context.Context, role, permission string) (bool, error) {
	return Allowed(role, permission), nil
}
