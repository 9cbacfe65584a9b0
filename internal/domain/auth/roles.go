package auth

const (
	RoleHR           = "hr"
	RolePayrollAdmin = "payroll_admin"
	RolePayrollRun   = "payroll_run"
	RoleManager      = "manager"
	RoleEmployee     = "employee"
)

// Actor is the caller of a retro pay command. It is always passed
// explicitly; nothing reads it from ambient state.
type Actor struct {
	UserID   string
	TenantID string
	Role     string
}

// UserContext is what the HTTP auth middleware places on the request.
type UserContext struct {
	UserID   string
	TenantID string
	RoleID   string
	RoleName string
}

func (u UserContext) Actor() Actor {
	return Actor{UserID: u.UserID, TenantID: u.TenantID, Role: u.RoleName}
}
