package retropay

import (
	"time"

	"github.com/shopspring/decimal"
)

type Installment struct {
	ID     string          `json:"id"`
	Month  int             `json:"month"`
	Year   int             `json:"year"`
	Amount decimal.Decimal `json:"amount"`
	PaidAt *time.Time      `json:"paidAt,omitempty"`
}

func (i Installment) Paid() bool { return i.PaidAt != nil }

type Record struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	EmployeeID    string          `json:"employeeId"`
	Reason        string          `json:"reason"`
	EffectiveFrom time.Time       `json:"effectiveFrom"`
	EffectiveTo   time.Time       `json:"effectiveTo"`
	OldAmount     decimal.Decimal `json:"oldAmount"`
	NewAmount     decimal.Decimal `json:"newAmount"`
	Difference    decimal.Decimal `json:"difference"`
	MonthsCount   int             `json:"monthsCount"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Mode          Mode            `json:"distributionMode"`
	Status        Status          `json:"status"`
	ApproverID    string          `json:"approverId,omitempty"`
	ApprovedAt    *time.Time      `json:"approvedAt,omitempty"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	CancelledAt   *time.Time      `json:"cancelledAt,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedBy     string          `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	Version       int             `json:"version"`
	Installments  []Installment   `json:"installments"`
}

// Distribution selects how the total is scheduled. Only the fields of the
// chosen mode are read.
type Distribution struct {
	Mode         Mode           `json:"mode"`
	Month        int            `json:"month,omitempty"`
	Year         int            `json:"year,omitempty"`
	Count        int            `json:"count,omitempty"`
	StartMonth   int            `json:"startMonth,omitempty"`
	StartYear    int            `json:"startYear,omitempty"`
	Installments []ScheduleItem `json:"installments,omitempty"`
}

type ScheduleItem struct {
	Month  int             `json:"month"`
	Year   int             `json:"year"`
	Amount decimal.Decimal `json:"amount"`
}

type PlanRequest struct {
	OldAmount     decimal.Decimal
	NewAmount     decimal.Decimal
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	Distribution  Distribution
}

type Plan struct {
	Difference   decimal.Decimal `json:"difference"`
	MonthsCount  int             `json:"monthsCount"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Mode         Mode            `json:"distributionMode"`
	Installments []ScheduleItem  `json:"installments"`
}

type CreateInput struct {
	EmployeeID string
	Reason     string
	Notes      string
	Plan       PlanRequest
}

type ListFilter struct {
	EmployeeID string
	Statuses   []Status
	Limit      int
	Offset     int
}

type ListResult struct {
	Items []Record `json:"items"`
	Total int      `json:"total"`
}

type PayoutLine struct {
	RecordID      string          `json:"recordId"`
	InstallmentID string          `json:"installmentId"`
	Reason        string          `json:"reason"`
	Amount        decimal.Decimal `json:"amount"`
	Kind          string          `json:"kind"`
	Paid          bool            `json:"paid"`
}

type Payout struct {
	EmployeeID string          `json:"employeeId"`
	Month      int             `json:"month"`
	Year       int             `json:"year"`
	Due        decimal.Decimal `json:"payoutDue"`
	Lines      []PayoutLine    `json:"lines"`
}

type StatusTotal struct {
	Status Status          `json:"status"`
	Count  int             `json:"count"`
	Total  decimal.Decimal `json:"totalAmount"`
}

type Statistics struct {
	Year        int             `json:"year"`
	ByStatus    []StatusTotal   `json:"byStatus"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type ReconcileReport struct {
	TenantID   string   `json:"tenantId"`
	Checked    int      `json:"checked"`
	Mismatched []string `json:"mismatched"`
}
