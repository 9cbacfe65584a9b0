package retropay

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type StoreAPI interface {
	// CreateRecord persists a record and its installments atomically.
	CreateRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, tenantID, recordID string) (Record, error)
	ListRecords(ctx context.Context, tenantID string, filter ListFilter) ([]Record, int, error)
	// ApplyTransition writes t only if the record is still at
	// t.ExpectedVersion, otherwise it returns ErrStaleVersion.
	ApplyTransition(ctx context.Context, t Transition) (Record, error)
	PayoutLines(ctx context.Context, tenantID, employeeID string, month, year int) ([]PayoutLine, error)
	Statistics(ctx context.Context, tenantID string, year int) ([]StatusTotal, decimal.Decimal, error)
	ListTenants(ctx context.Context) ([]string, error)
}

type EmployeeDirectory interface {
	EmployeeExists(ctx context.Context, tenantID, employeeID string) (bool, error)
}

type Period struct {
	Month int
	Year  int
}

// Transition is a versioned change to a record's lifecycle fields. Financial
// fields are never part of it.
type Transition struct {
	TenantID        string
	RecordID        string
	ExpectedVersion int
	Status          Status
	ApproverID      string
	ApprovedAt      *time.Time
	PaidAt          *time.Time
	CancelledAt     *time.Time
	Notes           string
	PayPeriods      []Period
	PaidOn          time.Time
}
