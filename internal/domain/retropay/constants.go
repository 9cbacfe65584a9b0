package retropay

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

var Statuses = []Status{StatusPending, StatusApproved, StatusPaid, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

type Mode string

const (
	ModeSingle     Mode = "SINGLE"
	ModeEqualSplit Mode = "EQUAL_SPLIT"
	ModeCustom     Mode = "CUSTOM"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionCancel  Action = "cancel"
	ActionPay     Action = "pay"
)

const (
	LineKindEarning   = "earning"
	LineKindDeduction = "deduction"
)

const (
	MinSplitCount    = 2
	MaxSplitCount    = 24
	MinCustomEntries = 2
)

// EntityType is the audit entity name for adjustment records.
const EntityType = "retro_pay_adjustment"

const (
	AuditCreate         = "retropay.create"
	AuditApprove        = "retropay.approve"
	AuditCancel         = "retropay.cancel"
	AuditPay            = "retropay.pay"
	AuditPayInstallment = "retropay.pay_installment"
	JobReconcile        = "retropay_reconcile"
	CancelNotePrefix    = "cancelled: "
	defaultListLimit    = 50
	maxListLimit        = 200
)
