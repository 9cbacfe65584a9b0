package retropay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"retropay/internal/domain/auth"
	"retropay/internal/platform/lock"
)

type Service struct {
	store     StoreAPI
	employees EmployeeDirectory
	locker    lock.Locker
	observer  Observer
	now       func() time.Time
}

// Observer is told about every committed change. before is nil on create.
type Observer interface {
	Committed(ctx context.Context, actor auth.Actor, event string, before *Record, after Record)
}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store StoreAPI, employees EmployeeDirectory, opts ...Option) *Service {
	s := &Service{
		store:     store,
		employees: employees,
		locker:    lock.Noop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func authorize(actor auth.Actor, permission string) error {
	if actor.UserID == "" || actor.TenantID == "" || !auth.Allowed(actor.Role, permission) {
		return ErrForbidden
	}
	return nil
}

// Preview runs the same validation as Create without persisting anything.
func (s *Service) Preview(ctx context.Context, actor auth.Actor, in CreateInput) (Plan, error) {
	if err := authorize(actor, auth.PermRetroPayCreate); err != nil {
		return Plan{}, err
	}
	return s.plan(ctx, actor.TenantID, in)
}

func (s *Service) plan(ctx context.Context, tenantID string, in CreateInput) (Plan, error) {
	if strings.TrimSpace(in.EmployeeID) == "" {
		return Plan{}, invalid("employeeId", "required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return Plan{}, invalid("reason", "required")
	}
	plan, err := BuildPlan(in.Plan)
	if err != nil {
		return Plan{}, err
	}
	exists, err := s.employees.EmployeeExists(ctx, tenantID, in.EmployeeID)
	if err != nil {
		return Plan{}, fmt.Errorf("employee lookup: %w", err)
	}
	if !exists {
		return Plan{}, invalid("employeeId", "unknown employee")
	}
	return plan, nil
}

func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (Record, error) {
	if err := authorize(actor, auth.PermRetroPayCreate); err != nil {
		return Record{}, err
	}
	plan, err := s.plan(ctx, actor.TenantID, in)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:            uuid.NewString(),
		TenantID:      actor.TenantID,
		EmployeeID:    in.EmployeeID,
		Reason:        strings.TrimSpace(in.Reason),
		EffectiveFrom: dateOnly(in.Plan.EffectiveFrom),
		EffectiveTo:   dateOnly(in.Plan.EffectiveTo),
		OldAmount:     in.Plan.OldAmount,
		NewAmount:     in.Plan.NewAmount,
		Difference:    plan.Difference,
		MonthsCount:   plan.MonthsCount,
		TotalAmount:   plan.TotalAmount,
		Mode:          plan.Mode,
		Status:        StatusPending,
		Notes:         strings.TrimSpace(in.Notes),
		CreatedBy:     actor.UserID,
		CreatedAt:     s.now().UTC(),
		Version:       1,
	}
	for _, item := range plan.Installments {
		rec.Installments = append(rec.Installments, Installment{
			ID:     uuid.NewString(),
			Month:  item.Month,
			Year:   item.Year,
			Amount: item.Amount,
		})
	}

	if err := s.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrValidation) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("create record: %w", err)
	}
	s.notify(ctx, actor, AuditCreate, nil, rec)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, recordID string) (Record, error) {
	if err := authorize(actor, auth.PermRetroPayRead); err != nil {
		return Record{}, err
	}
	return s.load(ctx, actor.TenantID, recordID)
}

func (s *Service) load(ctx context.Context, tenantID, recordID string) (Record, error) {
	rec, err := s.store.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		return Record{}, err
	}
	if err := checkStored(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, filter ListFilter) (ListResult, error) {
	if err := authorize(actor, auth.PermRetroPayRead); err != nil {
		return ListResult{}, err
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return ListResult{}, invalid("status", "unknown status %q", st)
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	records, total, err := s.store.ListRecords(ctx, actor.TenantID, filter)
	if err != nil {
		return ListResult{}, err
	}
	for _, rec := range records {
		if err := checkStored(rec); err != nil {
			return ListResult{}, fmt.Errorf("record %s: %w", rec.ID, err)
		}
	}
	if records == nil {
		records = []Record{}
	}
	return ListResult{Items: records, Total: total}, nil
}

func (s *Service) Approve(ctx context.Context, actor auth.Actor, recordID string) (Record, error) {
	if err := authorize(actor, auth.PermRetroPayApprove); err != nil {
		return Record{}, err
	}
	return s.transition(ctx, actor, AuditApprove, recordID, func(rec Record, t *Transition) (bool, error) {
		to, err := NextStatus(rec.ID, rec.Status, ActionApprove)
		if err != nil {
			return false, err
		}
		now := s.now().UTC()
		t.Status = to
		t.ApproverID = actor.UserID
		t.ApprovedAt = &now
		return true, nil
	})
}

// Cancel moves a PENDING record to CANCELLED. A non-empty reason is appended
// to the notes.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, recordID, reason string) (Record, error) {
	if err := authorize(actor, auth.PermRetroPayCancel); err != nil {
		return Record{}, err
	}
	return s.transition(ctx, actor, AuditCancel, recordID, func(rec Record, t *Transition) (bool, error) {
		to, err := NextStatus(rec.ID, rec.Status, ActionCancel)
		if err != nil {
			return false, err
		}
		now := s.now().UTC()
		t.Status = to
		t.CancelledAt = &now
		t.Notes = appendNote(rec.Notes, reason)
		return true, nil
	})
}

// MarkPaid settles every remaining installment and moves the record to PAID.
// Repeating it on a PAID record returns the record unchanged.
func (s *Service) MarkPaid(ctx context.Context, actor auth.Actor, recordID string) (Record, error) {
	if err := authorize(actor, auth.PermRetroPayPay); err != nil {
		return Record{}, err
	}
	return s.transition(ctx, actor, AuditPay, recordID, func(rec Record, t *Transition) (bool, error) {
		if rec.Status == StatusPaid {
			return false, nil
		}
		to, err := NextStatus(rec.ID, rec.Status, ActionPay)
		if err != nil {
			return false, err
		}
		now := s.now().UTC()
		t.Status = to
		t.PaidAt = &now
		t.PaidOn = now
		for _, inst := range rec.Installments {
			if !inst.Paid() {
				t.PayPeriods = append(t.PayPeriods, Period{Month: inst.Month, Year: inst.Year})
			}
		}
		return true, nil
	})
}

// MarkInstallmentPaid settles one installment of an APPROVED record. Paying
// the last open installment moves the record to PAID. Repeating it for a
// settled installment is a no-op.
func (s *Service) MarkInstallmentPaid(ctx context.Context, actor auth.Actor, recordID string, month, year int) (Record, error) {
	if err := authorize(actor, auth.PermRetroPayPay); err != nil {
		return Record{}, err
	}
	if err := checkPeriod("period", month, year); err != nil {
		return Record{}, err
	}
	return s.transition(ctx, actor, AuditPayInstallment, recordID, func(rec Record, t *Transition) (bool, error) {
		idx := -1
		open := 0
		for i, inst := range rec.Installments {
			if inst.Month == month && inst.Year == year {
				idx = i
			}
			if !inst.Paid() {
				open++
			}
		}
		if idx < 0 {
			return false, invalid("period", "no installment scheduled for %d/%d", month, year)
		}
		if rec.Installments[idx].Paid() {
			return false, nil
		}
		if rec.Status != StatusApproved {
			return false, &InvalidStateTransitionError{RecordID: rec.ID, From: rec.Status, Action: ActionPay}
		}

		now := s.now().UTC()
		t.PaidOn = now
		t.PayPeriods = []Period{{Month: month, Year: year}}
		if open == 1 {
			t.Status = StatusPaid
			t.PaidAt = &now
		}
		return true, nil
	})
}

type mutation func(rec Record, t *Transition) (changed bool, err error)

// transition serializes changes to one record: an optional distributed lock
// first, then the store's version check.
func (s *Service) transition(ctx context.Context, actor auth.Actor, event, recordID string, mutate mutation) (Record, error) {
	release, err := s.locker.Acquire(ctx, recordID)
	if errors.Is(err, lock.ErrBusy) {
		return Record{}, &ConcurrencyConflictError{RecordID: recordID}
	}
	if err != nil {
		return Record{}, fmt.Errorf("acquire record lock: %w", err)
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	rec, err := s.load(ctx, actor.TenantID, recordID)
	if err != nil {
		return Record{}, err
	}

	t := Transition{
		TenantID:        actor.TenantID,
		RecordID:        rec.ID,
		ExpectedVersion: rec.Version,
		Status:          rec.Status,
		ApproverID:      rec.ApproverID,
		ApprovedAt:      rec.ApprovedAt,
		PaidAt:          rec.PaidAt,
		CancelledAt:     rec.CancelledAt,
		Notes:           rec.Notes,
	}
	changed, err := mutate(rec, &t)
	if err != nil || !changed {
		return rec, err
	}

	updated, err := s.store.ApplyTransition(ctx, t)
	if errors.Is(err, ErrStaleVersion) {
		return Record{}, &ConcurrencyConflictError{RecordID: rec.ID, ExpectedVersion: rec.Version}
	}
	if err != nil {
		return Record{}, fmt.Errorf("apply transition: %w", err)
	}
	s.notify(ctx, actor, event, &rec, updated)
	return updated, nil
}

func (s *Service) notify(ctx context.Context, actor auth.Actor, event string, before *Record, after Record) {
	if s.observer != nil {
		s.observer.Committed(ctx, actor, event, before, after)
	}
}

func appendNote(notes, reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return notes
	}
	line := CancelNotePrefix + reason
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

// Tenants lists tenants that own at least one record.
func (s *Service) Tenants(ctx context.Context) ([]string, error) {
	return s.store.ListTenants(ctx)
}

// Reconcile re-checks every committed record of a tenant. Mismatches are
// reported, never corrected.
func (s *Service) Reconcile(ctx context.Context, tenantID string) (ReconcileReport, error) {
	report := ReconcileReport{TenantID: tenantID, Mismatched: []string{}}
	filter := ListFilter{Statuses: []Status{StatusApproved, StatusPaid}, Limit: maxListLimit}
	for {
		records, _, err := s.store.ListRecords(ctx, tenantID, filter)
		if err != nil {
			return report, err
		}
		for _, rec := range records {
			report.Checked++
			if checkStored(rec) != nil {
				report.Mismatched = append(report.Mismatched, rec.ID)
			}
		}
		if len(records) < filter.Limit {
			return report, nil
		}
		filter.Offset += filter.Limit
	}
}
