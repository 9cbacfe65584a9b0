package retropay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retropay/internal/domain/auth"
	"retropay/internal/domain/retropay"
	"retropay/internal/domain/retropay/retropaytest"
	"retropay/internal/platform/lock"
)

const (
	tenantA  = "tenant-a"
	tenantB  = "tenant-b"
	employee = "emp-42"
)

var (
	hr         = auth.Actor{UserID: "hr-1", TenantID: tenantA, Role: auth.RoleHR}
	admin      = auth.Actor{UserID: "admin-1", TenantID: tenantA, Role: auth.RolePayrollAdmin}
	payrollRun = auth.Actor{UserID: "run-1", TenantID: tenantA, Role: auth.RolePayrollRun}
	manager    = auth.Actor{UserID: "mgr-1", TenantID: tenantA, Role: auth.RoleManager}
	staff      = auth.Actor{UserID: "emp-1", TenantID: tenantA, Role: auth.RoleEmployee}
)

type committed struct {
	Event  string
	Before *retropay.Record
	After  retropay.Record
}

type recordingObserver struct {
	mu     sync.Mutex
	events []committed
}

func (o *recordingObserver) Committed(_ context.Context, _ auth.Actor, event string, before *retropay.Record, after retropay.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, committed{Event: event, Before: before, After: after})
}

func (o *recordingObserver) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Event)
	}
	return out
}

type harness struct {
	svc      *retropay.Service
	store    *retropaytest.MemoryStore
	dir      *retropaytest.Directory
	observer *recordingObserver
}

func newHarness(t *testing.T, opts ...retropay.Option) *harness {
	t.Helper()
	h := &harness{
		store:    retropaytest.NewMemoryStore(),
		dir:      retropaytest.NewDirectory().Add(tenantA, employee).Add(tenantB, employee),
		observer: &recordingObserver{},
	}
	fixed := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	opts = append([]retropay.Option{
		retropay.WithObserver(h.observer),
		retropay.WithClock(func() time.Time { return fixed }),
	}, opts...)
	h.svc = retropay.NewService(h.store, h.dir, opts...)
	return h
}

func singleInput() retropay.CreateInput {
	return retropay.CreateInput{
		EmployeeID: employee,
		Reason:     "raise effective January",
		Plan: retropay.PlanRequest{
			OldAmount:     dec("5000.00"),
			NewAmount:     dec("6000.00"),
			EffectiveFrom: date(2024, 1, 1),
			EffectiveTo:   date(2024, 3, 31),
			Distribution:  retropay.Distribution{Mode: retropay.ModeSingle, Month: 4, Year: 2024},
		},
	}
}

func splitInput(count int) retropay.CreateInput {
	in := singleInput()
	in.Plan.Distribution = retropay.Distribution{Mode: retropay.ModeEqualSplit, Count: count, StartMonth: 4, StartYear: 2024}
	return in
}

func TestLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)
	assert.Equal(t, retropay.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, "hr-1", rec.CreatedBy)

	due, err := h.svc.PayoutDue(ctx, payrollRun, employee, 4, 2024)
	require.NoError(t, err)
	assert.True(t, due.IsZero(), "pending records are not paid out")

	rec, err = h.svc.Approve(ctx, admin, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, retropay.StatusApproved, rec.Status)
	assert.Equal(t, "admin-1", rec.ApproverID)
	require.NotNil(t, rec.ApprovedAt)
	assert.Equal(t, 2, rec.Version)

	due, err = h.svc.PayoutDue(ctx, payrollRun, employee, 4, 2024)
	require.NoError(t, err)
	assert.True(t, due.Equal(dec("3000")), due.String())

	due, err = h.svc.PayoutDue(ctx, payrollRun, employee, 5, 2024)
	require.NoError(t, err)
	assert.True(t, due.IsZero())

	rec, err = h.svc.MarkPaid(ctx, payrollRun, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, retropay.StatusPaid, rec.Status)
	require.NotNil(t, rec.PaidAt)
	for _, inst := range rec.Installments {
		assert.True(t, inst.Paid())
	}

	payout, err := h.svc.PayoutLines(ctx, payrollRun, employee, 4, 2024)
	require.NoError(t, err)
	require.Len(t, payout.Lines, 1)
	assert.True(t, payout.Lines[0].Paid)

	assert.Equal(t, []string{retropay.AuditCreate, retropay.AuditApprove, retropay.AuditPay}, h.observer.names())
}

func TestIllegalTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)

	_, err = h.svc.MarkPaid(ctx, hr, rec.ID)
	assert.ErrorIs(t, err, retropay.ErrInvalidTransition)

	_, err = h.svc.Cancel(ctx, hr, rec.ID, "entered twice")
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, hr, rec.ID)
	assert.ErrorIs(t, err, retropay.ErrInvalidTransition)
	_, err = h.svc.Cancel(ctx, hr, rec.ID, "")
	assert.ErrorIs(t, err, retropay.ErrInvalidTransition)

	got, err := h.svc.Get(ctx, hr, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, retropay.StatusCancelled, got.Status)
	assert.Equal(t, retropay.CancelNotePrefix+"entered twice", got.Notes)
	require.NotNil(t, got.CancelledAt)
	assert.Len(t, got.Installments, 1, "cancelled records keep their schedule")

	due, err := h.svc.PayoutDue(ctx, payrollRun, employee, 4, 2024)
	require.NoError(t, err)
	assert.True(t, due.IsZero())
}

func TestApprovedCannotBeCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, hr, rec.ID)
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, hr, rec.ID, "too late")
	var terr *retropay.InvalidStateTransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, retropay.StatusApproved, terr.From)
	assert.Equal(t, retropay.ActionCancel, terr.Action)
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, hr, rec.ID)
	require.NoError(t, err)
	first, err := h.svc.MarkPaid(ctx, hr, rec.ID)
	require.NoError(t, err)

	second, err := h.svc.MarkPaid(ctx, hr, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.PaidAt, second.PaidAt)
	assert.Len(t, h.observer.names(), 3, "repeat payment is not recorded")
}

func TestMarkInstallmentPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, splitInput(3))
	require.NoError(t, err)

	_, err = h.svc.MarkInstallmentPaid(ctx, hr, rec.ID, 4, 2024)
	assert.ErrorIs(t, err, retropay.ErrInvalidTransition, "pending records cannot be paid")

	_, err = h.svc.Approve(ctx, hr, rec.ID)
	require.NoError(t, err)

	_, err = h.svc.MarkInstallmentPaid(ctx, hr, rec.ID, 9, 2024)
	assert.ErrorIs(t, err, retropay.ErrValidation)

	for _, month := range []int{4, 5} {
		rec, err = h.svc.MarkInstallmentPaid(ctx, hr, rec.ID, month, 2024)
		require.NoError(t, err)
		assert.Equal(t, retropay.StatusApproved, rec.Status)
	}
	version := rec.Version
	rec, err = h.svc.MarkInstallmentPaid(ctx, hr, rec.ID, 5, 2024)
	require.NoError(t, err)
	assert.Equal(t, version, rec.Version, "settled installment is a no-op")

	rec, err = h.svc.MarkInstallmentPaid(ctx, hr, rec.ID, 6, 2024)
	require.NoError(t, err)
	assert.Equal(t, retropay.StatusPaid, rec.Status)
	require.NotNil(t, rec.PaidAt)

	stats, err := h.svc.Statistics(ctx, hr, 2024)
	require.NoError(t, err)
	assert.True(t, stats.Outstanding.IsZero())
}

func TestConcurrentApproveAndCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		rec, err := h.svc.Create(ctx, hr, singleInput())
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = h.svc.Approve(ctx, hr, rec.ID)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = h.svc.Cancel(ctx, hr, rec.ID, "race")
		}()
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errors.Is(err, retropay.ErrConcurrencyConflict) || errors.Is(err, retropay.ErrInvalidTransition), err)
		}
		assert.Equal(t, 1, succeeded)

		final, err := h.svc.Get(ctx, hr, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, final.Version)
		assert.True(t, final.Status == retropay.StatusApproved || final.Status == retropay.StatusCancelled)
	}
}

func TestRedisLockConflict(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locker := lock.NewRedisLocker(rdb, "retropay:", 5*time.Second)
	h := newHarness(t, retropay.WithLocker(locker))
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)

	release, err := locker.Acquire(ctx, rec.ID)
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, hr, rec.ID)
	require.ErrorIs(t, err, retropay.ErrConcurrencyConflict)

	require.NoError(t, release(ctx))
	rec, err = h.svc.Approve(ctx, hr, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, retropay.StatusApproved, rec.Status)
	assert.False(t, mr.Exists("retropay:"+rec.ID), "lock is released after the transition")
}

func TestPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, manager, singleInput())
	assert.ErrorIs(t, err, retropay.ErrForbidden)
	_, err = h.svc.Create(ctx, staff, singleInput())
	assert.ErrorIs(t, err, retropay.ErrForbidden)
	_, err = h.svc.Create(ctx, auth.Actor{Role: auth.RoleHR}, singleInput())
	assert.ErrorIs(t, err, retropay.ErrForbidden, "anonymous actor")

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, payrollRun, rec.ID)
	assert.ErrorIs(t, err, retropay.ErrForbidden)
	_, err = h.svc.Get(ctx, manager, rec.ID)
	assert.NoError(t, err)
	_, err = h.svc.PayoutLines(ctx, manager, employee, 4, 2024)
	assert.ErrorIs(t, err, retropay.ErrForbidden)
	assert.Equal(t, 1, h.store.Len())
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := singleInput()
	in.EmployeeID = "ghost"
	_, err := h.svc.Create(ctx, hr, in)
	var verr *retropay.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "employeeId", verr.Field)

	in = singleInput()
	in.Reason = "   "
	_, err = h.svc.Create(ctx, hr, in)
	assert.ErrorIs(t, err, retropay.ErrValidation)

	h.dir.Err = errors.New("directory offline")
	_, err = h.svc.Create(ctx, hr, singleInput())
	require.Error(t, err)
	assert.NotErrorIs(t, err, retropay.ErrValidation)

	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.observer.names())
}

func TestPreviewPersistsNothing(t *testing.T) {
	h := newHarness(t)

	plan, err := h.svc.Preview(context.Background(), hr, splitInput(3))
	require.NoError(t, err)
	assert.Len(t, plan.Installments, 3)
	assert.Equal(t, 0, h.store.Len())
}

func TestTenantIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, hr, rec.ID)
	require.NoError(t, err)

	other := auth.Actor{UserID: "hr-b", TenantID: tenantB, Role: auth.RoleHR}
	_, err = h.svc.Get(ctx, other, rec.ID)
	assert.ErrorIs(t, err, retropay.ErrNotFound)
	_, err = h.svc.MarkPaid(ctx, other, rec.ID)
	assert.ErrorIs(t, err, retropay.ErrNotFound)

	due, err := h.svc.PayoutDue(ctx, other, employee, 4, 2024)
	require.NoError(t, err)
	assert.True(t, due.IsZero())

	list, err := h.svc.List(ctx, other, retropay.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total)
	assert.NotNil(t, list.Items)
}

func TestListFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := h.svc.Create(ctx, hr, singleInput())
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	_, err := h.svc.Approve(ctx, hr, ids[1])
	require.NoError(t, err)

	res, err := h.svc.List(ctx, hr, retropay.ListFilter{Statuses: []retropay.Status{retropay.StatusApproved}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, ids[1], res.Items[0].ID)

	res, err = h.svc.List(ctx, hr, retropay.ListFilter{EmployeeID: employee, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Items, 2)

	_, err = h.svc.List(ctx, hr, retropay.ListFilter{Statuses: []retropay.Status{"DRAFT"}})
	assert.ErrorIs(t, err, retropay.ErrValidation)
}

func TestStoredMismatchDetectedOnRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, splitInput(3))
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, hr, rec.ID)
	require.NoError(t, err)

	h.store.Tamper(rec.ID, 0, dec("1.00"))

	_, err = h.svc.Get(ctx, hr, rec.ID)
	assert.ErrorIs(t, err, retropay.ErrAmountMismatch)
	_, err = h.svc.MarkPaid(ctx, hr, rec.ID)
	assert.ErrorIs(t, err, retropay.ErrAmountMismatch)
	_, err = h.svc.List(ctx, hr, retropay.ListFilter{})
	assert.ErrorIs(t, err, retropay.ErrAmountMismatch)
	_, err = h.svc.PayoutDue(ctx, payrollRun, employee, 5, 2024)
	assert.ErrorIs(t, err, retropay.ErrAmountMismatch)

	report, err := h.svc.Reconcile(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{rec.ID}, report.Mismatched)

	tenants, err := h.svc.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tenantA}, tenants)
}

func TestObserverSeesBeforeAndAfter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, hr, rec.ID)
	require.NoError(t, err)

	require.Len(t, h.observer.events, 2)
	assert.Nil(t, h.observer.events[0].Before)
	approve := h.observer.events[1]
	require.NotNil(t, approve.Before)
	assert.Equal(t, retropay.StatusPending, approve.Before.Status)
	assert.Equal(t, retropay.StatusApproved, approve.After.Status)
}

func TestStatisticsFillsEveryStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)
	_, err = h.svc.Create(ctx, hr, singleInput())
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, hr, a.ID)
	require.NoError(t, err)

	stats, err := h.svc.Statistics(ctx, manager, 2024)
	require.NoError(t, err)
	require.Len(t, stats.ByStatus, len(retropay.Statuses))

	byStatus := map[retropay.Status]retropay.StatusTotal{}
	for _, st := range stats.ByStatus {
		byStatus[st.Status] = st
	}
	assert.Equal(t, 1, byStatus[retropay.StatusPending].Count)
	assert.Equal(t, 1, byStatus[retropay.StatusApproved].Count)
	assert.Equal(t, 0, byStatus[retropay.StatusPaid].Count)
	assert.True(t, stats.Outstanding.Equal(dec("3000")))

	_, err = h.svc.Statistics(ctx, manager, 12)
	assert.ErrorIs(t, err, retropay.ErrValidation)
}
