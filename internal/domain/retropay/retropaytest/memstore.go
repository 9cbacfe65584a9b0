// Package retropaytest provides in-memory collaborators for exercising the
// retro pay service without Postgres.
package retropaytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"retropay/internal/domain/retropay"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]retropay.Record
	order   []string
}

var _ retropay.StoreAPI = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]retropay.Record{}}
}

func (m *MemoryStore) CreateRecord(_ context.Context, rec retropay.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = clone(rec)
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, tenantID, recordID string) (retropay.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.TenantID != tenantID {
		return retropay.Record{}, &retropay.NotFoundError{RecordID: recordID}
	}
	return clone(rec), nil
}

func (m *MemoryStore) ListRecords(_ context.Context, tenantID string, filter retropay.ListFilter) ([]retropay.Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []retropay.Record
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.records[m.order[i]]
		if rec.TenantID != tenantID {
			continue
		}
		if filter.EmployeeID != "" && rec.EmployeeID != filter.EmployeeID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, rec.Status) {
			continue
		}
		matched = append(matched, clone(rec))
	}
	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, t retropay.Transition) (retropay.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[t.RecordID]
	if !ok || rec.TenantID != t.TenantID {
		return retropay.Record{}, &retropay.NotFoundError{RecordID: t.RecordID}
	}
	if rec.Version != t.ExpectedVersion {
		return retropay.Record{}, retropay.ErrStaleVersion
	}

	rec = clone(rec)
	rec.Status = t.Status
	rec.ApproverID = t.ApproverID
	rec.ApprovedAt = t.ApprovedAt
	rec.PaidAt = t.PaidAt
	rec.CancelledAt = t.CancelledAt
	rec.Notes = t.Notes
	rec.Version++
	for _, p := range t.PayPeriods {
		for i := range rec.Installments {
			inst := &rec.Installments[i]
			if inst.Month == p.Month && inst.Year == p.Year && inst.PaidAt == nil {
				paidOn := t.PaidOn
				inst.PaidAt = &paidOn
			}
		}
	}
	m.records[rec.ID] = rec
	return clone(rec), nil
}

func (m *MemoryStore) PayoutLines(_ context.Context, tenantID, employeeID string, month, year int) ([]retropay.PayoutLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []retropay.PayoutLine
	for _, id := range m.order {
		rec := m.records[id]
		if rec.TenantID != tenantID || rec.EmployeeID != employeeID {
			continue
		}
		if rec.Status != retropay.StatusApproved && rec.Status != retropay.StatusPaid {
			continue
		}
		for _, inst := range rec.Installments {
			if inst.Month != month || inst.Year != year {
				continue
			}
			out = append(out, retropay.PayoutLine{
				RecordID:      rec.ID,
				InstallmentID: inst.ID,
				Reason:        rec.Reason,
				Amount:        inst.Amount,
				Paid:          inst.Paid(),
			})
		}
	}
	return out, nil
}

func (m *MemoryStore) Statistics(_ context.Context, tenantID string, year int) ([]retropay.StatusTotal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := map[retropay.Status]*retropay.StatusTotal{}
	outstanding := decimal.Zero
	for _, rec := range m.records {
		if rec.TenantID != tenantID || rec.CreatedAt.Year() != year {
			continue
		}
		t, ok := totals[rec.Status]
		if !ok {
			t = &retropay.StatusTotal{Status: rec.Status, Total: decimal.Zero}
			totals[rec.Status] = t
		}
		t.Count++
		t.Total = t.Total.Add(rec.TotalAmount)
		if rec.Status == retropay.StatusApproved {
			for _, inst := range rec.Installments {
				if !inst.Paid() {
					outstanding = outstanding.Add(inst.Amount)
				}
			}
		}
	}
	out := make([]retropay.StatusTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, outstanding, nil
}

func (m *MemoryStore) ListTenants(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, id := range m.order {
		tenant := m.records[id].TenantID
		if _, ok := seen[tenant]; ok {
			continue
		}
		seen[tenant] = struct{}{}
		out = append(out, tenant)
	}
	return out, nil
}

// Len returns the number of stored records across all tenants.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Tamper overwrites one installment amount, bypassing every check, to
// simulate drift in persisted data.
func (m *MemoryStore) Tamper(recordID string, index int, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := clone(m.records[recordID])
	rec.Installments[index].Amount = amount
	m.records[recordID] = rec
}

func hasStatus(statuses []retropay.Status, s retropay.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func clone(rec retropay.Record) retropay.Record {
	rec.ApprovedAt = cloneTime(rec.ApprovedAt)
	rec.PaidAt = cloneTime(rec.PaidAt)
	rec.CancelledAt = cloneTime(rec.CancelledAt)
	insts := make([]retropay.Installment, len(rec.Installments))
	for i, inst := range rec.Installments {
		inst.PaidAt = cloneTime(inst.PaidAt)
		insts[i] = inst
	}
	rec.Installments = insts
	return rec
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
