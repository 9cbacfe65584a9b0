package retropay

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"retropay/internal/domain/auth"
)

// PayoutLines lists the committed installments due to an employee in one
// period. PENDING and CANCELLED records never appear. Every contributing
// record is re-verified against its total before anything is reported.
func (s *Service) PayoutLines(ctx context.Context, actor auth.Actor, employeeID string, month, year int) (Payout, error) {
	if err := authorize(actor, auth.PermRetroPayPayout); err != nil {
		return Payout{}, err
	}
	if employeeID == "" {
		return Payout{}, invalid("employeeId", "required")
	}
	if err := checkPeriod("period", month, year); err != nil {
		return Payout{}, err
	}

	lines, err := s.store.PayoutLines(ctx, actor.TenantID, employeeID, month, year)
	if err != nil {
		return Payout{}, err
	}
	verified := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := verified[line.RecordID]; ok {
			continue
		}
		if _, err := s.load(ctx, actor.TenantID, line.RecordID); err != nil {
			return Payout{}, fmt.Errorf("record %s: %w", line.RecordID, err)
		}
		verified[line.RecordID] = struct{}{}
	}

	out := Payout{EmployeeID: employeeID, Month: month, Year: year, Due: decimal.Zero, Lines: []PayoutLine{}}
	for _, line := range lines {
		line.Kind = LineKindEarning
		if line.Amount.IsNegative() {
			line.Kind = LineKindDeduction
		}
		out.Due = out.Due.Add(line.Amount)
		out.Lines = append(out.Lines, line)
	}
	return out, nil
}

// PayoutDue is the amount the payroll run adds for the employee in the
// period. Zero when nothing is due.
func (s *Service) PayoutDue(ctx context.Context, actor auth.Actor, employeeID string, month, year int) (decimal.Decimal, error) {
	p, err := s.PayoutLines(ctx, actor, employeeID, month, year)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Due, nil
}

func (s *Service) Statistics(ctx context.Context, actor auth.Actor, year int) (Statistics, error) {
	if err := authorize(actor, auth.PermRetroPayRead); err != nil {
		return Statistics{}, err
	}
	if year < 1900 || year > 9999 {
		return Statistics{}, invalid("year", "must be between 1900 and 9999")
	}
	totals, outstanding, err := s.store.Statistics(ctx, actor.TenantID, year)
	if err != nil {
		return Statistics{}, err
	}
	byStatus := make(map[Status]StatusTotal, len(totals))
	for _, t := range totals {
		byStatus[t.Status] = t
	}
	stats := Statistics{Year: year, Outstanding: outstanding}
	for _, st := range Statuses {
		t, ok := byStatus[st]
		if !ok {
			t = StatusTotal{Status: st, Total: decimal.Zero}
		}
		stats.ByStatus = append(stats.ByStatus, t)
	}
	return stats, nil
}
