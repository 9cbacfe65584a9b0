package retropay

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var reconcileTolerance = decimal.New(1, -2)

// Reconcile reports whether the installment amounts sum to total within one
// cent, along with the computed sum.
func Reconcile(total decimal.Decimal, amounts []decimal.Decimal) (decimal.Decimal, bool) {
	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	return sum, sum.Sub(total).Abs().LessThanOrEqual(reconcileTolerance)
}

// CheckSchedule validates a schedule against its total. Every period must be
// a real month that does not repeat, every amount a non-zero value with at
// most two decimals, and the sum must reconcile.
func CheckSchedule(total decimal.Decimal, items []ScheduleItem) error {
	if len(items) == 0 {
		return invalid("installments", "at least one installment required")
	}
	seen := make(map[[2]int]struct{}, len(items))
	amounts := make([]decimal.Decimal, 0, len(items))
	for i, item := range items {
		field := fmt.Sprintf("installments[%d]", i)
		if err := checkPeriod(field, item.Month, item.Year); err != nil {
			return err
		}
		if err := checkCents(field+".amount", item.Amount); err != nil {
			return err
		}
		if err := checkBound(field+".amount", item.Amount); err != nil {
			return err
		}
		if item.Amount.IsZero() {
			return invalid(field+".amount", "must not be zero")
		}
		key := [2]int{item.Year, item.Month}
		if _, dup := seen[key]; dup {
			return invalid(field, "duplicate period %d/%d", item.Month, item.Year)
		}
		seen[key] = struct{}{}
		amounts = append(amounts, item.Amount)
	}
	if sum, ok := Reconcile(total, amounts); !ok {
		return &AmountMismatchError{Expected: total, Actual: sum}
	}
	return nil
}

// checkStored re-verifies a persisted record on read.
func checkStored(rec Record) error {
	amounts := make([]decimal.Decimal, 0, len(rec.Installments))
	for _, inst := range rec.Installments {
		amounts = append(amounts, inst.Amount)
	}
	if sum, ok := Reconcile(rec.TotalAmount, amounts); !ok || len(amounts) == 0 {
		return &AmountMismatchError{Expected: rec.TotalAmount, Actual: sum}
	}
	return nil
}
