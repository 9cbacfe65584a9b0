package retropay

import (
	"time"

	"github.com/shopspring/decimal"
)

// MonthsCount returns the inclusive number of calendar months spanned by
// [from, to]. Days within the month are ignored.
func MonthsCount(from, to time.Time) (int, error) {
	if dateOnly(to).Before(dateOnly(from)) {
		return 0, invalid("effectiveTo", "must not be before effectiveFrom")
	}
	n := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month()) + 1
	if n < 1 {
		return 0, invalid("effectiveTo", "period must span at least one month")
	}
	return n, nil
}

// BuildPlan computes the installment schedule for a request. It has no side
// effects and the same request always yields the same plan.
func BuildPlan(req PlanRequest) (Plan, error) {
	if err := checkAmount("oldAmount", req.OldAmount); err != nil {
		return Plan{}, err
	}
	if err := checkAmount("newAmount", req.NewAmount); err != nil {
		return Plan{}, err
	}
	months, err := MonthsCount(req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		return Plan{}, err
	}

	difference := req.NewAmount.Sub(req.OldAmount)
	if difference.IsZero() {
		return Plan{}, invalid("newAmount", "must differ from oldAmount")
	}
	total := difference.Mul(decimal.NewFromInt(int64(months))).Round(2)
	if err := checkBound("totalAmount", total); err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Difference:  difference,
		MonthsCount: months,
		TotalAmount: total,
		Mode:        req.Distribution.Mode,
	}

	d := req.Distribution
	switch d.Mode {
	case ModeSingle:
		if err := checkPeriod("distribution", d.Month, d.Year); err != nil {
			return Plan{}, err
		}
		plan.Installments = []ScheduleItem{{Month: d.Month, Year: d.Year, Amount: total}}
	case ModeEqualSplit:
		items, err := equalSplit(total, d.Count, d.StartMonth, d.StartYear)
		if err != nil {
			return Plan{}, err
		}
		plan.Installments = items
	case ModeCustom:
		if len(d.Installments) < MinCustomEntries {
			return Plan{}, invalid("distribution.installments", "at least %d installments required, use SINGLE for one", MinCustomEntries)
		}
		plan.Installments = append([]ScheduleItem(nil), d.Installments...)
	default:
		return Plan{}, invalid("distribution.mode", "must be one of SINGLE, EQUAL_SPLIT, CUSTOM")
	}

	if err := CheckSchedule(total, plan.Installments); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// equalSplit truncates each share to the cent toward zero and puts the
// remainder on the first installment.
func equalSplit(total decimal.Decimal, count, startMonth, startYear int) ([]ScheduleItem, error) {
	if count < MinSplitCount || count > MaxSplitCount {
		return nil, invalid("distribution.count", "must be between %d and %d", MinSplitCount, MaxSplitCount)
	}
	if err := checkPeriod("distribution.start", startMonth, startYear); err != nil {
		return nil, err
	}

	cents := total.Shift(2).IntPart()
	if abs(cents) < int64(count) {
		return nil, invalid("distribution.count", "must not exceed the total in cents (%d)", abs(cents))
	}
	base := decimal.New(cents/int64(count), -2)
	remainder := total.Sub(base.Mul(decimal.NewFromInt(int64(count)))).Round(2)

	items := make([]ScheduleItem, 0, count)
	month, year := startMonth, startYear
	for i := 0; i < count; i++ {
		amount := base
		if i == 0 {
			amount = base.Add(remainder)
		}
		items = append(items, ScheduleItem{Month: month, Year: year, Amount: amount})
		month, year = nextMonth(month, year)
	}
	return items, nil
}

func nextMonth(month, year int) (int, int) {
	month++
	if month > 12 {
		return 1, year + 1
	}
	return month, year
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// maxAmount is the smallest magnitude a NUMERIC(14,2) column cannot hold.
var maxAmount = decimal.New(1, 12)

func checkAmount(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return invalid(field, "must not be negative")
	}
	if err := checkBound(field, v); err != nil {
		return err
	}
	return checkCents(field, v)
}

func checkBound(field string, v decimal.Decimal) error {
	if v.Abs().GreaterThanOrEqual(maxAmount) {
		return invalid(field, "must be less than %s in magnitude", maxAmount.String())
	}
	return nil
}

func checkCents(field string, v decimal.Decimal) error {
	if !v.Equal(v.Round(2)) {
		return invalid(field, "must have at most 2 decimal places")
	}
	return nil
}

func checkPeriod(field string, month, year int) error {
	if month < 1 || month > 12 {
		return invalid(field+".month", "must be between 1 and 12")
	}
	if year < 1900 || year > 9999 {
		return invalid(field+".year", "must be between 1900 and 9999")
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
