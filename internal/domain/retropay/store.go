package retropay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"retropay/internal/platform/querier"
)

const pgUniqueViolation = "23505"

type Store struct {
	DB querier.Querier
}

var _ StoreAPI = (*Store)(nil)

func NewStore(db querier.Querier) *Store {
	return &Store{DB: db}
}

const recordColumns = `
	id::text, tenant_id, employee_id, reason, effective_from, effective_to,
	old_amount::text, new_amount::text, difference::text, months_count, total_amount::text,
	distribution_mode, status, COALESCE(approver_id, ''), approved_at, paid_at, cancelled_at,
	COALESCE(notes, ''), created_by, created_at, version`

func (s *Store) CreateRecord(ctx context.Context, rec Record) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO retro_pay_adjustments (
			id, tenant_id, employee_id, reason, effective_from, effective_to,
			old_amount, new_amount, difference, months_count, total_amount,
			distribution_mode, status, notes, created_by, created_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10,$11::numeric,$12,$13,NULLIF($14,''),$15,$16,$17)
	`, rec.ID, rec.TenantID, rec.EmployeeID, rec.Reason, rec.EffectiveFrom, rec.EffectiveTo,
		rec.OldAmount.String(), rec.NewAmount.String(), rec.Difference.String(), rec.MonthsCount, rec.TotalAmount.String(),
		string(rec.Mode), string(rec.Status), rec.Notes, rec.CreatedBy, rec.CreatedAt, rec.Version); err != nil {
		return err
	}

	for _, inst := range rec.Installments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO retro_pay_installments (id, adjustment_id, month, year, amount)
			VALUES ($1,$2,$3,$4,$5::numeric)
		`, inst.ID, rec.ID, inst.Month, inst.Year, inst.Amount.String()); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return invalid("installments", "duplicate period %d/%d", inst.Month, inst.Year)
			}
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRecord(ctx context.Context, tenantID, recordID string) (Record, error) {
	if _, err := uuid.Parse(recordID); err != nil {
		return Record{}, &NotFoundError{RecordID: recordID}
	}
	row := s.DB.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM retro_pay_adjustments
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, recordID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, &NotFoundError{RecordID: recordID}
	}
	if err != nil {
		return Record{}, err
	}

	byRecord, err := s.installments(ctx, []string{rec.ID})
	if err != nil {
		return Record{}, err
	}
	rec.Installments = byRecord[rec.ID]
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, tenantID string, filter ListFilter) ([]Record, int, error) {
	where := " WHERE tenant_id = $1"
	args := []any{tenantID}
	if filter.EmployeeID != "" {
		args = append(args, filter.EmployeeID)
		where += fmt.Sprintf(" AND employee_id = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	var total int
	if err := s.DB.QueryRow(ctx, "SELECT COUNT(1) FROM retro_pay_adjustments"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + recordColumns + " FROM retro_pay_adjustments" + where + " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []Record
	var ids []string
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return records, total, nil
	}

	byRecord, err := s.installments(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range records {
		records[i].Installments = byRecord[records[i].ID]
	}
	return records, total, nil
}

func (s *Store) ApplyTransition(ctx context.Context, t Transition) (Record, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE retro_pay_adjustments
		SET status = $1, approver_id = NULLIF($2,''), approved_at = $3, paid_at = $4,
			cancelled_at = $5, notes = NULLIF($6,''), version = version + 1
		WHERE tenant_id = $7 AND id = $8 AND version = $9
	`, string(t.Status), t.ApproverID, t.ApprovedAt, t.PaidAt, t.CancelledAt, t.Notes, t.TenantID, t.RecordID, t.ExpectedVersion)
	if err != nil {
		return Record{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM retro_pay_adjustments WHERE tenant_id = $1 AND id = $2)`, t.TenantID, t.RecordID).Scan(&exists); err != nil {
			return Record{}, err
		}
		if !exists {
			return Record{}, &NotFoundError{RecordID: t.RecordID}
		}
		return Record{}, ErrStaleVersion
	}

	for _, p := range t.PayPeriods {
		if _, err := tx.Exec(ctx, `
			UPDATE retro_pay_installments
			SET paid_at = $1
			WHERE adjustment_id = $2 AND month = $3 AND year = $4 AND paid_at IS NULL
		`, t.PaidOn, t.RecordID, p.Month, p.Year); err != nil {
			return Record{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return s.GetRecord(ctx, t.TenantID, t.RecordID)
}

func (s *Store) PayoutLines(ctx context.Context, tenantID, employeeID string, month, year int) ([]PayoutLine, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT a.id::text, i.id::text, a.reason, i.amount::text, i.paid_at IS NOT NULL
		FROM retro_pay_installments i
		JOIN retro_pay_adjustments a ON a.id = i.adjustment_id
		WHERE a.tenant_id = $1 AND a.employee_id = $2 AND i.month = $3 AND i.year = $4
			AND a.status IN ($5, $6)
		ORDER BY a.created_at, a.id
	`, tenantID, employeeID, month, year, string(StatusApproved), string(StatusPaid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PayoutLine
	for rows.Next() {
		var line PayoutLine
		var amount string
		if err := rows.Scan(&line.RecordID, &line.InstallmentID, &line.Reason, &amount, &line.Paid); err != nil {
			return nil, err
		}
		if line.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *Store) Statistics(ctx context.Context, tenantID string, year int) ([]StatusTotal, decimal.Decimal, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(1), COALESCE(SUM(total_amount), 0)::text
		FROM retro_pay_adjustments
		WHERE tenant_id = $1 AND EXTRACT(YEAR FROM created_at) = $2
		GROUP BY status
		ORDER BY status
	`, tenantID, year)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer rows.Close()

	var totals []StatusTotal
	for rows.Next() {
		var t StatusTotal
		var status, sum string
		if err := rows.Scan(&status, &t.Count, &sum); err != nil {
			return nil, decimal.Zero, err
		}
		t.Status = Status(status)
		if t.Total, err = decimal.NewFromString(sum); err != nil {
			return nil, decimal.Zero, err
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, decimal.Zero, err
	}

	var outstanding string
	if err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(i.amount), 0)::text
		FROM retro_pay_installments i
		JOIN retro_pay_adjustments a ON a.id = i.adjustment_id
		WHERE a.tenant_id = $1 AND EXTRACT(YEAR FROM a.created_at) = $2
			AND a.status = $3 AND i.paid_at IS NULL
	`, tenantID, year, string(StatusApproved)).Scan(&outstanding); err != nil {
		return nil, decimal.Zero, err
	}
	out, err := decimal.NewFromString(outstanding)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return totals, out, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT DISTINCT tenant_id FROM retro_pay_adjustments ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) installments(ctx context.Context, recordIDs []string) (map[string][]Installment, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT adjustment_id::text, id::text, month, year, amount::text, paid_at
		FROM retro_pay_installments
		WHERE adjustment_id::text = ANY($1)
		ORDER BY adjustment_id, year, month
	`, recordIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Installment, len(recordIDs))
	for rows.Next() {
		var recordID, amount string
		var inst Installment
		if err := rows.Scan(&recordID, &inst.ID, &inst.Month, &inst.Year, &amount, &inst.PaidAt); err != nil {
			return nil, err
		}
		if inst.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out[recordID] = append(out[recordID], inst)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var oldAmount, newAmount, difference, total, mode, status string
	var approvedAt, paidAt, cancelledAt *time.Time
	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.EmployeeID, &rec.Reason, &rec.EffectiveFrom, &rec.EffectiveTo,
		&oldAmount, &newAmount, &difference, &rec.MonthsCount, &total,
		&mode, &status, &rec.ApproverID, &approvedAt, &paidAt, &cancelledAt,
		&rec.Notes, &rec.CreatedBy, &rec.CreatedAt, &rec.Version,
	); err != nil {
		return Record{}, err
	}
	rec.Mode = Mode(mode)
	rec.Status = Status(status)
	rec.ApprovedAt, rec.PaidAt, rec.CancelledAt = approvedAt, paidAt, cancelledAt

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.OldAmount, oldAmount},
		{&rec.NewAmount, newAmount},
		{&rec.Difference, difference},
		{&rec.TotalAmount, total},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Directory resolves employees against the shared employees table.
type Directory struct {
	DB querier.Querier
}

func NewDirectory(db querier.Querier) *Directory {
	return &Directory{DB: db}
}

func (d *Directory) EmployeeExists(ctx context.Context, tenantID, employeeID string) (bool, error) {
	var exists bool
	err := d.DB.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM employees WHERE tenant_id = $1 AND id::text = $2)
	`, tenantID, employeeID).Scan(&exists)
	return exists, err
}
