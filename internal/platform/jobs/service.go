package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"retropay/internal/domain/retropay"
	"retropay/internal/platform/querier"
)

const queueSize = 128

// Reconciler re-checks stored adjustment schedules for one tenant.
type Reconciler interface {
	Tenants(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context, tenantID string) (retropay.ReconcileReport, error)
}

type Service struct {
	DB         querier.Querier
	Reconciler Reconciler
	Interval   time.Duration
	queue      chan job
	inflight   singleflight.Group
}

type job struct {
	Type     string
	TenantID string
	Run      func(context.Context) (any, error)
}

// New builds the background job runner. A nil DB disables job_runs
// bookkeeping; a zero interval disables the reconcile schedule.
func New(db querier.Querier, reconciler Reconciler, interval time.Duration) *Service {
	return &Service{
		DB:         db,
		Reconciler: reconciler,
		Interval:   interval,
		queue:      make(chan job, queueSize),
	}
}

func (s *Service) Start(ctx context.Context) {
	go s.worker(ctx)
	if s.Interval > 0 && s.Reconciler != nil {
		go s.scheduleReconcile(ctx, s.Interval)
	}
}

// Enqueue reports false when the queue is full and the job was dropped.
func (s *Service) Enqueue(jobType, tenantID string, run func(context.Context) (any, error)) bool {
	select {
	case s.queue <- job{Type: jobType, TenantID: tenantID, Run: run}:
		return true
	default:
		slog.Warn("job queue full", "jobType", jobType, "tenantId", tenantID)
		return false
	}
}

func (s *Service) RunNow(ctx context.Context, jobType, tenantID string, run func(context.Context) (any, error)) (any, error) {
	return s.runJob(ctx, job{Type: jobType, TenantID: tenantID, Run: run})
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			if _, err := s.runJob(ctx, j); err != nil {
				slog.Warn("job run failed", "jobType", j.Type, "tenantId", j.TenantID, "err", err)
			}
		}
	}
}

func (s *Service) runJob(ctx context.Context, j job) (any, error) {
	runID := ""
	if s.DB != nil {
		if err := s.DB.QueryRow(ctx, `
      INSERT INTO job_runs (tenant_id, job_type, status)
      VALUES ($1,$2,$3)
      RETURNING id::text
    `, j.TenantID, j.Type, "running").Scan(&runID); err != nil {
			slog.Warn("job run insert failed", "err", err)
		}
	}

	details, err := j.Run(ctx)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	if runID == "" {
		return details, err
	}

	detailsJSON, marshalErr := json.Marshal(details)
	if marshalErr != nil {
		slog.Warn("job details marshal failed", "err", marshalErr)
		detailsJSON = []byte("{}")
	}
	if _, updErr := s.DB.Exec(ctx, `
    UPDATE job_runs
    SET status = $1, details_json = $2, completed_at = now()
    WHERE id = $3
  `, status, detailsJSON, runID); updErr != nil {
		slog.Warn("job run update failed", "err", updErr)
	}
	return details, err
}

func (s *Service) scheduleReconcile(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EnqueueReconcile(ctx)
		}
	}
}

// EnqueueReconcile queues one reconcile job per tenant and returns how many
// were accepted.
func (s *Service) EnqueueReconcile(ctx context.Context) int {
	tenants, err := s.Reconciler.Tenants(ctx)
	if err != nil {
		slog.Warn("reconcile scheduler tenant lookup failed", "err", err)
		return 0
	}
	queued := 0
	for _, tenantID := range tenants {
		tenant := tenantID
		if s.Enqueue(retropay.JobReconcile, tenant, func(ctx context.Context) (any, error) {
			return s.reconcileTenant(ctx, tenant)
		}) {
			queued++
		}
	}
	return queued
}

// ReconcileNow runs the reconcile sweep for one tenant synchronously.
func (s *Service) ReconcileNow(ctx context.Context, tenantID string) (retropay.ReconcileReport, error) {
	var report retropay.ReconcileReport
	_, err := s.RunNow(ctx, retropay.JobReconcile, tenantID, func(ctx context.Context) (any, error) {
		r, err := s.reconcileTenant(ctx, tenantID)
		report = r
		return r, err
	})
	return report, err
}

// reconcileTenant shares one sweep between concurrent callers for the same
// tenant. The shared sweep is detached from any single caller's cancellation;
// each caller stops waiting when its own ctx is done.
func (s *Service) reconcileTenant(ctx context.Context, tenantID string) (retropay.ReconcileReport, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(tenantID, func() (any, error) {
		return s.Reconciler.Reconcile(detached, tenantID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return retropay.ReconcileReport{TenantID: tenantID}, ctx.Err()
	case res = <-ch:
	}
	report, _ := res.Val.(retropay.ReconcileReport)
	if res.Err != nil {
		return report, res.Err
	}
	if len(report.Mismatched) > 0 {
		slog.Warn("retro pay schedules out of balance",
			"tenantId", tenantID,
			"checked", report.Checked,
			"mismatched", report.Mismatched,
		)
	}
	return report, nil
}
