package retropayhandler

import (
	"context"
	"log/slog"

	"retropay/internal/domain/auth"
	"retropay/internal/domain/retropay"
	"retropay/internal/platform/metrics"
	"retropay/internal/requestctx"
)

type Auditor interface {
	Record(ctx context.Context, tenantID, actorID, action, entityType, entityID, requestID, ip string, before, after any) error
}

// Recorder writes committed retro pay changes to the audit trail and the
// metrics collector.
type Recorder struct {
	Audit   Auditor
	Metrics *metrics.Collector
}

var _ retropay.Observer = (*Recorder)(nil)

func NewRecorder(auditor Auditor, collector *metrics.Collector) *Recorder {
	return &Recorder{Audit: auditor, Metrics: collector}
}

type auditState struct {
	Status  retropay.Status `json:"status"`
	Version int             `json:"version"`
	Paid    int             `json:"paidInstallments"`
}

func snapshot(rec retropay.Record) auditState {
	st := auditState{Status: rec.Status, Version: rec.Version}
	for _, inst := range rec.Installments {
		if inst.Paid() {
			st.Paid++
		}
	}
	return st
}

func (r *Recorder) Committed(ctx context.Context, actor auth.Actor, event string, before *retropay.Record, after retropay.Record) {
	if r.Metrics != nil {
		if before == nil {
			r.Metrics.RecordCreated()
		} else if before.Status != after.Status {
			r.Metrics.RecordTransition(string(after.Status))
		}
	}
	if r.Audit == nil {
		return
	}

	var beforeState any
	if before != nil {
		beforeState = snapshot(*before)
	}
	if err := r.Audit.Record(ctx, actor.TenantID, actor.UserID, event, retropay.EntityType, after.ID,
		requestctx.GetRequestID(ctx), requestctx.GetClientIP(ctx), beforeState, snapshot(after)); err != nil {
		slog.Warn("audit "+event+" failed", "recordId", after.ID, "err", err)
	}
}
