// Package worker records auth events delivered over AMQP into the audit table.
package worker

import (
	"context"
	"fmt"
	"time"

	"cashmanager/internal/core"
	"cashmanager/internal/log"
	"cashmanager/internal/metrics"
)

// AuditLog is the storage the worker writes to.
type AuditLog interface {
	RecordAuthEvent(ctx context.Context, e core.AuthEvent) (bool, error)
	DeleteAuthEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditWorker handles auth event messages and prunes old rows.
type AuditWorker struct {
	audit     AuditLog
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func NewAuditWorker(audit AuditLog, retention time.Duration, logger *log.Logger) *AuditWorker {
	if logger == nil {
		logger = log.Default(log.ComponentWorker)
	}
	return &AuditWorker{
		audit:     audit,
		retention: retention,
		logger:    logger.WithComponent(log.ComponentWorker),
		now:       time.Now,
	}
}

// HandleAuthEvent stores one delivered event. Redelivered events are
// acknowledged without a second row.
func (w *AuditWorker) HandleAuthEvent(ctx context.Context, e core.AuthEvent) error {
	inserted, err := w.audit.RecordAuthEvent(ctx, e)
	if err != nil {
		metrics.RecordAuthEvent(string(e.Type), "audit_failed")
		return fmt.Errorf("record auth event %s: %w", e.ID, err)
	}
	if !inserted {
		w.logger.DebugContext(ctx, "Duplicate auth event ignored",
			"event_id", e.ID, log.FieldEventType, string(e.Type))
		return nil
	}

	metrics.RecordAuthEvent(string(e.Type), "recorded")
	w.logger.InfoContext(ctx, "Auth event recorded",
		"event_id", e.ID,
		log.FieldEventType, string(e.Type),
		log.FieldSessionRef, e.SessionRef,
		log.FieldUserID, e.UserID)
	return nil
}

// Prune deletes events older than the retention period.
func (w *AuditWorker) Prune(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.retention)
	n, err := w.audit.DeleteAuthEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "Pruned audit log", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// RunPruner prunes once at start and then on every tick until ctx is done.
func (w *AuditWorker) RunPruner(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.Prune(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Periodic prune failed", log.FieldError, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
