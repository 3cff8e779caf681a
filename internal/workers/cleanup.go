// Package workers provides background worker goroutines.
package workers

import (
	"context"
	"time"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/util"
)

// IdempotencyPurger drops idempotency records past their retention.
type IdempotencyPurger interface {
	Purge(ctx context.Context) (int, error)
}

// AuditPruner deletes audit entries older than a number of days.
type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// CleanupWorker handles data retention and cleanup.
type CleanupWorker struct {
	idem     IdempotencyPurger
	audit    AuditPruner
	config   *config.RetentionConfig
	interval time.Duration
}

// NewCleanupWorker creates a new cleanup worker. Either collaborator may be nil.
func NewCleanupWorker(idem IdempotencyPurger, audit AuditPruner, cfg *config.RetentionConfig) *CleanupWorker {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupWorker{
		idem:     idem,
		audit:    audit,
		config:   cfg,
		interval: interval,
	}
}

// Start runs the cleanup loop until ctx is cancelled.
func (w *CleanupWorker) Start(ctx context.Context) {
	util.Info("Starting cleanup worker",
		"interval", w.interval,
		"audit_days", w.config.AuditLogDays,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately on start
	w.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			util.Info("Cleanup worker stopping")
			return
		case <-ticker.C:
			w.runCleanup(ctx)
		}
	}
}

// runCleanup performs all cleanup tasks.
func (w *CleanupWorker) runCleanup(ctx context.Context) {
	util.Debug("Running cleanup tasks")

	w.cleanupIdempotency(ctx)

	if w.config.Enabled {
		w.cleanupAuditLogs(ctx)
	}
}

// cleanupIdempotency removes completed records past retention and claims
// left behind by a crashed process.
func (w *CleanupWorker) cleanupIdempotency(ctx context.Context) {
	if w.idem == nil {
		return
	}
	n, err := w.idem.Purge(ctx)
	if err != nil {
		util.Error("Failed to purge idempotency records", "error", err)
		return
	}
	if n > 0 {
		util.Debug("Purged idempotency records", "count", n)
	}
}

// cleanupAuditLogs removes old audit log entries.
func (w *CleanupWorker) cleanupAuditLogs(ctx context.Context) {
	if w.audit == nil || w.config.AuditLogDays <= 0 {
		return
	}
	rows, err := w.audit.DeleteOlderThan(ctx, w.config.AuditLogDays)
	if err != nil {
		util.Error("Failed to cleanup audit logs", "error", err)
		return
	}
	if rows > 0 {
		util.Info("Cleaned up old audit logs", "count", rows)
	}
}
