package workers

import (
	"context"
	"time"

	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

// CredentialSource is the part of the OAuth manager the refresh worker uses.
type CredentialSource interface {
	Current() google.Credential
	ValidCredential(ctx context.Context) (*google.Credential, error)
}

// RefreshWorker keeps the Google credential warm so a request rarely pays
// for a token refresh, and notices a revoked grant before a user does.
type RefreshWorker struct {
	creds    CredentialSource
	interval time.Duration
}

// NewRefreshWorker creates a new refresh worker.
func NewRefreshWorker(creds CredentialSource, interval time.Duration) *RefreshWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RefreshWorker{creds: creds, interval: interval}
}

// Start runs the refresh loop until ctx is cancelled.
func (w *RefreshWorker) Start(ctx context.Context) {
	util.Info("Starting credential refresh worker", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.check(ctx)

	for {
		select {
		case <-ctx.Done():
			util.Info("Credential refresh worker stopping")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check refreshes the credential when it is inside the refresh margin.
// Unconnected states are left alone.
func (w *RefreshWorker) check(ctx context.Context) {
	cur := w.creds.Current()
	if !cur.Usable() {
		return
	}

	_, err := w.creds.ValidCredential(ctx)
	switch {
	case err == nil:
	case schedule.KindOf(err) == schedule.KindReauthRequired:
		util.Warn("Google authorization was revoked; re-authorize at /auth/google", "error", err)
	case ctx.Err() != nil:
	default:
		util.Warn("Background credential refresh failed", "error", err)
	}
}
