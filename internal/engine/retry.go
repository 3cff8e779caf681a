package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/dtorcivia/afterhours/internal/google"
	"github.com/dtorcivia/afterhours/internal/metrics"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

// RetryPolicy bounds retries of calendar calls.
type RetryPolicy struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	CallTimeout          time.Duration
	RetryableStatusCodes []int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 8 * time.Second
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 15 * time.Second
	}
	if len(p.RetryableStatusCodes) == 0 {
		p.RetryableStatusCodes = []int{429, 500, 502, 503, 504}
	}
	return p
}

// backoff returns the wait before retry n (0-based): initial * 2^n, capped.
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < n && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// MutationDeadline bounds a whole mutation: a few retried calls (lookup,
// conflict check, write) back to back.
func (p RetryPolicy) MutationDeadline() time.Duration {
	return p.withDefaults().budget() * 3
}

// budget is an upper bound on the time one retried call can take.
func (p RetryPolicy) budget() time.Duration {
	total := time.Duration(p.MaxAttempts) * p.CallTimeout
	for n := 0; n < p.MaxAttempts-1; n++ {
		total += p.backoff(n)
	}
	return total
}

// callKind distinguishes calls that change the calendar from lookups.
type callKind int

const (
	readCall callKind = iota
	writeCall
)

// call runs fn with a fresh credential, retrying transient failures with
// bounded exponential backoff. Authentication problems abort at once.
// Permanent errors are returned as the backend reported them; exhausted
// retries become CalendarOperationFailed.
func (e *Engine) call(ctx context.Context, m *mutation, op string, kind callKind, fn func(ctx context.Context, cred *google.Credential) error) error {
	policy := e.retry
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := policy.backoff(attempt - 1)
			util.Debug("Retrying calendar call", "op", op, "attempt", attempt+1, "backoff", wait, "mutation_id", m.id)
			if err := e.sleep(ctx, wait); err != nil {
				return schedule.Wrap(schedule.KindCalendarOperationFailed, "calendar call abandoned", lastErr)
			}
		}

		cred, err := e.creds.ValidCredential(ctx)
		if err != nil {
			if schedule.KindOf(err) == schedule.KindTransient {
				lastErr = err
				continue
			}
			return err
		}

		if kind == writeCall {
			m.dispatched = true
			m.moveTo(ctx, MutationInFlight, map[string]interface{}{"op": op, "attempt": attempt + 1})
		}

		actx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
		started := time.Now()
		err = fn(actx, cred)
		cancel()
		metrics.CalendarLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())

		if err == nil {
			metrics.CalendarAttempts.WithLabelValues(op, "ok").Inc()
			return nil
		}
		lastErr = err

		if !e.isRetryable(err) {
			metrics.CalendarAttempts.WithLabelValues(op, "permanent").Inc()
			return err
		}
		metrics.CalendarAttempts.WithLabelValues(op, "transient").Inc()
		util.Warn("Transient calendar failure", "op", op, "attempt", attempt+1, "error", err, "mutation_id", m.id)
		if kind == writeCall {
			m.moveTo(ctx, MutationFailedTransient, map[string]interface{}{"op": op, "error": err.Error()})
		}
	}

	return schedule.Wrap(schedule.KindCalendarOperationFailed, "the calendar is unavailable; try again later", lastErr)
}

func (e *Engine) isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		for _, code := range e.retry.RetryableStatusCodes {
			if apiErr.Code == code {
				return true
			}
		}
		if apiErr.Code == http.StatusForbidden {
			for _, item := range apiErr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					return true
				}
			}
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// isNotFound reports whether the backend says the event does not exist.
func isNotFound(err error) bool {
	if errors.Is(err, schedule.ErrEventNotFound) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

// permanent classifies a non-retryable backend error for the caller.
func permanent(err error, reason string) error {
	var se *schedule.Error
	if errors.As(err, &se) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return schedule.Wrap(schedule.KindReauthRequired, "Google rejected the calendar credential; re-authorize at /auth/google", err)
		}
		if apiErr.Message != "" {
			reason = reason + ": " + apiErr.Message
		}
	}
	return schedule.Wrap(schedule.KindCalendarOperationFailed, reason, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
