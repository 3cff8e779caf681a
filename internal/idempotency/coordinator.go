package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dtorcivia/afterhours/internal/metrics"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

// Outcome of Begin.
type Outcome int

const (
	// Proceed means the caller owns the slot and must Complete or Release it.
	Proceed Outcome = iota
	// InFlight means another caller owns the slot.
	InFlight
	// Completed means the slot holds a finished result.
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Options configures a Coordinator.
type Options struct {
	Retention    time.Duration // how long completed results are replayed
	InFlightTTL  time.Duration // upper bound on a claim held by a crashed process
	WaitTimeout  time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Slot is the answer to Begin. When Outcome is Proceed the slot carries the
// claim that Complete, Release and Renew act on.
type Slot struct {
	Outcome Outcome
	Result  *Result // set when Outcome is Completed

	fingerprint string
	owner       string
}

// Coordinator hands out idempotency slots keyed by request fingerprint.
type Coordinator struct {
	store Store
	opts  Options
	ttl   atomic.Int64
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(store Store, opts Options) *Coordinator {
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	if opts.InFlightTTL <= 0 {
		opts.InFlightTTL = 2 * time.Minute
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{store: store, opts: opts}
	c.ttl.Store(int64(opts.InFlightTTL))
	return c
}

// InFlightTTL is how long a claim lives without renewal.
func (c *Coordinator) InFlightTTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// CoverInFlight raises the in-flight TTL to at least d, so a claim cannot
// expire while its owner may still be mutating.
func (c *Coordinator) CoverInFlight(d time.Duration) {
	for {
		cur := c.ttl.Load()
		if int64(d) <= cur {
			return
		}
		if c.ttl.CompareAndSwap(cur, int64(d)) {
			util.Warn("Raised idempotency in-flight TTL to cover the mutation deadline",
				"configured", time.Duration(cur), "ttl", d)
			return
		}
	}
}

// Begin atomically checks and claims fp.
func (c *Coordinator) Begin(ctx context.Context, fp string) (*Slot, error) {
	owner := uuid.NewString()
	rec, claimed, err := c.store.Acquire(ctx, fp, owner, c.opts.Now(), c.InFlightTTL())
	if err != nil {
		return nil, fmt.Errorf("idempotency begin: %w", err)
	}

	slot := &Slot{Outcome: Proceed, fingerprint: fp}
	switch {
	case claimed:
		slot.owner = owner
	case rec.Status == StatusCompleted && rec.Result != nil:
		slot.Outcome, slot.Result = Completed, rec.Result
	default:
		slot.Outcome = InFlight
	}
	metrics.IdempotencyOutcomes.WithLabelValues(slot.Outcome.String()).Inc()
	util.Debug("Idempotency slot checked", "fingerprint", short(fp), "outcome", slot.Outcome.String())
	return slot, nil
}

// Wait blocks until the in-flight slot for fp completes, ctx ends, or the
// wait timeout elapses. A released slot yields (nil, nil): the caller may
// Begin again.
func (c *Coordinator) Wait(ctx context.Context, fp string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.WaitTimeout)
	defer cancel()

	n, canNotify := c.store.(notifier)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.store.Get(ctx, fp, c.opts.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil, errStillRunning()
			}
			return nil, fmt.Errorf("idempotency wait: %w", err)
		}
		if rec == nil {
			return nil, nil
		}
		if rec.Status == StatusCompleted && rec.Result != nil {
			return rec.Result, nil
		}

		var done <-chan struct{}
		if canNotify {
			done = n.done(fp)
		}
		select {
		case <-ctx.Done():
			return nil, errStillRunning()
		case <-done:
		case <-ticker.C:
		}
	}
}

// Renew extends the claim held by slot.
func (c *Coordinator) Renew(ctx context.Context, slot *Slot) error {
	ok, err := c.store.Renew(ctx, slot.fingerprint, slot.owner, c.opts.Now(), c.InFlightTTL())
	if err != nil {
		return fmt.Errorf("idempotency renew: %w", err)
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}

// Hold renews slot's claim every third of the TTL until stop is called.
func (c *Coordinator) Hold(ctx context.Context, slot *Slot) (stop func()) {
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(c.InFlightTTL()/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Renew(ctx, slot); err != nil {
					util.Warn("Failed to renew idempotency claim", "fingerprint", short(slot.fingerprint), "error", err)
					if errors.Is(err, ErrClaimLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		close(quit)
		wg.Wait()
	}
}

// Complete records the outcome for slot.
func (c *Coordinator) Complete(ctx context.Context, slot *Slot, result Result) error {
	if err := c.store.Complete(ctx, slot.fingerprint, slot.owner, result, c.opts.Now(), c.opts.Retention); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Release gives up slot's claim without recording a result, for failures
// that happened before anything reached the calendar.
func (c *Coordinator) Release(ctx context.Context, slot *Slot) error {
	if err := c.store.Release(ctx, slot.fingerprint, slot.owner); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

// Purge removes expired records.
func (c *Coordinator) Purge(ctx context.Context) (int, error) {
	return c.store.Purge(ctx, c.opts.Now())
}

func errStillRunning() error {
	return schedule.Errorf(schedule.KindInProgress, "an identical request is still being processed; retry shortly")
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
