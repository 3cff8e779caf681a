// Package idempotency collapses duplicate scheduling requests so that each
// distinct request causes at most one calendar mutation.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dtorcivia/afterhours/internal/schedule"
)

// Status of an idempotency record.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

// Result is the recorded outcome of a mutation. Exactly one of Payload or
// ErrKind is meaningful.
type Result struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrKind   schedule.Kind   `json:"err_kind,omitempty"`
	ErrReason string          `json:"err_reason,omitempty"`
}

// SuccessResult records a payload.
func SuccessResult(payload interface{}) (Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}
	return Result{Payload: data}, nil
}

// FailureResult records a classified error.
func FailureResult(err error) Result {
	return Result{ErrKind: schedule.KindOf(err), ErrReason: schedule.ReasonOf(err)}
}

// Err returns the recorded error, if any.
func (r Result) Err() error {
	if r.ErrKind == "" {
		return nil
	}
	return &schedule.Error{Kind: r.ErrKind, Reason: r.ErrReason}
}

// Decode unmarshals the payload into v.
func (r Result) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return errors.New("result has no payload")
	}
	return json.Unmarshal(r.Payload, v)
}

// ErrClaimLost is returned when a claim expired and another owner took
// the fingerprint over.
var ErrClaimLost = errors.New("idempotency claim is held by another owner")

// Record is one fingerprint's slot.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	Owner       string    `json:"owner,omitempty"`
	Result      *Result   `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists records. Acquire must be atomic: of any number of
// concurrent callers for the same fingerprint, exactly one sees claimed=true.
// Renew, Complete and Release act only for the owner that holds the claim.
type Store interface {
	// Acquire claims fp for owner until ttl, or returns the live record holding it.
	Acquire(ctx context.Context, fp, owner string, now time.Time, ttl time.Duration) (rec *Record, claimed bool, err error)
	// Renew extends owner's in-flight claim. It reports false once the claim is gone.
	Renew(ctx context.Context, fp, owner string, now time.Time, ttl time.Duration) (bool, error)
	// Complete stores the result and keeps it for retention. It fails with
	// ErrClaimLost when a different owner holds fp.
	Complete(ctx context.Context, fp, owner string, result Result, now time.Time, retention time.Duration) error
	// Release drops owner's in-flight claim. Anything else is left alone.
	Release(ctx context.Context, fp, owner string) error
	// Get returns the live record for fp, or nil.
	Get(ctx context.Context, fp string, now time.Time) (*Record, error)
	// Purge removes records that expired before the given time.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// notifier is implemented by stores that can signal completion directly.
type notifier interface {
	done(fp string) <-chan struct{}
}
