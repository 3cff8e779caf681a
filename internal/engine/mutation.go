package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dtorcivia/afterhours/internal/database"
	"github.com/dtorcivia/afterhours/internal/metrics"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

// MutationState is the lifecycle of one calendar mutation.
type MutationState string

const (
	MutationPending         MutationState = "pending"
	MutationInFlight        MutationState = "in_flight"
	MutationSucceeded       MutationState = "succeeded"
	MutationFailedTransient MutationState = "failed_transient"
	MutationFailedPermanent MutationState = "failed_permanent"
)

var mutationTransitions = map[MutationState][]MutationState{
	MutationPending:         {MutationInFlight, MutationFailedPermanent},
	MutationInFlight:        {MutationSucceeded, MutationFailedTransient, MutationFailedPermanent},
	MutationFailedTransient: {MutationInFlight, MutationFailedPermanent},
}

// Terminal reports whether no further transition is possible.
func (s MutationState) Terminal() bool {
	return s == MutationSucceeded || s == MutationFailedPermanent
}

func (s MutationState) canMoveTo(next MutationState) bool {
	for _, allowed := range mutationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// mutation tracks one logical request through the orchestrator. It is
// owned by a single goroutine.
type mutation struct {
	id          string
	action      schedule.Action
	fingerprint string
	state       MutationState
	attempts    int
	dispatched  bool // a mutating call has reached the backend
	eventID     string
	audit       *AuditLogger
}

func newMutation(req schedule.ScheduleRequest, audit *AuditLogger) *mutation {
	return &mutation{
		id:          "mut_" + uuid.NewString(),
		action:      req.Action,
		fingerprint: req.Fingerprint,
		state:       MutationPending,
		audit:       audit,
	}
}

// moveTo records a transition. Illegal transitions are logged and ignored.
func (m *mutation) moveTo(ctx context.Context, next MutationState, detail map[string]interface{}) {
	if !m.state.canMoveTo(next) {
		util.Error("Illegal mutation transition", "mutation_id", m.id, "from", m.state, "to", next)
		return
	}
	m.state = next
	if next == MutationInFlight {
		m.attempts++
	}

	entry := database.AuditEntry{
		MutationID:  m.id,
		Action:      string(m.action),
		State:       string(next),
		Fingerprint: m.fingerprint,
		EventID:     m.eventID,
	}
	if len(detail) > 0 {
		entry.Detail, _ = json.Marshal(detail)
	}
	m.audit.Log(ctx, entry)

	util.Debug("Mutation transition", "mutation_id", m.id, "action", m.action, "state", next, "attempt", m.attempts)
	if next.Terminal() {
		metrics.Mutations.WithLabelValues(string(m.action), string(next)).Inc()
	}
}
