package idempotency

import (
	"context"
	"sync"
	"time"
)

type memRecord struct {
	Record
	expiresAt time.Time
	doneCh    chan struct{}
	closed    bool
}

func (r *memRecord) finish() {
	if !r.closed {
		close(r.doneCh)
		r.closed = true
	}
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memRecord)}
}

func (s *MemoryStore) Acquire(_ context.Context, fp, owner string, now time.Time, ttl time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[fp]; ok && now.Before(r.expiresAt) {
		rec := r.Record
		return &rec, false, nil
	} else if ok {
		r.finish()
	}

	r := &memRecord{
		Record:    Record{Fingerprint: fp, Status: StatusInFlight, Owner: owner, CreatedAt: now},
		expiresAt: now.Add(ttl),
		doneCh:    make(chan struct{}),
	}
	s.records[fp] = r
	rec := r.Record
	return &rec, true, nil
}

func (s *MemoryStore) Renew(_ context.Context, fp, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	if !ok || r.Status != StatusInFlight || r.Owner != owner || !now.Before(r.expiresAt) {
		return false, nil
	}
	r.expiresAt = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, fp, owner string, result Result, now time.Time, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	switch {
	case !ok || !now.Before(r.expiresAt):
		if ok {
			r.finish()
		}
		r = &memRecord{
			Record: Record{Fingerprint: fp, Owner: owner, CreatedAt: now},
			doneCh: make(chan struct{}),
		}
		s.records[fp] = r
	case r.Owner != owner:
		return ErrClaimLost
	}
	res := result
	r.Status = StatusCompleted
	r.Result = &res
	r.expiresAt = now.Add(retention)
	r.finish()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, fp, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[fp]; ok && r.Status == StatusInFlight && r.Owner == owner {
		r.finish()
		delete(s.records, fp)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, fp string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	if !ok || !now.Before(r.expiresAt) {
		return nil, nil
	}
	rec := r.Record
	return &rec, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for fp, r := range s.records {
		if r.expiresAt.Before(before) {
			r.finish()
			delete(s.records, fp)
			n++
		}
	}
	return n, nil
}

// done returns a channel closed when fp leaves the in-flight state. A nil
// channel means there is nothing to wait for.
func (s *MemoryStore) done(fp string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp]
	if !ok || r.closed {
		return nil
	}
	return r.doneCh
}
