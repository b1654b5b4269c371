package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the volatile idempotency backend. Production deploys use
// the Postgres backend; this one exists for tests and for the explicit
// operator opt-in when the persistent store is unavailable at boot.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   func() time.Time
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func recordKey(scope, key string) string { return scope + "\x00" + key }

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, scope, key, requestDigest string, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if prior, ok := s.records[recordKey(scope, key)]; ok && prior.ExpiresAt.After(now) {
		cp := *prior
		if prior.RequestDigest != requestDigest {
			return &cp, ErrConflict
		}
		if prior.State == StateInFlight {
			return &cp, ErrInFlight
		}
		return &cp, nil
	}

	s.records[recordKey(scope, key)] = &Record{
		Scope:         scope,
		Key:           key,
		State:         StateInFlight,
		RequestDigest: requestDigest,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	return nil, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, scope, key string, result json.RawMessage, resultDigest string) error {
	return s.finish(scope, key, StateCompleted, result, resultDigest)
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, scope, key string, result json.RawMessage, resultDigest string) error {
	return s.finish(scope, key, StateFailed, result, resultDigest)
}

func (s *MemoryStore) finish(scope, key string, state State, result json.RawMessage, resultDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(scope, key)]
	if !ok {
		return ErrConflict
	}
	rec.State = state
	rec.Result = result
	rec.ResultDigest = resultDigest
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, scope, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(scope, key)]
	if !ok || !rec.ExpiresAt.After(s.clock()) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	dropped := 0
	for k, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, k)
			dropped++
		}
	}
	return dropped, nil
}

// MemoryLocker is an in-process single-flight lock set.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
	wake map[string]chan struct{}
}

// NewMemoryLocker creates a process-local locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]struct{}),
		wake: make(map[string]chan struct{}),
	}
}

// Acquire implements Locker with a bounded wait.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration, wait time.Duration) (bool, func(), error) {
	deadline := time.Now().Add(wait)
	for {
		l.mu.Lock()
		if _, taken := l.held[key]; !taken {
			l.held[key] = struct{}{}
			ch := make(chan struct{})
			l.wake[key] = ch
			l.mu.Unlock()
			release := func() {
				l.mu.Lock()
				delete(l.held, key)
				delete(l.wake, key)
				close(ch)
				l.mu.Unlock()
			}
			return true, release, nil
		}
		ch := l.wake[key]
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, nil, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false, nil, nil
		}
	}
}
