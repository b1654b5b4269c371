package webhook

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSecret means a provider has no signing secret configured; deliveries
// for it are rejected.
var ErrNoSecret = errors.New("webhook: no signing secret for provider")

// Auditor records secret lifecycle events to the ledger.
type Auditor interface {
	Audit(ctx context.Context, orgID, kind string, payload any) error
}

// SecretStore keeps per-provider signing secrets with one-deep rotation:
// after Rotate the previous secret stays valid until the grace window ends.
type SecretStore struct {
	mu      sync.RWMutex
	entries map[string]*secretEntry
	grace   time.Duration
	auditor Auditor
	clock   func() time.Time
}

type secretEntry struct {
	current   []byte
	previous  []byte
	rotatedAt time.Time
}

// NewSecretStore builds a store. A non-positive grace disables the overlap
// window entirely.
func NewSecretStore(grace time.Duration, auditor Auditor) *SecretStore {
	return &SecretStore{
		entries: make(map[string]*secretEntry),
		grace:   grace,
		auditor: auditor,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *SecretStore) WithClock(clock func() time.Time) *SecretStore {
	s.clock = clock
	return s
}

// Set installs the initial secret for a provider.
func (s *SecretStore) Set(ctx context.Context, provider string, secret []byte) {
	s.mu.Lock()
	s.entries[provider] = &secretEntry{current: secret}
	s.mu.Unlock()
	s.audit(ctx, "webhook.secret_set", provider)
}

// Rotate installs a new current secret and keeps the old one verifiable
// for the grace window.
func (s *SecretStore) Rotate(ctx context.Context, provider string, secret []byte) error {
	s.mu.Lock()
	e, ok := s.entries[provider]
	if !ok {
		s.mu.Unlock()
		return ErrNoSecret
	}
	e.previous = e.current
	e.current = secret
	e.rotatedAt = s.clock()
	s.mu.Unlock()
	s.audit(ctx, "webhook.secret_rotated", provider)
	return nil
}

// Candidates returns the secrets to try, current first. The previous secret
// is included only inside the rotation grace window.
func (s *SecretStore) Candidates(provider string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[provider]
	if !ok || len(e.current) == 0 {
		return nil, ErrNoSecret
	}
	out := [][]byte{e.current}
	if len(e.previous) > 0 && s.grace > 0 && s.clock().Sub(e.rotatedAt) <= s.grace {
		out = append(out, e.previous)
	}
	return out, nil
}

func (s *SecretStore) audit(ctx context.Context, kind, provider string) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Audit(ctx, "", kind, map[string]any{"provider": provider})
}
