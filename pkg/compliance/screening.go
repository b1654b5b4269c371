// Package compliance models the external screening contract and the
// agent-to-agent trust table. Third-party issuer and screening APIs are
// interface contracts only; the HTTP client here fails closed.
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sardis-hq/sardis/pkg/types"
)

// ErrScreeningUnavailable indicates the external screen could not answer.
// Callers must treat it exactly like a failed screen.
var ErrScreeningUnavailable = errors.New("compliance: screening unavailable")

// ErrScreeningFailed indicates the counterparty failed the screen.
var ErrScreeningFailed = errors.New("compliance: screening failed")

// HTTPScreener calls an external sanctions/AML screening service. Any
// non-200 response, transport error, or timeout fails closed.
type HTTPScreener struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPScreener creates a screener against the given endpoint.
func NewHTTPScreener(endpoint string, timeout time.Duration) *HTTPScreener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScreener{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default().With("component", "compliance"),
	}
}

type screenRequest struct {
	OrgID       string `json:"org_id"`
	AgentID     string `json:"agent_id"`
	Destination string `json:"destination"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Rail        string `json:"rail"`
}

type screenResponse struct {
	Result string `json:"result"` // "clear" | "hit" | "review"
	Detail string `json:"detail,omitempty"`
}

// Screen implements policy.Screener.
func (s *HTTPScreener) Screen(ctx context.Context, m types.Mandate) error {
	body, err := json.Marshal(screenRequest{
		OrgID:       m.OrgID,
		AgentID:     m.AgentID,
		Destination: m.Destination,
		AmountMinor: m.Amount.AmountMinor,
		Currency:    m.Amount.Currency,
		Rail:        string(m.Rail),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScreeningUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScreeningUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("screening call failed", "err", err)
		return fmt.Errorf("%w: %v", ErrScreeningUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrScreeningUnavailable, resp.StatusCode)
	}
	var result screenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrScreeningUnavailable, err)
	}
	if result.Result != "clear" {
		return fmt.Errorf("%w: %s %s", ErrScreeningFailed, result.Result, result.Detail)
	}
	return nil
}

// StaticScreener is a deterministic screener for tests and development: it
// fails any destination on its denylist and clears everything else.
type StaticScreener struct {
	Denied map[string]bool
}

// Screen implements policy.Screener.
func (s *StaticScreener) Screen(_ context.Context, m types.Mandate) error {
	if s.Denied[m.Destination] {
		return fmt.Errorf("%w: destination on denylist", ErrScreeningFailed)
	}
	return nil
}
