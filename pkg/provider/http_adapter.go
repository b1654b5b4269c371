package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sardis-hq/sardis/pkg/types"
)

// HTTPAdapterConfig configures one HTTP-backed provider integration.
type HTTPAdapterConfig struct {
	Key        string        `yaml:"key" json:"key"`
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"-"`
	Rails      []types.Rail  `yaml:"rails" json:"rails"`
	Currencies []string      `yaml:"currencies" json:"currencies"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPAdapter talks JSON to a provider API. All built-in adapters are
// instances of it with rail-specific endpoints.
type HTTPAdapter struct {
	cfg        HTTPAdapterConfig
	client     *http.Client
	submitPath string
	statusPath string
	voidPath   string
}

// NewACHTreasuryAdapter originates ACH transfers through a treasury API.
func NewACHTreasuryAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	if cfg.Key == "" {
		cfg.Key = "ach_treasury"
	}
	if len(cfg.Rails) == 0 {
		cfg.Rails = []types.Rail{types.RailACH}
	}
	return newHTTPAdapter(cfg, "/v1/ach/transfers", "/v1/ach/transfers/%s", "/v1/ach/transfers/%s/cancel")
}

// NewCardIssuerAdapter authorizes and captures on virtual cards.
func NewCardIssuerAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	if cfg.Key == "" {
		cfg.Key = "card_issuer"
	}
	if len(cfg.Rails) == 0 {
		cfg.Rails = []types.Rail{types.RailCard}
	}
	return newHTTPAdapter(cfg, "/v1/cards/authorizations", "/v1/cards/authorizations/%s", "/v1/cards/authorizations/%s/reverse")
}

// NewStablecoinMPCAdapter submits transfers through an MPC wallet service.
func NewStablecoinMPCAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	if cfg.Key == "" {
		cfg.Key = "stablecoin_mpc"
	}
	if len(cfg.Rails) == 0 {
		cfg.Rails = []types.Rail{types.RailStablecoin, types.RailOnChain}
	}
	return newHTTPAdapter(cfg, "/v1/transfers", "/v1/transfers/%s", "/v1/transfers/%s/cancel")
}

func newHTTPAdapter(cfg HTTPAdapterConfig, submitPath, statusPath, voidPath string) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		submitPath: submitPath,
		statusPath: statusPath,
		voidPath:   voidPath,
	}
}

func (a *HTTPAdapter) Key() string { return a.cfg.Key }

func (a *HTTPAdapter) Supports(rail types.Rail, currency string) bool {
	railOK := false
	for _, r := range a.cfg.Rails {
		if r == rail {
			railOK = true
			break
		}
	}
	if !railOK {
		return false
	}
	if len(a.cfg.Currencies) == 0 {
		return true
	}
	for _, c := range a.cfg.Currencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

type submitPayload struct {
	Reference      string `json:"reference"`
	Direction      string `json:"direction"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"idempotency_key"`
}

type providerResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	ReturnCode string `json:"return_code"`
	Message    string `json:"message"`
}

// Submit posts the origination request. HTTP 2xx is accepted, 4xx is fatal
// (the provider understood and refused), everything else is retryable.
func (a *HTTPAdapter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	body := submitPayload{
		Reference:      req.PaymentID,
		Direction:      string(req.Direction),
		AmountMinor:    req.Amount.AmountMinor,
		Currency:       req.Amount.Currency,
		Destination:    req.Destination,
		IdempotencyKey: req.IdempotencyKey,
	}
	var out providerResponse
	status, err := a.do(ctx, http.MethodPost, a.cfg.BaseURL+a.submitPath, req.IdempotencyKey, body, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status >= 200 && status < 300:
		return &SubmitResult{Classification: Accepted, ProviderRef: out.ID}, nil
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return &SubmitResult{Classification: Fatal, Detail: fmt.Sprintf("provider rejected (%d): %s", status, out.Message)}, nil
	default:
		return &SubmitResult{Classification: Retryable, Detail: fmt.Sprintf("provider unavailable (%d)", status)}, nil
	}
}

// Status fetches provider-side state for reconciliation.
func (a *HTTPAdapter) Status(ctx context.Context, providerRef string) (*StatusResult, error) {
	var out providerResponse
	status, err := a.do(ctx, http.MethodGet, a.cfg.BaseURL+fmt.Sprintf(a.statusPath, providerRef), "", nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("provider %s: status fetch returned %d", a.cfg.Key, status)
	}
	return &StatusResult{ProviderRef: out.ID, State: out.State, ReturnCode: out.ReturnCode}, nil
}

// Void cancels a submitted payment when the provider still can.
func (a *HTTPAdapter) Void(ctx context.Context, providerRef string) error {
	status, err := a.do(ctx, http.MethodPost, a.cfg.BaseURL+fmt.Sprintf(a.voidPath, providerRef), "", nil, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("provider %s: void returned %d", a.cfg.Key, status)
	}
	return nil
}

func (a *HTTPAdapter) do(ctx context.Context, method, url, idemKey string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("provider %s: encode request: %w", a.cfg.Key, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, fmt.Errorf("provider %s: build request: %w", a.cfg.Key, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("provider %s: %w", a.cfg.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return resp.StatusCode, fmt.Errorf("provider %s: read response: %w", a.cfg.Key, err)
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, out) // tolerate non-JSON error bodies
		}
	}
	return resp.StatusCode, nil
}
