package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/sardis-hq/sardis/pkg/idempotency"
	"github.com/sardis-hq/sardis/pkg/payments"
)

// eventSchema validates the normalized delivery body before any state is
// touched. Providers deliver already-normalized events; the raw provider
// payload stays on their side of the adapter.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_id", "payment_id", "kind", "occurred_at"],
	"properties": {
		"event_id":    {"type": "string", "minLength": 1},
		"payment_id":  {"type": "string", "minLength": 1},
		"kind":        {"type": "string", "minLength": 1},
		"return_code": {"type": "string"},
		"occurred_at": {"type": "string", "format": "date-time"}
	},
	"additionalProperties": true
}`

const maxBodyBytes = 256 << 10

// Applier drives the payment state machine for a verified event.
type Applier interface {
	ApplyEvent(ctx context.Context, ev payments.Event) (*payments.ApplyResult, error)
}

// Observer receives ingress metric samples.
type Observer interface {
	DeliveryProcessed(ctx context.Context, provider string, outcome string)
	DuplicateSuppressed(ctx context.Context, provider string)
}

// Ingress is the webhook HTTP surface. Mount it at POST /v2/webhooks/{provider}.
type Ingress struct {
	secrets   *SecretStore
	dedupe    *DedupeStore
	applier   Applier
	locker    idempotency.Locker
	observer  Observer
	auditor   Auditor
	schema    *jsonschema.Schema
	logger    *slog.Logger
	clock     func() time.Time
	admission sync.Map // provider -> *rate.Limiter
	rps       rate.Limit
	burst     int
}

// NewIngress wires the ingress pipeline.
func NewIngress(secrets *SecretStore, dedupe *DedupeStore, applier Applier, locker idempotency.Locker, observer Observer, auditor Auditor) (*Ingress, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("webhook: schema resource: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("webhook: compile schema: %w", err)
	}
	return &Ingress{
		secrets:  secrets,
		dedupe:   dedupe,
		applier:  applier,
		locker:   locker,
		observer: observer,
		auditor:  auditor,
		schema:   schema,
		logger:   slog.Default().With("component", "webhook"),
		clock:    time.Now,
		rps:      100,
		burst:    200,
	}, nil
}

// WithClock overrides the clock for tests.
func (in *Ingress) WithClock(clock func() time.Time) *Ingress {
	in.clock = clock
	return in
}

// WithAdmission overrides the per-provider admission rate.
func (in *Ingress) WithAdmission(rps rate.Limit, burst int) *Ingress {
	in.rps, in.burst = rps, burst
	return in
}

func (in *Ingress) admit(provider string) bool {
	v, ok := in.admission.Load(provider)
	if !ok {
		v, _ = in.admission.LoadOrStore(provider, rate.NewLimiter(in.rps, in.burst))
	}
	return v.(*rate.Limiter).Allow()
}

type delivery struct {
	EventID    string    `json:"event_id"`
	PaymentID  string    `json:"payment_id"`
	Kind       string    `json:"kind"`
	ReturnCode string    `json:"return_code"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ServeHTTP handles one delivery. Order matters: signature before parse,
// parse before dedupe, dedupe before apply. Unverifiable deliveries never
// reach the dedupe store.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider := r.PathValue("provider")
	if provider == "" {
		http.Error(w, "missing provider", http.StatusNotFound)
		return
	}
	if !in.admit(provider) {
		http.Error(w, "provider admission limit exceeded", http.StatusTooManyRequests)
		return
	}
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		http.Error(w, "body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	secrets, err := in.secrets.Candidates(provider)
	if err != nil {
		in.logger.Warn("delivery for unconfigured provider", "provider", provider)
		http.Error(w, "unknown provider", http.StatusUnauthorized)
		return
	}
	if err := VerifySignature(r.Header.Get(SignatureHeader), body, in.clock(), secrets...); err != nil {
		in.logger.Warn("signature rejected", "provider", provider, "err", err)
		in.observe(ctx, provider, "rejected")
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	var d delivery
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := in.schema.Validate(raw); err != nil {
		in.logger.Warn("payload failed schema", "provider", provider, "err", err)
		http.Error(w, "payload validation failed", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	outcome, err := in.dedupe.Check(ctx, provider, d.EventID, body)
	if err != nil {
		http.Error(w, "dedupe unavailable", http.StatusServiceUnavailable)
		return
	}
	switch outcome {
	case DeliveryDuplicate:
		if in.observer != nil {
			in.observer.DuplicateSuppressed(ctx, provider)
		}
		in.observe(ctx, provider, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	case DeliverySuspicious:
		in.logger.Error("replayed event id with different body", "provider", provider, "event_id", d.EventID)
		in.auditEvent(ctx, "webhook.suspicious_replay", provider, d)
		in.observe(ctx, provider, "suspicious")
		http.Error(w, "event id replayed with different body", http.StatusConflict)
		return
	}

	// Per-payment single flight so concurrent deliveries for the same
	// payment serialize before the FSM.
	ok, release, err := in.locker.Acquire(ctx, "payment:"+d.PaymentID, 15*time.Second, 5*time.Second)
	if err != nil || !ok {
		http.Error(w, "payment busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	res, err := in.applier.ApplyEvent(ctx, payments.Event{
		Provider:        provider,
		ProviderEventID: d.EventID,
		PaymentID:       d.PaymentID,
		Kind:            d.Kind,
		ReturnCode:      d.ReturnCode,
		OccurredAt:      d.OccurredAt,
	})
	if err != nil {
		// The delivery row stays in state "new": the provider's retry of
		// the identical body re-applies instead of being suppressed.
		in.logger.Error("event application failed", "provider", provider, "event_id", d.EventID, "err", err)
		http.Error(w, "event application failed", http.StatusInternalServerError)
		return
	}
	if err := in.dedupe.MarkProcessed(ctx, provider, d.EventID); err != nil {
		// Apply succeeded but the mark did not; the retry re-applies
		// idempotently under the per-payment lock.
		in.logger.Warn("delivery left unmarked", "provider", provider, "event_id", d.EventID, "err", err)
	}

	in.observe(ctx, provider, "applied")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (in *Ingress) observe(ctx context.Context, provider, outcome string) {
	if in.observer != nil {
		in.observer.DeliveryProcessed(ctx, provider, outcome)
	}
}

func (in *Ingress) auditEvent(ctx context.Context, kind, provider string, d delivery) {
	if in.auditor == nil {
		return
	}
	_ = in.auditor.Audit(ctx, "", kind, map[string]any{
		"provider":   provider,
		"event_id":   d.EventID,
		"payment_id": d.PaymentID,
		"kind":       d.Kind,
	})
}
