package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/idempotency"
	"github.com/sardis-hq/sardis/pkg/payments"
	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/webhook"
)

type stubApplier struct {
	applied []payments.Event
	err     error
}

func (a *stubApplier) ApplyEvent(_ context.Context, ev payments.Event) (*payments.ApplyResult, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.applied = append(a.applied, ev)
	return &payments.ApplyResult{Changed: true, To: payments.ACHReviewed}, nil
}

type ingressObserver struct {
	outcomes   []string
	duplicates int
}

func (o *ingressObserver) DeliveryProcessed(_ context.Context, provider, outcome string) {
	o.outcomes = append(o.outcomes, provider+":"+outcome)
}

func (o *ingressObserver) DuplicateSuppressed(context.Context, string) { o.duplicates++ }

type ingressFixture struct {
	ingress *webhook.Ingress
	applier *stubApplier
	obs     *ingressObserver
	aud     *secretAuditor
	now     time.Time
	secret  []byte
}

func newIngress(t *testing.T) *ingressFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "webhooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &ingressFixture{
		applier: &stubApplier{},
		obs:     &ingressObserver{},
		aud:     &secretAuditor{},
		now:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		secret:  []byte("signing-secret"),
	}
	secrets := webhook.NewSecretStore(time.Hour, f.aud)
	secrets.Set(context.Background(), "ach_treasury", f.secret)

	dedupe, err := webhook.NewDedupeStore(context.Background(), db)
	require.NoError(t, err)

	in, err := webhook.NewIngress(secrets, dedupe, f.applier, idempotency.NewMemoryLocker(), f.obs, f.aud)
	require.NoError(t, err)
	f.ingress = in.WithClock(func() time.Time { return f.now })
	return f
}

func (f *ingressFixture) deliver(t *testing.T, provider, body, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v2/webhooks/"+provider, strings.NewReader(body))
	req.SetPathValue("provider", provider)
	if header != "" {
		req.Header.Set(webhook.SignatureHeader, header)
	}
	rec := httptest.NewRecorder()
	f.ingress.ServeHTTP(rec, req)
	return rec
}

func eventBody(eventID string) string {
	return fmt.Sprintf(`{"event_id":%q,"payment_id":"pay_1","kind":"ACH_REVIEWED","occurred_at":"2026-08-01T11:59:00Z"}`, eventID)
}

func TestIngressAppliesVerifiedDelivery(t *testing.T) {
	f := newIngress(t)
	body := eventBody("e1")

	rec := f.deliver(t, "ach_treasury", body, webhook.Sign(f.secret, f.now.Unix(), []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res payments.ApplyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Changed)

	require.Len(t, f.applier.applied, 1)
	assert.Equal(t, "ach_treasury", f.applier.applied[0].Provider)
	assert.Equal(t, "e1", f.applier.applied[0].ProviderEventID)
	assert.Contains(t, f.obs.outcomes, "ach_treasury:applied")
}

func TestIngressRejectsBadSignature(t *testing.T) {
	f := newIngress(t)
	body := eventBody("e1")

	rec := f.deliver(t, "ach_treasury", body, webhook.Sign([]byte("wrong"), f.now.Unix(), []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.applier.applied)
	assert.Contains(t, f.obs.outcomes, "ach_treasury:rejected")
}

func TestIngressRejectsUnknownProvider(t *testing.T) {
	f := newIngress(t)
	body := eventBody("e1")

	rec := f.deliver(t, "card_issuer", body, webhook.Sign(f.secret, f.now.Unix(), []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngressRejectsStaleTimestamp(t *testing.T) {
	f := newIngress(t)
	body := eventBody("e1")
	old := f.now.Add(-10 * time.Minute).Unix()

	rec := f.deliver(t, "ach_treasury", body, webhook.Sign(f.secret, old, []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngressRejectsSchemaViolations(t *testing.T) {
	f := newIngress(t)
	for _, body := range []string{
		`{"payment_id":"pay_1","kind":"ACH_REVIEWED","occurred_at":"2026-08-01T11:59:00Z"}`, // missing event_id
		`{"event_id":"","payment_id":"pay_1","kind":"x","occurred_at":"2026-08-01T11:59:00Z"}`,
		`not json`,
	} {
		rec := f.deliver(t, "ach_treasury", body, webhook.Sign(f.secret, f.now.Unix(), []byte(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, f.applier.applied)
}

func TestIngressSuppressesDuplicates(t *testing.T) {
	f := newIngress(t)
	body := eventBody("e1")
	header := webhook.Sign(f.secret, f.now.Unix(), []byte(body))

	require.Equal(t, http.StatusOK, f.deliver(t, "ach_treasury", body, header).Code)
	rec := f.deliver(t, "ach_treasury", body, header)

	assert.Equal(t, http.StatusOK, rec.Code, "duplicates ack so the provider stops retrying")
	assert.Len(t, f.applier.applied, 1, "applied exactly once")
	assert.Equal(t, 1, f.obs.duplicates)
}

func TestIngressFlagsSuspiciousReplay(t *testing.T) {
	f := newIngress(t)
	first := eventBody("e1")
	require.Equal(t, http.StatusOK,
		f.deliver(t, "ach_treasury", first, webhook.Sign(f.secret, f.now.Unix(), []byte(first))).Code)

	mutated := `{"event_id":"e1","payment_id":"pay_2","kind":"ACH_SETTLED","occurred_at":"2026-08-01T11:59:00Z"}`
	rec := f.deliver(t, "ach_treasury", mutated, webhook.Sign(f.secret, f.now.Unix(), []byte(mutated)))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, f.applier.applied, 1, "the mutated replay never reaches the FSM")
	assert.Contains(t, f.aud.kinds, "webhook.suspicious_replay")
}

func TestIngressApplierFailure(t *testing.T) {
	f := newIngress(t)
	f.applier.err = errors.New("db down")
	body := eventBody("e1")

	rec := f.deliver(t, "ach_treasury", body, webhook.Sign(f.secret, f.now.Unix(), []byte(body)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIngressRetryAfterFailedApply(t *testing.T) {
	f := newIngress(t)
	f.applier.err = errors.New("db down")
	body := eventBody("e1")
	sig := webhook.Sign(f.secret, f.now.Unix(), []byte(body))

	rec := f.deliver(t, "ach_treasury", body, sig)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, f.applier.applied)

	// The provider retries the identical delivery once the store recovers;
	// it must reach the state machine, not be swallowed as a duplicate.
	f.applier.err = nil
	rec = f.deliver(t, "ach_treasury", body, sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.applier.applied, 1)
	assert.Equal(t, "e1", f.applier.applied[0].ProviderEventID)
	assert.Zero(t, f.obs.duplicates)

	// Only now is a further replay a duplicate.
	rec = f.deliver(t, "ach_treasury", body, sig)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.applier.applied, 1)
	assert.Equal(t, 1, f.obs.duplicates)
}

func TestIngressMethodAndRouting(t *testing.T) {
	f := newIngress(t)

	req := httptest.NewRequest(http.MethodGet, "/v2/webhooks/ach_treasury", nil)
	req.SetPathValue("provider", "ach_treasury")
	rec := httptest.NewRecorder()
	f.ingress.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v2/webhooks/", nil)
	rec = httptest.NewRecorder()
	f.ingress.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngressAdmissionControl(t *testing.T) {
	f := newIngress(t)
	f.ingress.WithAdmission(1, 1)

	body := eventBody("adm1")
	rec := f.deliver(t, "ach_treasury", body, webhook.Sign(f.secret, f.now.Unix(), []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	body = eventBody("adm2")
	rec = f.deliver(t, "ach_treasury", body, webhook.Sign(f.secret, f.now.Unix(), []byte(body)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "burst of one is spent")
	assert.Len(t, f.applier.applied, 1)
}
