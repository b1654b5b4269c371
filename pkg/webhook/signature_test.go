package webhook_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/webhook"
)

var (
	sigSecret = []byte("signing-secret")
	sigNow    = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
)

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	header := webhook.Sign(sigSecret, sigNow.Unix(), body)

	require.NoError(t, webhook.VerifySignature(header, body, sigNow, sigSecret))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	header := webhook.Sign([]byte("other-secret"), sigNow.Unix(), body)

	err := webhook.VerifySignature(header, body, sigNow, sigSecret)
	require.ErrorIs(t, err, webhook.ErrBadSignature)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	header := webhook.Sign(sigSecret, sigNow.Unix(), []byte(`{"amount":100}`))

	err := webhook.VerifySignature(header, []byte(`{"amount":900}`), sigNow, sigSecret)
	require.ErrorIs(t, err, webhook.ErrBadSignature)
}

func TestVerifyTimestampWindow(t *testing.T) {
	body := []byte(`{}`)

	for _, skew := range []time.Duration{-webhook.Tolerance, webhook.Tolerance} {
		header := webhook.Sign(sigSecret, sigNow.Add(skew).Unix(), body)
		assert.NoError(t, webhook.VerifySignature(header, body, sigNow, sigSecret), skew)
	}
	for _, skew := range []time.Duration{-webhook.Tolerance - time.Second, webhook.Tolerance + time.Second} {
		header := webhook.Sign(sigSecret, sigNow.Add(skew).Unix(), body)
		err := webhook.VerifySignature(header, body, sigNow, sigSecret)
		assert.ErrorIs(t, err, webhook.ErrStaleTimestamp, skew)
	}
}

func TestVerifyMalformedHeaders(t *testing.T) {
	body := []byte(`{}`)
	for _, header := range []string{
		"",
		"t=123",
		"v1=" + strings.Repeat("ab", 32),
		"t=notanumber,v1=" + strings.Repeat("ab", 32),
		fmt.Sprintf("t=%d,v1=nothex", sigNow.Unix()),
		fmt.Sprintf("t=%d,v1=abcd", sigNow.Unix()), // truncated digest
	} {
		err := webhook.VerifySignature(header, body, sigNow, sigSecret)
		assert.ErrorIs(t, err, webhook.ErrMalformedSignature, header)
	}
}

func TestVerifyIgnoresUnknownSchemes(t *testing.T) {
	body := []byte(`{}`)
	header := webhook.Sign(sigSecret, sigNow.Unix(), body) + ",v0=legacy"
	require.NoError(t, webhook.VerifySignature(header, body, sigNow, sigSecret))
}

func TestVerifyTriesAllCandidateSecrets(t *testing.T) {
	body := []byte(`{}`)
	previous := []byte("rotated-out")
	header := webhook.Sign(previous, sigNow.Unix(), body)

	require.NoError(t, webhook.VerifySignature(header, body, sigNow, sigSecret, previous))
	err := webhook.VerifySignature(header, body, sigNow, sigSecret, nil)
	require.ErrorIs(t, err, webhook.ErrBadSignature, "empty candidates are skipped, not matched")
}
