package compliance_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/compliance"
	"github.com/sardis-hq/sardis/pkg/types"
)

func screenMandate() types.Mandate {
	return types.Mandate{
		MandateID:     "mnd_1",
		AgentID:       "agt_1",
		OrgID:         "org_1",
		SubjectWallet: "wal_1",
		Destination:   "acme.example",
		Amount:        types.NewMoney(100_00, "USD"),
		Rail:          types.RailACH,
		Direction:     types.DirectionDebit,
		Timestamp:     time.Now(),
	}
}

func TestHTTPScreenerClear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"result":"clear"}`))
	}))
	defer srv.Close()

	s := compliance.NewHTTPScreener(srv.URL, time.Second)
	assert.NoError(t, s.Screen(context.Background(), screenMandate()))
}

func TestHTTPScreenerHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":"hit","detail":"ofac match"}`))
	}))
	defer srv.Close()

	s := compliance.NewHTTPScreener(srv.URL, time.Second)
	err := s.Screen(context.Background(), screenMandate())
	require.ErrorIs(t, err, compliance.ErrScreeningFailed)
}

func TestHTTPScreenerFailsClosed(t *testing.T) {
	t.Run("5xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		s := compliance.NewHTTPScreener(srv.URL, time.Second)
		assert.ErrorIs(t, s.Screen(context.Background(), screenMandate()), compliance.ErrScreeningUnavailable)
	})

	t.Run("garbage body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer srv.Close()
		s := compliance.NewHTTPScreener(srv.URL, time.Second)
		assert.ErrorIs(t, s.Screen(context.Background(), screenMandate()), compliance.ErrScreeningUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		s := compliance.NewHTTPScreener("http://127.0.0.1:1", 200*time.Millisecond)
		assert.ErrorIs(t, s.Screen(context.Background(), screenMandate()), compliance.ErrScreeningUnavailable)
	})
}

func TestStaticScreener(t *testing.T) {
	s := &compliance.StaticScreener{Denied: map[string]bool{"bad.example": true}}

	assert.NoError(t, s.Screen(context.Background(), screenMandate()))

	m := screenMandate()
	m.Destination = "bad.example"
	assert.ErrorIs(t, s.Screen(context.Background(), m), compliance.ErrScreeningFailed)
}
