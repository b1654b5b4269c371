package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sardis-hq/sardis/pkg/types"
)

const (
	requestIDHeader  = "X-Request-ID"
	apiVersionHeader = "X-API-Version"
	apiVersion       = "2"
)

type ctxKey int

const (
	ctxKeyAgentID ctxKey = iota
	ctxKeyOrgID
)

// AgentID returns the authenticated agent from the request context.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyAgentID).(string)
	return v
}

// OrgID returns the authenticated org from the request context.
func OrgID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyOrgID).(string)
	return v
}

// withRequestID stamps every response with a request id and the API version.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		w.Header().Set(apiVersionHeader, apiVersion)
		next.ServeHTTP(w, r)
	})
}

type claims struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`
	jwt.RegisteredClaims
}

// authMiddleware validates the bearer token and populates agent and org
// identity. HS256 only; anything else is rejected.
func authMiddleware(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, http.StatusUnauthorized, "", "bearer token required")
			return
		}
		var c claims
		tok, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !tok.Valid || c.AgentID == "" || c.OrgID == "" {
			writeError(w, r, http.StatusUnauthorized, "", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAgentID, c.AgentID)
		ctx = context.WithValue(ctx, ctxKeyOrgID, c.OrgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// agentRateLimiter applies a token bucket per authenticated agent.
type agentRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*agentLimiter
	rps      rate.Limit
	burst    int
}

type agentLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAgentRateLimiter(rps int, burst int) *agentRateLimiter {
	rl := &agentRateLimiter{
		limiters: make(map[string]*agentLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *agentRateLimiter) get(agentID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	al, ok := rl.limiters[agentID]
	if !ok {
		al = &agentLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[agentID] = al
	}
	al.lastSeen = time.Now()
	return al.limiter
}

func (rl *agentRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for id, al := range rl.limiters {
			if time.Since(al.lastSeen) > 3*time.Minute {
				delete(rl.limiters, id)
			}
		}
		rl.mu.Unlock()
	}
}

// middleware enforces the limit; it must run after auth.
func (rl *agentRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := AgentID(r.Context())
		if agent == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.get(agent).Allow() {
			w.Header().Set("Retry-After", "5")
			writeError(w, r, http.StatusTooManyRequests, types.ReasonRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
