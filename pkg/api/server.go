package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sardis-hq/sardis/pkg/approval"
	"github.com/sardis-hq/sardis/pkg/compliance"
	"github.com/sardis-hq/sardis/pkg/guardrail"
	"github.com/sardis-hq/sardis/pkg/idempotency"
	"github.com/sardis-hq/sardis/pkg/ledger"
	"github.com/sardis-hq/sardis/pkg/observability"
	"github.com/sardis-hq/sardis/pkg/orchestrator"
	"github.com/sardis-hq/sardis/pkg/payments"
	"github.com/sardis-hq/sardis/pkg/policy"
	"github.com/sardis-hq/sardis/pkg/reconcile"
	"github.com/sardis-hq/sardis/pkg/types"
	"github.com/sardis-hq/sardis/pkg/webhook"
)

// Deps bundles everything the HTTP surface talks to.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Payments     *payments.Store
	Holds        *payments.HoldStore
	Approvals    *approval.Manager
	Ledger       *ledger.Ledger
	Engine       *policy.Engine
	Trust        *compliance.TrustStore
	Guard        *guardrail.Registry
	Reconciler   *reconcile.Reconciler
	Webhooks     http.Handler
	Secrets      *webhook.SecretStore
	Telemetry    *observability.Provider
}

// Server mounts the /v2 routes.
type Server struct {
	deps    Deps
	limiter *agentRateLimiter
	secret  []byte
}

// NewServer builds the server. RPS applies per authenticated agent.
func NewServer(deps Deps, jwtSecret []byte, rps, burst int) *Server {
	if rps <= 0 {
		rps, burst = 50, 100
	}
	return &Server{deps: deps, limiter: newAgentRateLimiter(rps, burst), secret: jwtSecret}
}

// Handler returns the fully wired route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Webhook ingress authenticates by signature, not bearer token.
	mux.Handle("POST /v2/webhooks/{provider}", s.deps.Webhooks)

	authed := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(s.secret, s.limiter.middleware(h))
	}

	mux.Handle("POST /v2/payments/execute", authed(s.handleExecute))
	mux.Handle("GET /v2/payments/{id}", authed(s.handleGetPayment))
	mux.Handle("POST /v2/payments/{id}/cancel", authed(s.handleCancel))

	mux.Handle("POST /v2/holds", authed(s.handleCreateHold))
	mux.Handle("GET /v2/holds/{id}", authed(s.handleGetHold))
	mux.Handle("POST /v2/holds/{id}/capture", authed(s.handleCaptureHold))
	mux.Handle("POST /v2/holds/{id}/void", authed(s.handleVoidHold))

	mux.Handle("POST /v2/treasury/fund", authed(s.handleTreasuryFund))
	mux.Handle("POST /v2/treasury/withdraw", authed(s.handleTreasuryWithdraw))
	mux.Handle("GET /v2/treasury/balances", authed(s.handleTreasuryBalances))

	mux.Handle("POST /v2/approvals", authed(s.handleCreateApproval))
	mux.Handle("GET /v2/approvals/{id}", authed(s.handleGetApproval))
	mux.Handle("POST /v2/approvals/{id}/decide", authed(s.handleDecide))
	mux.Handle("POST /v2/approvals/{id}/resume", authed(s.handleResume))

	mux.Handle("GET /v2/ledger/entries/{ltx}", authed(s.handleGetEntry))
	mux.Handle("GET /v2/ledger/entries/{ltx}/verify", authed(s.handleVerifyEntry))
	mux.Handle("GET /v2/ledger/export", authed(s.handleExport))
	mux.Handle("GET /v2/compliance/export", authed(s.handleExport))
	mux.Handle("GET /v2/ledger/evidence", authed(s.handleEvidence))

	mux.Handle("PUT /v2/policy/snapshot", authed(s.handleLoadSnapshot))

	mux.Handle("PUT /v2/trust", authed(s.handlePutTrust))
	mux.Handle("DELETE /v2/trust", authed(s.handleRemoveTrust))

	mux.Handle("POST /v2/ops/mode", authed(s.handleSetMode))
	mux.Handle("POST /v2/ops/killswitch/{wallet}", authed(s.handleEngage))
	mux.Handle("DELETE /v2/ops/killswitch/{wallet}", authed(s.handleRelease))
	mux.Handle("POST /v2/ops/webhooks/{provider}/rotate", authed(s.handleRotateSecret))
	mux.Handle("GET /v2/ops/breaks", authed(s.handleOpenBreaks))
	mux.Handle("POST /v2/ops/breaks/{id}/resolve", authed(s.handleResolveBreak))

	return withRequestID(s.instrument(mux))
}

// instrument records RED samples around the whole tree.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.deps.Telemetry == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.deps.Telemetry.RecordRequest(r.Context())
		next.ServeHTTP(w, r)
		s.deps.Telemetry.RecordDuration(r.Context(), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"mode":           s.deps.Guard.Mode(),
		"ledger_healthy": s.deps.Ledger.Healthy(r.Context()),
	}
	writeJSON(w, http.StatusOK, status)
}

type executeRequest struct {
	Mandate        types.Mandate `json:"mandate"`
	IdempotencyKey string        `json:"idempotency_key"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	// The key travels in the body; the header is the alternative spelling.
	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = r.Header.Get("Idempotency-Key")
	}
	if idemKey == "" {
		writeError(w, r, http.StatusBadRequest, "", "idempotency_key or Idempotency-Key header required")
		return
	}
	if req.Mandate.OrgID != OrgID(r.Context()) {
		writeError(w, r, http.StatusForbidden, "", "mandate org does not match caller")
		return
	}

	res, err := s.deps.Orchestrator.Execute(r.Context(), req.Mandate, idemKey)
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		writeError(w, r, http.StatusConflict, types.ReasonIdempotencyConflict,
			"idempotency key reused with a different mandate")
		return
	case errors.Is(err, orchestrator.ErrLedgerUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "", "audit ledger unavailable, retry later")
		return
	case err != nil:
		writeInternal(w, r, err)
		return
	}

	switch res.Outcome {
	case orchestrator.OutcomeBlocked:
		writeDecisionError(w, http.StatusForbidden, res.ReasonCode, res.Reason, res.DecisionID)
	case orchestrator.OutcomeDuplicate:
		writeDecisionError(w, http.StatusConflict, res.ReasonCode, res.Reason, res.DecisionID)
	case orchestrator.OutcomeAwaitingApproval:
		writeJSON(w, http.StatusAccepted, res)
	case orchestrator.OutcomeFailed:
		writeDecisionError(w, http.StatusBadGateway, res.ReasonCode, res.Reason, res.DecisionID)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Payments.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, payments.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "", "payment not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if p.OrgID != OrgID(r.Context()) {
		writeError(w, r, http.StatusNotFound, "", "payment not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Orchestrator.Cancel(r.Context(), r.PathValue("id"))
	if errors.Is(err, payments.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "", "payment not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if res.ReasonCode == types.ReasonTerminalInflight {
		writeDecisionError(w, http.StatusConflict, res.ReasonCode, res.Reason, res.DecisionID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type holdRequest struct {
	WalletID   string      `json:"wallet_id"`
	Amount     types.Money `json:"amount"`
	TTLSeconds int         `json:"ttl_seconds"`
}

func (s *Server) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	h, err := s.deps.Holds.Create(r.Context(), OrgID(r.Context()), req.WalletID,
		req.Amount, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleGetHold(w http.ResponseWriter, r *http.Request) {
	h, err := s.holdForCaller(r)
	if err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type captureRequest struct {
	AmountMinor int64 `json:"amount_minor"`
}

func (s *Server) handleCaptureHold(w http.ResponseWriter, r *http.Request) {
	if _, err := s.holdForCaller(r); err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	var req captureRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	h, err := s.deps.Holds.Capture(r.Context(), r.PathValue("id"), req.AmountMinor)
	if err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleVoidHold(w http.ResponseWriter, r *http.Request) {
	if _, err := s.holdForCaller(r); err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	h, err := s.deps.Holds.Void(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeHoldError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) holdForCaller(r *http.Request) (*payments.Hold, error) {
	h, err := s.deps.Holds.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if h.OrgID != OrgID(r.Context()) {
		return nil, payments.ErrHoldNotFound
	}
	return h, nil
}

func (s *Server) writeHoldError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payments.ErrHoldNotFound):
		writeError(w, r, http.StatusNotFound, "", "hold not found")
	case errors.Is(err, payments.ErrHoldTerminal):
		writeError(w, r, http.StatusConflict, "", "hold already terminal")
	case errors.Is(err, payments.ErrCaptureExceeds):
		writeError(w, r, http.StatusUnprocessableEntity, "", "capture exceeds held amount")
	default:
		writeInternal(w, r, err)
	}
}

type treasuryRequest struct {
	WalletID          string      `json:"wallet_id"`
	ExternalAccountID string      `json:"external_bank_account_id"`
	Amount            types.Money `json:"amount"`
}

func (s *Server) handleTreasuryFund(w http.ResponseWriter, r *http.Request) {
	s.executeTreasury(w, r, types.DirectionCredit, "treasury.fund")
}

func (s *Server) handleTreasuryWithdraw(w http.ResponseWriter, r *http.Request) {
	s.executeTreasury(w, r, types.DirectionDebit, "treasury.withdraw")
}

// executeTreasury mints a sealed ACH mandate on behalf of the caller and
// runs it through the same pipeline as agent-submitted payments.
func (s *Server) executeTreasury(w http.ResponseWriter, r *http.Request, dir types.Direction, purpose string) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		writeError(w, r, http.StatusBadRequest, "", "Idempotency-Key header required")
		return
	}
	var req treasuryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if req.ExternalAccountID == "" {
		writeError(w, r, http.StatusBadRequest, "", "external_bank_account_id required")
		return
	}
	m, err := types.Mandate{
		MandateID:     types.NewID(types.PrefixMandate),
		AgentID:       AgentID(r.Context()),
		OrgID:         OrgID(r.Context()),
		SubjectWallet: req.WalletID,
		Destination:   req.ExternalAccountID,
		Amount:        req.Amount,
		Rail:          types.RailACH,
		Direction:     dir,
		Purpose:       purpose,
		Timestamp:     time.Now().UTC(),
	}.Seal()
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if err := m.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	res, err := s.deps.Orchestrator.Execute(r.Context(), m, idemKey)
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		writeError(w, r, http.StatusConflict, types.ReasonIdempotencyConflict,
			"idempotency key reused with a different mandate")
		return
	case err != nil:
		writeInternal(w, r, err)
		return
	}
	if res.Outcome == orchestrator.OutcomeBlocked {
		writeDecisionError(w, http.StatusForbidden, res.ReasonCode, res.Reason, res.DecisionID)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleTreasuryBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.deps.Payments.Balances(r.Context(), OrgID(r.Context()))
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

type createApprovalRequest struct {
	Action        string `json:"action"`
	SubjectDigest string `json:"subject_digest"`
	MinReviewers  int    `json:"min_reviewers"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var body createApprovalRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	req, err := s.deps.Approvals.Create(r.Context(), OrgID(r.Context()), body.Action,
		body.SubjectDigest, body.MinReviewers, ttl)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Approvals.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, approval.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "", "approval not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decideRequest struct {
	Vote approval.Vote `json:"vote"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body decideRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	req, err := s.deps.Approvals.Decide(r.Context(), r.PathValue("id"), AgentID(r.Context()), body.Vote)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "", "approval not found")
	case errors.Is(err, approval.ErrTerminal):
		writeError(w, r, http.StatusConflict, "", "approval already resolved")
	case errors.Is(err, approval.ErrDuplicateVote):
		writeError(w, r, http.StatusConflict, "", "reviewer already voted")
	case err != nil:
		writeInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, req)
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Orchestrator.ResumeApproved(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, orchestrator.ErrNotResumable):
		writeError(w, r, http.StatusConflict, "", "approval not in a resumable state")
	case errors.Is(err, orchestrator.ErrLedgerUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "", "audit ledger unavailable, retry later")
	case err != nil:
		writeInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Ledger.Get(r.Context(), r.PathValue("ltx"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "", "ledger entry not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if entry.OrgID != OrgID(r.Context()) {
		writeError(w, r, http.StatusNotFound, "", "ledger entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVerifyEntry(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.Verify(r.Context(), r.PathValue("ltx"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "", "ledger entry not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var cursor ledger.Cursor
	if raw := q.Get("cursor"); raw != "" {
		c, err := ledger.DecodeCursor(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "", "malformed cursor")
			return
		}
		cursor = c
	} else {
		start, err1 := time.Parse(time.RFC3339, q.Get("window_start"))
		end, err2 := time.Parse(time.RFC3339, q.Get("window_end"))
		if err1 != nil || err2 != nil {
			writeError(w, r, http.StatusBadRequest, "", "window_start and window_end (RFC 3339) required")
			return
		}
		cursor = ledger.Cursor{OrgID: OrgID(r.Context()), WindowStart: start, WindowEnd: end}
	}
	if cursor.OrgID != OrgID(r.Context()) {
		writeError(w, r, http.StatusForbidden, "", "cursor org does not match caller")
		return
	}
	page, err := s.deps.Ledger.ExportPage(r.Context(), cursor, 500)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := time.Parse(time.RFC3339, q.Get("window_start"))
	end, err2 := time.Parse(time.RFC3339, q.Get("window_end"))
	if err1 != nil || err2 != nil {
		writeError(w, r, http.StatusBadRequest, "", "window_start and window_end (RFC 3339) required")
		return
	}
	// The trailer must be declared before any body byte goes out.
	w.Header().Set("Trailer", "X-Evidence-Digest")
	w.Header().Set("Content-Type", "application/x-ndjson")
	manifest, err := s.deps.Ledger.WriteEvidenceBundle(r.Context(), OrgID(r.Context()), start, end, w)
	if err != nil {
		// Headers are already out; the missing trailer tells the client
		// the stream is truncated.
		slog.Error("evidence bundle aborted", "path", r.URL.Path, "err", err)
		return
	}
	w.Header().Set("X-Evidence-Digest", manifest.SHA256)
}

func (s *Server) handleLoadSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap policy.Snapshot
	if err := decodeBody(r, &snap); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if snap.OrgID != OrgID(r.Context()) {
		writeError(w, r, http.StatusForbidden, "", "snapshot org does not match caller")
		return
	}
	if err := s.deps.Engine.LoadSnapshot(&snap); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"org_id":  snap.OrgID,
		"version": snap.Version,
	})
}

func (s *Server) handlePutTrust(w http.ResponseWriter, r *http.Request) {
	var rel compliance.TrustRelation
	if err := decodeBody(r, &rel); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if err := s.deps.Trust.Put(r.Context(), rel); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

type trustRemoveRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleRemoveTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if err := s.deps.Trust.Remove(r.Context(), req.Sender, req.Recipient); err != nil {
		writeInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modeRequest struct {
	Mode guardrail.Mode `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if err := s.deps.Guard.SetMode(r.Context(), req.Mode, AgentID(r.Context())); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": req.Mode})
}

type engageRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request) {
	var req engageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if err := s.deps.Guard.Engage(r.Context(), r.PathValue("wallet"), req.Reason, AgentID(r.Context())); err != nil {
		writeInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type releaseRequest struct {
	ApprovalRef string `json:"approval_ref"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	// Release requires a resolved approval of the killswitch.release action.
	apr, err := s.deps.Approvals.Status(r.Context(), req.ApprovalRef)
	if err != nil || apr.Status != approval.StatusApproved || apr.Action != "killswitch.release" {
		writeError(w, r, http.StatusForbidden, "", "an approved killswitch.release request is required")
		return
	}
	if err := s.deps.Guard.Release(r.Context(), r.PathValue("wallet"), req.ApprovalRef, AgentID(r.Context())); err != nil {
		writeInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateSecretRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		writeError(w, r, http.StatusNotFound, "", "secret rotation not available")
		return
	}
	var req rotateSecretRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if req.Secret == "" {
		writeError(w, r, http.StatusBadRequest, "", "secret required")
		return
	}
	if err := s.deps.Secrets.Rotate(r.Context(), r.PathValue("provider"), []byte(req.Secret)); err != nil {
		writeError(w, r, http.StatusNotFound, "", "unknown provider")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenBreaks(w http.ResponseWriter, r *http.Request) {
	breaks, err := s.deps.Reconciler.Open(r.Context(), 200)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breaks": breaks})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveBreak(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	err := s.deps.Reconciler.Resolve(r.Context(), r.PathValue("id"), req.Resolution)
	if errors.Is(err, reconcile.ErrBreakNotFound) {
		writeError(w, r, http.StatusNotFound, "", "break not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a bounded JSON body.
func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}
