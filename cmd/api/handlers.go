package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"rentflow/agreement"
	"rentflow/arbitration"
	"rentflow/auth"
	"rentflow/negotiation"
	"rentflow/obligation"
	"rentflow/settlement"
)

// AuthService is the slice of auth.Service the handlers need.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
}

// AgreementService is the slice of agreement.Service the handlers need.
type AgreementService interface {
	Create(ctx context.Context, holder, counterparty, arbitrator string) (string, error)
	Get(ctx context.Context, id string) (*agreement.Agreement, error)
	ArbitrationCost(ctx context.Context) (uint64, error)
	SetTerms(ctx context.Context, id, actor string, t agreement.Terms) error
	PayDeposit(ctx context.Context, id, actor string, value uint64) error
	RecordPeriodCharge(ctx context.Context, id, actor string, extra uint64) error
	Pay(ctx context.Context, id, actor string, value uint64) error
	PayPartial(ctx context.Context, id, actor string, amount uint64) error
	Skip(ctx context.Context, id, actor string) error
	Cancel(ctx context.Context, id, actor string, value uint64) error
	Pause(ctx context.Context, id, actor string) error
	Resume(ctx context.Context, id, actor string) error
	SetEstimate(ctx context.Context, id, actor string, amount uint64) error
	AcceptEstimate(ctx context.Context, id, actor string) error
	RejectEstimate(ctx context.Context, id, actor string) error
	SetCounterEstimate(ctx context.Context, id, actor string, amount uint64) error
	AcceptCounterEstimate(ctx context.Context, id, actor string) error
	RejectCounterEstimate(ctx context.Context, id, actor string) (string, error)
	SubmitEvidence(ctx context.Context, id, actor, disputeID, uri string) error
	HandleRulingWebhook(ctx context.Context, req agreement.RulingRequest) error
	Withdraw(ctx context.Context, id, actor string) (uint64, error)
}

type api struct {
	auth       AuthService
	agreements AgreementService
}

func newRouter(authSvc AuthService, agSvc AgreementService) http.Handler {
	a := &api{auth: authSvc, agreements: agSvc}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", a.handleRegister)
	mux.HandleFunc("POST /auth/login", a.handleLogin)

	mux.HandleFunc("GET /arbitration/cost", a.withAuth(a.handleArbitrationCost))

	mux.HandleFunc("POST /agreements", a.withAuth(a.handleCreate))
	mux.HandleFunc("GET /agreements/{id}", a.withAuth(a.handleGet))
	mux.HandleFunc("POST /agreements/{id}/terms", a.withAuth(a.handleSetTerms))
	mux.HandleFunc("POST /agreements/{id}/deposit", a.withAuth(a.handlePayDeposit))
	mux.HandleFunc("POST /agreements/{id}/charge", a.withAuth(a.handleRecordCharge))
	mux.HandleFunc("POST /agreements/{id}/pay", a.withAuth(a.handlePay))
	mux.HandleFunc("POST /agreements/{id}/pay-partial", a.withAuth(a.handlePayPartial))
	mux.HandleFunc("POST /agreements/{id}/skip", a.withAuth(a.handleSkip))
	mux.HandleFunc("POST /agreements/{id}/cancel", a.withAuth(a.handleCancel))
	mux.HandleFunc("POST /agreements/{id}/pause", a.withAuth(a.handlePause))
	mux.HandleFunc("POST /agreements/{id}/resume", a.withAuth(a.handleResume))
	mux.HandleFunc("POST /agreements/{id}/estimate", a.withAuth(a.handleSetEstimate))
	mux.HandleFunc("POST /agreements/{id}/estimate/accept", a.withAuth(a.handleAcceptEstimate))
	mux.HandleFunc("POST /agreements/{id}/estimate/reject", a.withAuth(a.handleRejectEstimate))
	mux.HandleFunc("POST /agreements/{id}/counter", a.withAuth(a.handleSetCounter))
	mux.HandleFunc("POST /agreements/{id}/counter/accept", a.withAuth(a.handleAcceptCounter))
	mux.HandleFunc("POST /agreements/{id}/counter/reject", a.withAuth(a.handleRejectCounter))
	mux.HandleFunc("POST /agreements/{id}/evidence", a.withAuth(a.handleSubmitEvidence))
	mux.HandleFunc("POST /agreements/{id}/withdraw", a.withAuth(a.handleWithdraw))

	mux.HandleFunc("POST /webhooks/ruling", a.withAuth(a.handleRulingWebhook))

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, ident auth.Identity)

func (a *api) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ident, err := a.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, ident)
	}
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := a.auth.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateUser) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      user.ID,
		"email":   user.Email,
		"address": user.Address,
		"role":    user.Role,
	})
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   res.Token,
		"user_id": res.User.ID,
		"address": res.User.Address,
		"role":    res.User.Role,
	})
}

func (a *api) handleArbitrationCost(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	cost, err := a.agreements.ArbitrationCost(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "arbitration gateway unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cost": cost})
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	var req struct {
		Holder       string `json:"holder"`
		Counterparty string `json:"counterparty"`
		Arbitrator   string `json:"arbitrator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := a.agreements.Create(r.Context(), req.Holder, req.Counterparty, req.Arbitrator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	ag, err := a.agreements.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	paid := make(map[int]bool, len(ag.Obligations.Records))
	for period := range ag.Obligations.Records {
		paid[period] = ag.PeriodPaid(period)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             ag.ID,
		"status":         ag.Status(),
		"active":         ag.Active,
		"deposit_paid":   ag.DepositPaid,
		"term_ended":     ag.TermEnded,
		"paused":         ag.Paused,
		"dispute_open":   ag.Negotiation.Disputed(),
		"current_period": ag.CurrentPeriod,
		"periods_paid":   paid,
		"deposit_held":   ag.DepositHeld,
		"carried_over":   ag.Obligations.CarriedOver,
		"pending":        ag.Pending(ident.Address),
	})
}

type termsRequest struct {
	Deposit           uint64 `json:"deposit"`
	BaseAmount        uint64 `json:"base_amount"`
	TermLength        int    `json:"term_length"`
	PeriodLengthSecs  int64  `json:"period_length_secs"`
	GracePeriodSecs   int64  `json:"grace_period_secs"`
	LateFeePercent    uint64 `json:"late_fee_percent"`
	CancelFeePercent  uint64 `json:"cancel_fee_percent"`
	TimeoutWindowSecs int64  `json:"timeout_window_secs"`
}

func (a *api) handleSetTerms(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	var req termsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	terms := agreement.Terms{
		Deposit:          req.Deposit,
		BaseAmount:       req.BaseAmount,
		TermLength:       req.TermLength,
		PeriodLength:     time.Duration(req.PeriodLengthSecs) * time.Second,
		GracePeriod:      time.Duration(req.GracePeriodSecs) * time.Second,
		LateFeePercent:   req.LateFeePercent,
		CancelFeePercent: req.CancelFeePercent,
		TimeoutWindow:    time.Duration(req.TimeoutWindowSecs) * time.Second,
	}
	if err := a.agreements.SetTerms(r.Context(), r.PathValue("id"), ident.Address, terms); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeValue(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	var req struct {
		Value uint64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return 0, false
	}
	return req.Value, true
}

func (a *api) handlePayDeposit(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	value, ok := decodeValue(w, r)
	if !ok {
		return
	}
	a.simple(w, a.agreements.PayDeposit(r.Context(), r.PathValue("id"), ident.Address, value))
}

func (a *api) handleRecordCharge(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	value, ok := decodeValue(w, r)
	if !ok {
		return
	}
	a.simple(w, a.agreements.RecordPeriodCharge(r.Context(), r.PathValue("id"), ident.Address, value))
}

func (a *api) handlePay(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	value, ok := decodeValue(w, r)
	if !ok {
		return
	}
	a.simple(w, a.agreements.Pay(r.Context(), r.PathValue("id"), ident.Address, value))
}

func (a *api) handlePayPartial(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	value, ok := decodeValue(w, r)
	if !ok {
		return
	}
	a.simple(w, a.agreements.PayPartial(r.Context(), r.PathValue("id"), ident.Address, value))
}

func (a *api) handleSkip(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	a.simple(w, a.agreements.Skip(r.Context(), r.PathValue("id"), ident.Address))
}

func (a *api) handleCancel(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	value, ok := decodeValue(w, r)
	if !ok {
		return
	}
	a.simple(w, a.agreements.Cancel(r.Context(), r.PathValue("id"), ident.Address, value))
}

func (a *api) handlePause(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	a.simple(w, a.agreements.Pause(r.Context(), r.PathValue("id"), ident.Address))
}

func (a *api) handleResume(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	a.simple(w, a.agreements.Resume(r.Context(), r.PathValue("id"), ident.Address))
}

func (a *api) handleSetEstimate(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	value, ok := decodeValue(w, r)
	if !ok {
		return
	}
	a.simple(w, a.agreements.SetEstimate(r.Context(), r.PathValue("id"), ident.Address, value))
}

func (a *api) handleAcceptEstimate(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	a.simple(w, a.agreements.AcceptEstimate(r.Context(), r.PathValue("id"), ident.Address))
}

func (a *api) handleRejectEstimate(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	a.simple(w, a.agreements.RejectEstimate(r.Context(), r.PathValue("id"), ident.Address))
}

func (a *api) handleSetCounter(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	value, ok := decodeValue(w, r)
	if !ok {
		return
	}
	a.simple(w, a.agreements.SetCounterEstimate(r.Context(), r.PathValue("id"), ident.Address, value))
}

func (a *api) handleAcceptCounter(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	a.simple(w, a.agreements.AcceptCounterEstimate(r.Context(), r.PathValue("id"), ident.Address))
}

func (a *api) handleRejectCounter(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	disputeID, err := a.agreements.RejectCounterEstimate(r.Context(), r.PathValue("id"), ident.Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispute_id": disputeID})
}

func (a *api) handleSubmitEvidence(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	var req struct {
		DisputeID string `json:"dispute_id"`
		URI       string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	a.simple(w, a.agreements.SubmitEvidence(r.Context(), r.PathValue("id"), ident.Address, req.DisputeID, req.URI))
}

func (a *api) handleWithdraw(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	amount, err := a.agreements.Withdraw(r.Context(), r.PathValue("id"), ident.Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"amount": amount})
}

func (a *api) handleRulingWebhook(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	var req struct {
		AgreementID string `json:"agreement_id"`
		DisputeID   string `json:"dispute_id"`
		Ruling      string `json:"ruling"`
		Refund      uint64 `json:"refund"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing Idempotency-Key header")
		return
	}
	err := a.agreements.HandleRulingWebhook(r.Context(), agreement.RulingRequest{
		AgreementID:    req.AgreementID,
		IdempotencyKey: key,
		Arbitrator:     ident.Address,
		DisputeID:      req.DisputeID,
		Ruling:         arbitration.Ruling(req.Ruling),
		Refund:         req.Refund,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) simple(w http.ResponseWriter, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps the error taxonomy onto HTTP statuses: identity
// failures are 403, phase and sequence violations 409, value and validation
// failures 400, and transfer failures 502 so the caller retries.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agreement.ErrUnauthorized),
		errors.Is(err, negotiation.ErrNotYourMove):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agreement.ErrPhase),
		errors.Is(err, agreement.ErrPaused),
		errors.Is(err, agreement.ErrReentrancy),
		errors.Is(err, obligation.ErrAlreadyPaid),
		errors.Is(err, obligation.ErrChargeMissing),
		errors.Is(err, obligation.ErrFinalSkip),
		errors.Is(err, obligation.ErrRolled),
		errors.Is(err, negotiation.ErrEstimateExists),
		errors.Is(err, negotiation.ErrCounterExists),
		errors.Is(err, negotiation.ErrNoEstimate),
		errors.Is(err, negotiation.ErrNoCounter),
		errors.Is(err, negotiation.ErrNotRejected),
		errors.Is(err, negotiation.ErrDisputeOpen),
		errors.Is(err, negotiation.ErrNoDispute),
		errors.Is(err, negotiation.ErrDisputeMismatch),
		errors.Is(err, negotiation.ErrResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agreement.ErrValueMismatch),
		errors.Is(err, obligation.ErrValueMismatch),
		errors.Is(err, obligation.ErrBadPartial),
		errors.Is(err, negotiation.ErrInsufficientDeposit),
		errors.Is(err, settlement.ErrNothingPending),
		errors.Is(err, negotiation.ErrBadRuling):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, settlement.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
