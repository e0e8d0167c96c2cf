package httpapi

import (
	"io"
	"net/http"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/gate"
	"github.com/edpsych/connect-billing/pkg/httputil"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/reconciler"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
	"github.com/edpsych/connect-billing/pkg/usage"
)

// SignatureHeader carries the webhook payload HMAC
const SignatureHeader = "X-Billing-Signature"

type authorizeRequest struct {
	UserID   string `json:"user_id"`
	Feature  string `json:"feature"`
	Quantity int64  `json:"quantity"`
}

// handleAuthorize is the fair-usage admission check. Admitted requests
// return 200; denials map to 402 (credits exhausted) or 429 (allowance
// exhausted, feature not credit eligible).
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "user_id") {
		return
	}
	if !catalog.ValidFeature(catalog.Feature(req.Feature)) {
		httputil.WriteBadRequest(w, "unknown feature: "+req.Feature)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	decision, err := s.gate.Authorize(r.Context(), req.UserID, catalog.Feature(req.Feature), req.Quantity)
	if err != nil {
		if usage.IsInvalidQuantity(err) {
			httputil.WriteError(w, http.StatusBadRequest, err)
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	status := http.StatusOK
	if !decision.Admitted() {
		switch decision.Reason {
		case gate.DenyInsufficientCredits:
			status = http.StatusPaymentRequired
		default:
			status = http.StatusTooManyRequests
		}
	}
	httputil.WriteJSON(w, status, decision)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	feature, ok := httputil.ParsePathStringOrError(w, r, "feature")
	if !ok {
		return
	}
	if !catalog.ValidFeature(catalog.Feature(feature)) {
		httputil.WriteBadRequest(w, "unknown feature: "+feature)
		return
	}

	status, err := s.gate.Inspect(r.Context(), userID, catalog.Feature(feature))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	balance, err := s.credits.GetBalance(r.Context(), userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

type grantCreditsRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// handleGrantCredits is the administrative top-up endpoint. With an
// idempotency key the grant is replay-safe; without one every call
// applies.
func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req grantCreditsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Reason, "reason") {
		return
	}

	var (
		newBalance int64
		applied    = true
		err        error
	)
	if req.IdempotencyKey != "" {
		newBalance, applied, err = s.credits.AddCreditsIdempotent(r.Context(), userID, req.Amount, req.Reason, req.IdempotencyKey)
	} else {
		newBalance, err = s.credits.AddCredits(r.Context(), userID, req.Amount, req.Reason)
	}
	if err != nil {
		if ledger.IsInvalidAmount(err) {
			httputil.WriteError(w, http.StatusBadRequest, err)
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, map[string]interface{}{
		"user_id":     userID,
		"new_balance": newBalance,
		"applied":     applied,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}

	transactions, err := s.credits.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if transactions == nil {
		transactions = []*ledger.Transaction{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":      userID,
		"transactions": transactions,
	})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := s.subs.ActiveForUser(r.Context(), userID)
	if err != nil {
		if subscriptions.IsNotFound(err) {
			httputil.WriteNotFoundError(w, "no subscription for user")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (s *Server) handleListBillingRecords(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}

	records, err := s.records.ListForUser(r.Context(), userID, limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if records == nil {
		records = []*reconciler.BillingRecord{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id": userID,
		"records": records,
	})
}

// handleWebhook receives payment-provider events. The signature is
// verified against the raw body before anything else touches state;
// duplicate deliveries come back 200 so the provider stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	if !reconciler.VerifySignature(payload, r.Header.Get(SignatureHeader), s.webhookSecret) {
		httputil.WriteBadRequest(w, "invalid webhook signature")
		return
	}

	if err := s.events.HandleEvent(r.Context(), payload); err != nil {
		if reconciler.IsMalformedEvent(err) {
			httputil.WriteError(w, http.StatusBadRequest, err)
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]bool{"received": true})
}
