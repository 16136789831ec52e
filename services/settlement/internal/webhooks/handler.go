package webhooks

import (
	"context"
	"crypto/hmac"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/finbridge/ledgerlink/pkg/audit"
	"github.com/finbridge/ledgerlink/pkg/gateway"
	"github.com/finbridge/ledgerlink/pkg/httpx"
	"github.com/finbridge/ledgerlink/pkg/ledger"
	"github.com/finbridge/ledgerlink/services/settlement/internal/identity"
	"github.com/finbridge/ledgerlink/services/settlement/internal/payments"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	maxWebhookBodyBytes = 1 << 20 // 1MB
	signatureHeader     = "X-Signature"
)

// Handler is the inbound HTTP surface of the settlement core: top-up
// creation, owner-scoped status/cancel/refund, provider webhook ingress and
// the browser callback. Webhook and callback share a shared-secret query
// token on top of the provider signature.
type Handler struct {
	dir          identity.Directory
	svc          *payments.Service
	webhookToken string
}

func NewHandler(dir identity.Directory, svc *payments.Service, webhookToken string) *Handler {
	return &Handler{dir: dir, svc: svc, webhookToken: webhookToken}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/payments/topup", h.handleTopUp)
	r.Get("/payments/{reference}", h.handleStatus)
	r.Post("/payments/{reference}/cancel", h.handleCancel)
	r.Post("/payments/{reference}/refund", h.handleRefund)
	r.Post("/webhooks/payments/{provider}", h.handleWebhook)
	r.Get("/payments/callback", h.handleCallback)
}

// requestContext mints the request's correlation id and stamps it, together
// with the caller's network origin, onto the context for audit writers.
func requestContext(r *http.Request) (context.Context, string) {
	reqID := httpx.NewRequestID()
	ctx := audit.WithOrigin(r.Context(), audit.Origin{IP: httpx.ClientIP(r), CorrelationID: reqID})
	return ctx, reqID
}

func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	ctx, reqID := requestContext(r)
	var req struct {
		Username string          `json:"username"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Method   string          `json:"method"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	id, err := h.dir.FindActiveIdentity(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	tx, err := h.svc.CreateTopUp(ctx, id.ID, req.Amount, req.Currency, req.Method,
		callbackURL(r), notifyURL(r, "netpay"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{
		"request_id":  reqID,
		"reference":   tx.ReferenceID,
		"payment_id":  tx.TransactionID,
		"gateway_url": tx.GatewayURL,
		"status":      tx.Status,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, reqID := requestContext(r)
	id, ok := h.caller(ctx, w, r)
	if !ok {
		return
	}
	tx, err := h.svc.Status(ctx, id.ID, chi.URLParam(r, "reference"))
	if err != nil && tx == nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{
		"request_id": reqID,
		"reference":  tx.ReferenceID,
		"status":     tx.Status,
		"amount":     tx.Amount,
		"currency":   tx.Currency,
		"metadata":   tx.Metadata,
	}
	if err != nil {
		// The transition was durable but settlement left a reconciliation
		// gap; surface it without hiding the payment state.
		resp["settlement_error"] = err.Error()
	}
	httpx.WriteJSON(w, 200, resp)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, reqID := requestContext(r)
	id, ok := h.caller(ctx, w, r)
	if !ok {
		return
	}
	if err := h.svc.Cancel(ctx, id.ID, chi.URLParam(r, "reference")); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": reqID, "status": gateway.StatusCancelled})
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	ctx, reqID := requestContext(r)
	id, ok := h.caller(ctx, w, r)
	if !ok {
		return
	}
	if err := h.svc.Refund(ctx, id.ID, chi.URLParam(r, "reference")); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": reqID, "status": gateway.StatusRefunded})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, reqID := requestContext(r)
	if !h.tokenOK(r) {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "missing or invalid webhook token", nil)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds 1MB limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}

	err = h.svc.HandleWebhook(ctx, provider, rawBody, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		httpx.WriteJSON(w, 200, map[string]any{"request_id": reqID, "status": "accepted"})
	case errors.Is(err, payments.ErrSignatureInvalid):
		httpx.WriteError(w, 403, "SIGNATURE_INVALID", "webhook signature rejected", nil)
	case errors.Is(err, payments.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "payment not found", nil)
	case errors.Is(err, gateway.ErrUnsupportedMethod):
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown provider", nil)
	default:
		// The status transition, if any, is already durable; this reports
		// the settlement failure to the provider for operator follow-up.
		httpx.WriteError(w, 500, "SETTLEMENT_ERROR", err.Error(), nil)
	}
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, reqID := requestContext(r)
	if !h.tokenOK(r) {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "missing or invalid callback token", nil)
		return
	}
	reference := strings.TrimSpace(r.URL.Query().Get("reference"))
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	id, err := h.dir.FindActiveIdentity(ctx, username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tx, err := h.svc.Status(ctx, id.ID, reference)
	if err != nil && tx == nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": reqID,
		"reference":  tx.ReferenceID,
		"status":     tx.Status,
	})
}

func (h *Handler) caller(ctx context.Context, w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	id, err := h.dir.FindActiveIdentity(ctx, username)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return id, true
}

func (h *Handler) tokenOK(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" || h.webhookToken == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(h.webhookToken))
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "not found", nil)
	case errors.Is(err, payments.ErrInvalidAmount):
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
	case errors.Is(err, gateway.ErrUnsupportedMethod):
		httpx.WriteError(w, 400, "UNSUPPORTED_METHOD", err.Error(), nil)
	case errors.Is(err, payments.ErrCannotCancel), errors.Is(err, payments.ErrCannotRefund):
		httpx.WriteError(w, 409, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, ledger.ErrServiceUnavailable):
		httpx.WriteError(w, 503, "SERVICE_UNAVAILABLE", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}

func callbackURL(r *http.Request) string {
	return baseURL(r) + "/payments/callback"
}

func notifyURL(r *http.Request, provider string) string {
	return baseURL(r) + "/webhooks/payments/" + provider
}

func baseURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host
}
