package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/ayo6706/arena-settlement/internal/service"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PayoutHandler handles HTTP requests for payouts.
type PayoutHandler struct {
	payouts *service.PayoutService
}

// NewPayoutHandler creates a new PayoutHandler instance.
func NewPayoutHandler(payouts *service.PayoutService) *PayoutHandler {
	return &PayoutHandler{payouts: payouts}
}

// CreatePayoutRequest is the body of POST /payouts. Amount accepts a JSON
// number or a decimal string.
type CreatePayoutRequest struct {
	Payee  string      `json:"payee"`
	Amount json.Number `json:"amount"`
	Asset  string      `json:"asset"`
}

func (r CreatePayoutRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Payee, validation.Required),
		validation.Field(&r.Amount, validation.Required),
		validation.Field(&r.Asset, validation.Required, validation.Length(2, 12)),
	)
}

// SignPayoutRequest is the body of POST /payouts/{id}/sign. Wallet clients
// may spell the field signedPayload.
type SignPayoutRequest struct {
	SignedPayload      string `json:"signed_payload"`
	SignedPayloadCamel string `json:"signedPayload"`
}

func (r SignPayoutRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SignedPayload,
			validation.Required.When(r.SignedPayloadCamel == "").Error("signed_payload or signedPayload is required"),
			validation.When(r.SignedPayloadCamel != "", validation.In(r.SignedPayloadCamel).Error("conflicts with signedPayload")),
		),
	)
}

// Payload returns whichever spelling of the signed payload was sent.
func (r SignPayoutRequest) Payload() string {
	if r.SignedPayload != "" {
		return r.SignedPayload
	}
	return r.SignedPayloadCamel
}

// CreatePayout handles POST /payouts. A replayed Idempotency-Key returns the
// existing payout with X-Idempotent-Replay: true.
func (h *PayoutHandler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req CreatePayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondValidation(w, r, err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount.String())
	if err != nil {
		respondValidation(w, r, err)
		return
	}

	rec, replayed, err := h.payouts.CreatePayoutTransaction(r.Context(), service.CreatePayoutRequest{
		Payee:          req.Payee,
		Amount:         amount,
		Asset:          req.Asset,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		respondServiceError(w, r, "create payout", err)
		return
	}
	if replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	RespondJSON(w, http.StatusCreated, rec)
}

// GetPayout handles GET /payouts/{id}.
func (h *PayoutHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	rec, err := h.payouts.GetPayout(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, "get payout", err)
		return
	}
	RespondJSON(w, http.StatusOK, rec)
}

// SignPayout handles POST /payouts/{id}/sign.
func (h *PayoutHandler) SignPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	var req SignPayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondValidation(w, r, err)
		return
	}

	rec, err := h.payouts.QueueSignedTransaction(r.Context(), id, req.Payload())
	if err != nil {
		respondServiceError(w, r, "sign payout", err)
		return
	}
	RespondJSON(w, http.StatusOK, rec)
}

// SubmitPayout handles POST /payouts/{id}/submit. The response carries the
// payout in SUBMITTED, or FAILED when the network rejected it.
func (h *PayoutHandler) SubmitPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	rec, err := h.payouts.SubmitQueuedTransaction(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, "submit payout", err)
		return
	}
	RespondJSON(w, http.StatusOK, rec)
}

// ListPayouts handles GET /payouts?state=SIGNED&limit=50.
func (h *PayoutHandler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	state, ok := domain.ParseState(r.URL.Query().Get("state"))
	if !ok {
		respondValidation(w, r, domain.NewValidationError("state", "must be a payout state"))
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			respondValidation(w, r, domain.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", maxListLimit)))
			return
		}
		limit = n
	}

	recs, err := h.payouts.ListPayouts(r.Context(), state, limit)
	if err != nil {
		respondServiceError(w, r, "list payouts", err)
		return
	}
	items := make([]*models.PayoutTransaction, 0, len(recs))
	items = append(items, recs...)
	RespondJSON(w, http.StatusOK, map[string]any{
		"state": state,
		"items": items,
		"count": len(items),
	})
}

// ListTransitions handles GET /payouts/{id}/transitions.
func (h *PayoutHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	if _, err := h.payouts.GetPayout(r.Context(), id); err != nil {
		respondServiceError(w, r, "list transitions", err)
		return
	}
	trail, err := h.payouts.ListTransitions(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, "list transitions", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"payout_id": id,
		"items":     trail,
		"count":     len(trail),
	})
}
