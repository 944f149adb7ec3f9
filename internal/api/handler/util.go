package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ayo6706/arena-settlement/internal/api/problem"
	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// respondValidation writes a 400 listing every rejected field.
func respondValidation(w http.ResponseWriter, r *http.Request, err error) {
	fields := map[string]string{}
	var verrs validation.Errors
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verrs):
		for field, ferr := range verrs {
			fields[field] = ferr.Error()
		}
	case errors.As(err, &verr):
		fields[verr.Field] = verr.Reason
	}
	problem.WriteDetails(w, r, problem.Details{
		Type:   problem.Type("request/validation-failed"),
		Status: http.StatusBadRequest,
		Detail: err.Error(),
		Errors: fields,
	})
}

// respondServiceError maps service errors onto problem documents.
func respondServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		respondValidation(w, r, err)
	case errors.Is(err, domain.ErrNotFound):
		RespondError(w, r, http.StatusNotFound, "payout/not-found", "Payout not found")
	case errors.Is(err, domain.ErrInvalidState):
		RespondError(w, r, http.StatusConflict, "payout/invalid-state", err.Error())
	case errors.Is(err, domain.ErrInvalidSignature):
		RespondError(w, r, http.StatusConflict, "payout/signature-mismatch", err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict):
		RespondError(w, r, http.StatusConflict, "idempotency/key-conflict", "Idempotency-Key was already used with a different payload")
	case errors.Is(err, domain.ErrVersionConflict):
		RespondError(w, r, http.StatusConflict, "payout/concurrent-update", "Payout was modified concurrently, retry the request")
	case errors.Is(err, domain.ErrTransientNetwork):
		RespondError(w, r, http.StatusServiceUnavailable, "network/unavailable", "Settlement network is temporarily unavailable, retry later")
	default:
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		zap.L().Error(op+" failed", zap.Error(err), zap.String("path", r.URL.Path))
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return false
	}
	return true
}

func payoutID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-payout-id", "Invalid payout ID")
		return uuid.Nil, false
	}
	return id, true
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23514": // check_violation
		return http.StatusConflict, "db/check-violation", "request violates payout constraints", true
	case "40001": // serialization_failure
		return http.StatusConflict, "db/serialization-failure", "concurrent update, retry the request", true
	default:
		return 0, "", "", false
	}
}
