package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashita-ai/shugo/internal/model"
)

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
// Anything outside the taxonomy is logged and reported as a 500 without
// leaking the message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		pe *model.PermissionError
		pb *model.PromotionBlockedError
		be *model.BudgetExceededError
		it *model.InvalidTransitionError
	)
	switch {
	case errors.As(err, &pe):
		writeErrorDetails(w, r, http.StatusForbidden, model.ErrCodeForbidden, pe.Error(),
			map[string]any{"permission": pe.Permission, "allowed_roles": pe.Allowed})
	case errors.As(err, &pb):
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodePromotionBlocked, pb.Error(),
			map[string]any{"failed_checks": pb.FailedChecks})
	case errors.As(err, &be):
		writeErrorDetails(w, r, http.StatusPaymentRequired, model.ErrCodeBudgetExceeded, be.Error(),
			map[string]any{"spent": be.Spent, "requested": be.Requested, "hard_limit": be.HardLimit})
	case errors.As(err, &it):
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeInvalidTransition, it.Error(),
			map[string]any{"from": it.From, "to": it.To, "allowed": it.Allowed})
	case errors.Is(err, model.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		logger.Error("http: unhandled error",
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// decodeJSON decodes a size-limited JSON request body into target,
// rejecting unknown fields and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// handleDecodeError reports a body that failed to decode.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "request body is required")
	default:
		msg := err.Error()
		msg = strings.TrimPrefix(msg, "json: ")
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+msg)
	}
}
