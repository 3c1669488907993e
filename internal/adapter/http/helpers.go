package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/run"
)

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	return decodeJSON[T](w, r, false)
}

// readOptionalJSON is readJSON for endpoints whose body may be empty.
func readOptionalJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	return decodeJSON[T](w, r, true)
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request, optional bool) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(&v)
	if optional && errors.Is(err, io.EOF) {
		return v, true
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// validateRequest runs struct tag validation and writes a 422 on failure.
func (h *Handlers) validateRequest(w http.ResponseWriter, req any) bool {
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, extractValidationErrors(err))
		return false
	}
	return true
}

// extractValidationErrors reports the first failed field of a validator error.
func extractValidationErrors(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Sprintf("validation error: %s - %s", ve[0].Field(), ve[0].Tag())
	}
	return "validation error: invalid request"
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error   string         `json:"error"`
	Code    run.Code       `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps engine and domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	var re *run.Error
	if errors.As(err, &re) {
		writeRunError(w, re)
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, strings.TrimSuffix(err.Error(), ": "+domain.ErrConflict.Error()))
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
		writeError(w, http.StatusBadRequest, msg)
	default:
		writeInternalError(w, err)
	}
}

func writeRunError(w http.ResponseWriter, re *run.Error) {
	status := http.StatusInternalServerError
	switch re.Kind {
	case run.KindRejected:
		status = http.StatusForbidden
		if re.Code == run.CodeQuotaBlocked {
			status = http.StatusTooManyRequests
		}
	case run.KindContract, run.KindRace:
		status = http.StatusConflict
	case run.KindTransient:
		status = http.StatusServiceUnavailable
		slog.Error("request failed", "code", re.Code, "error", re)
	}
	writeJSON(w, status, errorResponse{Error: re.Message, Code: re.Code, Details: re.Details})
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
