package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/middleware"
)

const maxBodyBytes = 65536

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}

// statusFor maps a domain error to its HTTP status. Unknown errors map to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fund.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, fund.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fund.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, fund.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, fund.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fund.ErrInvalidToken):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// writeServiceError reports err to the client. Domain errors carry their own
// message; anything else is logged and replaced with a generic one.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"request_id", middleware.RequestID(r.Context()), "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", fund.ErrValidation)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body", fund.ErrValidation)
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", fund.ErrValidation, name)
	}
	return n, nil
}
