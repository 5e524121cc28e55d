package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/roomchat/internal/chat"
	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/logger"
)

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps err onto a status code. Anything outside the taxonomy is a 500
// and is logged with op.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chaterr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, chaterr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chaterr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chaterr.ErrRateLimited):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(chaterr.RetryAfter(err)))
	case errors.Is(err, chaterr.ErrStoreUnavailable), errors.Is(err, chat.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		logger.Errorf("%s: %v", op, err)
	}
	writeJSON(w, status, errorResponse{
		Error:      chaterr.Message(err),
		Code:       chaterr.Code(err),
		RetryAfter: chaterr.RetryAfter(err),
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return chaterr.Validation("invalid body")
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func queryInt64(r *http.Request, key string, defaultVal int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
