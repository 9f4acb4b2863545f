package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// statusOf maps the domain error classes onto HTTP statuses.
func statusOf(err error) int {
	var ve *exam.ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, exam.ErrInvalidWindow),
		errors.Is(err, exam.ErrInvalidQuota),
		errors.Is(err, exam.ErrPastSchedule):
		return http.StatusBadRequest
	case errors.Is(err, exam.ErrAccessDenied),
		errors.Is(err, exam.ErrNotOwner),
		errors.Is(err, exam.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, exam.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, exam.ErrUnknownQuestion),
		errors.Is(err, exam.ErrPolicyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exam.ErrSessionNotActive),
		errors.Is(err, exam.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, exam.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := map[string]any{"error": err.Error()}
	var ve *exam.ValidationError
	if errors.As(err, &ve) {
		body["problems"] = ve.Problems
	}
	if reason := exam.Reason(err); reason != "" {
		body["reason"] = reason
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
		if status == http.StatusInternalServerError {
			body["error"] = "internal error"
		}
	}
	writeJSON(w, status, body)
}
