package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"status":  "success",
		"message": message,
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

func httpLogger() *slog.Logger {
	return slog.Default().With("module", "api")
}

// mapError translates the broker's error kinds into HTTP responses.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, errUnknownProvider):
		return http.StatusNotFound, "unknown_provider", err.Error()
	case errors.Is(err, oauth.ErrTokenRejected):
		return http.StatusConflict, "reconnect_required", "provider rejected the stored credential, reconnect the integration"
	}
	kind := oauth.KindOf(err)
	if kind.NeedsReconnect() {
		return http.StatusConflict, "reconnect_required", "integration must be reconnected"
	}
	switch kind {
	case oauth.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited", "provider rate limit reached, retry later"
	case oauth.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable, "upstream_unavailable", "provider temporarily unavailable"
	case oauth.KindConfiguration:
		return http.StatusInternalServerError, "configuration_error", "internal server error"
	case oauth.KindStorage:
		return http.StatusInternalServerError, "storage_error", "internal server error"
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable, "upstream_unavailable", "request timed out"
		}
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, code, msg := mapError(err)
	if oauth.KindOf(err).Retryable() {
		if d := oauth.RetryAfterOf(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	fields := []any{
		"operation", operation,
		"outcome", "failure",
		"status_code", status,
		"error_code", code,
		"request_id", requestIDFromContext(ctx),
		"error", err,
	}
	if status >= 500 {
		httpLogger().ErrorContext(ctx, "http operation failed", fields...)
	} else {
		httpLogger().WarnContext(ctx, "http operation failed", fields...)
	}
	writeError(w, status, code, msg)
}
