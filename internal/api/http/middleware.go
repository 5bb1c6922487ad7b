// Package http provides the HTTP API handlers for Driftline.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the JSON error body. Category and Code follow the
// pipeline's error taxonomy, so API failures read the same way
// dead-letter records do.
type ErrorResponse struct {
	Error     string `json:"error"`
	Category  string `json:"category,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware tags each request with an ID, honoring one the
// client already carries, and echoes it back in the response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware turns a handler panic into a 500 with the
// taxonomy's INTERNAL category instead of tearing down the connection.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				requestID := GetRequestID(r.Context())
				log.Printf("http: panic serving %s %s: %v", r.Method, r.URL.Path, v)
				writeFailure(w, http.StatusInternalServerError,
					errors.NewInternalError("internal server error", nil), requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ContentTypeMiddleware sets the JSON content type on every response.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ChainMiddleware composes middleware right-to-left around a handler.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware returns the standard chain for API handlers.
func DefaultMiddleware() func(http.Handler) http.Handler {
	return ChainMiddleware(
		RecoveryMiddleware,
		RequestIDMiddleware,
		ContentTypeMiddleware,
	)
}

// writeError writes a plain error message without taxonomy fields.
func writeError(w http.ResponseWriter, statusCode int, message, requestID string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: message, RequestID: requestID})
}

// writeFailure renders err through the error taxonomy, surfacing its
// category and code alongside the message.
func writeFailure(w http.ResponseWriter, statusCode int, err error, requestID string) {
	writeErrorResponse(w, statusCode, ErrorResponse{
		Error:     err.Error(),
		Category:  string(errors.GetCategory(err)),
		Code:      errors.GetCode(err),
		RequestID: requestID,
	})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
