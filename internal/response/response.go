// Package response provides standardized HTTP response helpers.
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dtorcivia/afterhours/internal/schedule"
)

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error codes outside the scheduling kinds.
const (
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeInvalidState    = "INVALID_OAUTH_STATE"
)

// APIError represents a structured API error response.
type APIError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"requestId,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps an APIError in the standard response format.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorWithDetails(w, status, code, message, "", nil)
}

// WriteErrorWithDetails writes a JSON error response with additional details.
func WriteErrorWithDetails(w http.ResponseWriter, status int, code, message, requestID string, details map[string]interface{}) {
	JSON(w, status, ErrorResponse{
		Error: APIError{
			Code:      code,
			Message:   message,
			RequestID: requestID,
			Details:   details,
		},
	})
}

// WriteRateLimited writes a 429 rate limited error.
func WriteRateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteErrorWithDetails(w, http.StatusTooManyRequests, ErrCodeRateLimited,
		"Too many requests, please slow down",
		"", map[string]interface{}{
			"retry_after_seconds": retryAfter,
		})
}

// WriteValidationError writes a 400 validation error.
func WriteValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	WriteErrorWithDetails(w, http.StatusBadRequest, ErrCodeValidationError, message, "", details)
}

// WriteInternalError writes a 500 internal error.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// StatusForKind maps a scheduling error kind to its HTTP status.
func StatusForKind(kind schedule.Kind) int {
	switch kind {
	case schedule.KindInvalidRequest:
		return http.StatusBadRequest
	case schedule.KindAmbiguousReference, schedule.KindConflict, schedule.KindInProgress:
		return http.StatusConflict
	case schedule.KindEventNotFound:
		return http.StatusNotFound
	case schedule.KindNotAuthenticated, schedule.KindReauthRequired:
		return http.StatusUnauthorized
	case schedule.KindCalendarOperationFailed, schedule.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeForKind renders a kind as an upper snake case error code.
func CodeForKind(kind schedule.Kind) string {
	if kind == "" || kind == schedule.KindInternal {
		return ErrCodeInternalError
	}
	return strings.ToUpper(string(kind))
}

// WriteScheduleError writes err using its scheduling kind. Authentication
// failures carry authURL in details so the client can send the user there.
// Errors without a kind are reported as internal and their text withheld.
func WriteScheduleError(w http.ResponseWriter, err error, requestID, authURL string) {
	var se *schedule.Error
	if !errors.As(err, &se) {
		WriteErrorWithDetails(w, http.StatusInternalServerError, ErrCodeInternalError,
			"An internal error occurred", requestID, nil)
		return
	}

	kind := se.Kind
	var details map[string]interface{}
	if (kind == schedule.KindNotAuthenticated || kind == schedule.KindReauthRequired) && authURL != "" {
		details = map[string]interface{}{"auth_url": authURL}
	}
	if kind == schedule.KindInProgress {
		w.Header().Set("Retry-After", "2")
	}

	message := schedule.ReasonOf(err)
	if message == "" {
		message = string(kind)
	}
	WriteErrorWithDetails(w, StatusForKind(kind), CodeForKind(kind), message, requestID, details)
}
