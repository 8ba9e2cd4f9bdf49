// Package response writes the standard JSON envelope used by every handler and
// middleware: {success, data, error{code,message,details}, timestamp}.
package response

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error codes shared by handlers and middleware
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeForbidden          = "FORBIDDEN"
	CodeCSRFInvalid        = "CSRF_INVALID"
	CodeRateLimited        = "RATE_LIMITED"
	CodeLocked             = "LOCKED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeNotFound           = "NOT_FOUND"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Success writes a successful JSON response
func Success(w http.ResponseWriter, statusCode int, data any) {
	write(w, statusCode, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Error writes an error JSON response
func Error(w http.ResponseWriter, statusCode int, code, message string, details map[string]any) {
	write(w, statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	})
}

func write(w http.ResponseWriter, statusCode int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
