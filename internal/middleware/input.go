package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/procuredesk/guard/internal/audit"
	"github.com/procuredesk/guard/internal/response"
	"github.com/procuredesk/guard/internal/sanitizer"
)

// MaxInputBytes bounds JSON request bodies read by ValidateInput
const MaxInputBytes = 1 << 20

// ValidateInput decodes the JSON body into a T, rejects injection payloads,
// sanitizes string fields and enforces the `validate` tags. The clean value
// is available to the handler through Input.
func ValidateInput[T any](p *Pipeline) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			dst := new(T)

			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxInputBytes))
			if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					response.Error(w, http.StatusRequestEntityTooLarge, response.CodeInvalidInput, "Request body too large", nil)
					return
				}
				response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Malformed JSON body", nil)
				return
			}

			err := p.validator.ValidateWithThreatDetection(ctx, dst, audit.Event{}.WithRequest(r))
			if err != nil {
				var ve *sanitizer.ValidationError
				switch {
				case errors.As(err, &ve) && ve.Threat:
					response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, sanitizer.GenericInvalidInput, nil)
				case errors.As(err, &ve):
					details := make(map[string]any, len(ve.Fields))
					for field, rule := range ve.Fields {
						details[field] = rule
					}
					response.Error(w, http.StatusBadRequest, response.CodeValidationError, ve.Message, details)
				default:
					p.logger.ErrorContext(ctx, "input validation failed", slog.String("error", err.Error()))
					response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "Internal server error", nil)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, inputKey, dst)))
		})
	}
}

// Input returns the value decoded by ValidateInput[T]
func Input[T any](ctx context.Context) (*T, bool) {
	v, ok := ctx.Value(inputKey).(*T)
	return v, ok
}
