package sanitizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/procuredesk/guard/internal/audit"
)

// GenericInvalidInput is the only message returned for rejected threats
const GenericInvalidInput = "Invalid input"

// ValidationError is returned when input fails schema validation or threat
// detection. Fields maps the JSON field path to the failed rule; it is empty
// for threats so the payload is never echoed.
type ValidationError struct {
	Message string
	Fields  map[string]string
	Threat  bool
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for f, rule := range e.Fields {
		parts = append(parts, f+" ("+rule+")")
	}
	return e.Message + ": " + strings.Join(parts, ", ")
}

// IsThreat reports whether err is a rejected injection attempt
func IsThreat(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Threat
}

// Validator sanitizes and validates decoded request payloads. String fields
// are cleaned with SanitizeString unless tagged sanitize:"html" (allow-list
// HTML) or sanitize:"-" (left untouched). Password fields, matched by exact
// name, are never altered or scanned.
type Validator struct {
	validate *validator.Validate
	sink     audit.Sink
	logger   *slog.Logger
}

// NewValidator creates a Validator. sink may be nil.
func NewValidator(sink audit.Sink, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{validate: v, sink: sink, logger: logger}
}

// ValidateAndSanitize cleans every string reachable from dst in place and
// then checks struct validation tags. dst must be a pointer.
func (v *Validator) ValidateAndSanitize(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("sanitizer: destination must be a non-nil pointer, got %T", dst)
	}
	walkStrings(rv, "", modePlain, func(_ string, mode stringMode, s string) string {
		switch mode {
		case modeHTML:
			return SanitizeHTML(s)
		case modeSkip:
			return s
		default:
			return SanitizeString(s)
		}
	})

	if reflect.Indirect(rv).Kind() != reflect.Struct {
		return nil
	}
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	ve := &ValidationError{Message: "Validation failed", Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		ve.Fields[fieldPath(fe.Namespace())] = fe.Tag()
	}
	return ve
}

// ValidateWithThreatDetection scans raw strings for SQL injection and XSS
// before sanitizing. A hit is reported to the audit sink at high severity,
// using origin for request metadata, and returns a generic ValidationError.
func (v *Validator) ValidateWithThreatDetection(ctx context.Context, dst any, origin audit.Event) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("sanitizer: destination must be a non-nil pointer, got %T", dst)
	}

	var (
		hitType  string
		hitField string
		hitValue string
	)
	walkStrings(rv, "", modePlain, func(path string, mode stringMode, s string) string {
		if hitType != "" || mode == modeSkip {
			return s
		}
		switch {
		case DetectSQLInjection(s):
			hitType = audit.EventSQLInjection
		case DetectXSS(s):
			hitType = audit.EventXSSAttempt
		default:
			return s
		}
		hitField, hitValue = path, s
		return s
	})

	if hitType != "" {
		v.logger.WarnContext(ctx, "input threat detected",
			slog.String("type", hitType),
			slog.String("field", hitField),
		)
		if v.sink != nil {
			ev := origin
			ev.Type = hitType
			ev.Severity = audit.SeverityHigh
			ev.Description = "Malicious input pattern detected"
			ev.Details = map[string]any{"field": hitField, "input": audit.Truncate(hitValue)}
			v.sink.LogSecurityEvent(ctx, ev)
		}
		return &ValidationError{Message: GenericInvalidInput, Threat: true}
	}
	return v.ValidateAndSanitize(dst)
}

type stringMode int

const (
	modePlain stringMode = iota
	modeHTML
	modeSkip
)

// walkStrings visits every string reachable from v and stores fn's result
// where the value is settable.
func walkStrings(v reflect.Value, path string, mode stringMode, fn func(path string, mode stringMode, s string) string) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			walkStrings(v.Elem(), path, mode, fn)
		}
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		elem := v.Elem()
		if elem.Kind() == reflect.String {
			out := fn(path, mode, elem.String())
			if v.CanSet() {
				v.Set(reflect.ValueOf(out).Convert(elem.Type()))
			}
			return
		}
		walkStrings(elem, path, mode, fn)
	case reflect.String:
		out := fn(path, mode, v.String())
		if v.CanSet() {
			v.SetString(out)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				name = f.Name
			}
			m := fieldMode(mode, name, f.Tag.Get("sanitize"))
			if isCredentialField(f.Name) {
				m = modeSkip
			}
			walkStrings(v.Field(i), joinPath(path, name), m, fn)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkStrings(v.Index(i), path+"["+strconv.Itoa(i)+"]", mode, fn)
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			key, val := iter.Key(), iter.Value()
			p := joinPath(path, key.String())
			m := fieldMode(mode, key.String(), "")
			switch {
			case val.Kind() == reflect.String:
				out := fn(p, m, val.String())
				v.SetMapIndex(key, reflect.ValueOf(out).Convert(val.Type()))
			case val.Kind() == reflect.Interface && !val.IsNil() && val.Elem().Kind() == reflect.String:
				out := fn(p, m, val.Elem().String())
				v.SetMapIndex(key, reflect.ValueOf(out))
			default:
				walkStrings(val, p, m, fn)
			}
		}
	}
}

func fieldMode(parent stringMode, name, tag string) stringMode {
	if parent == modeSkip || tag == "-" || isCredentialField(name) {
		return modeSkip
	}
	if tag == "html" {
		return modeHTML
	}
	return parent
}

// credentialFields are matched case-insensitively against the whole field
// name, never as substrings.
var credentialFields = map[string]struct{}{
	"password":             {},
	"currentpassword":      {},
	"current_password":     {},
	"newpassword":          {},
	"new_password":         {},
	"confirmpassword":      {},
	"confirm_password":     {},
	"passwordconfirmation": {},
}

func isCredentialField(name string) bool {
	_, ok := credentialFields[strings.ToLower(name)]
	return ok
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// fieldPath drops the root struct name from a validator namespace
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
