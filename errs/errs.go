// Package errs provides structured error types and helpers for tokencart services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a cart/wishlist error category.
type Code string

const (
	// CodeInsufficientStock indicates the product cannot cover the requested quantity.
	CodeInsufficientStock Code = "insufficient_stock"
	// CodeInsufficientTokens indicates the user's balance cannot cover the token hold.
	CodeInsufficientTokens Code = "insufficient_tokens"
	// CodeTicketNotFound indicates the reservation ticket is unknown or no longer active.
	CodeTicketNotFound Code = "ticket_not_found"
	// CodeTicketExpired indicates the reservation ticket lapsed before commit.
	CodeTicketExpired Code = "ticket_expired"
	// CodeNotFound indicates an unknown product or user.
	CodeNotFound Code = "not_found"
	// CodeSyncFailed indicates the persistence gateway was unreachable or rejected the write after retries.
	CodeSyncFailed Code = "sync_failed"
	// CodePriceDrift is advisory: the authoritative price differs from the captured snapshot.
	CodePriceDrift Code = "price_drift"
	// CodeConflict indicates a concurrent or state conflict.
	CodeConflict Code = "conflict"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates a component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the tokencart stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair describing the failing entity.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithProduct tags the error with a product identifier.
func WithProduct(productID string) Option {
	return WithField("product_id", productID)
}

// WithUser tags the error with a user identifier.
func WithUser(userID string) Option {
	return WithField("user_id", userID)
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("component=")
	b.WriteString(orUnknown(e.Component))
	b.WriteString(" code=")
	b.WriteString(orUnknown(string(e.Code)))
	if e.Message != "" {
		b.WriteString(" message=")
		b.WriteString(strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" fields=")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k + "=" + strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		b.WriteString(" cause=")
		b.WriteString(strconv.Quote(e.cause.Error()))
	}
	return b.String()
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E carrying the same code. It lets callers
// match with errors.Is(err, errs.New("", errs.CodeNotFound)).
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the code of the first envelope in err's chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err's chain carries an envelope with the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, &E{Code: code})
}

// Retryable reports whether a failure may succeed if attempted again.
// Rejections about the request itself are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeNotFound, CodeInvalid, CodeInsufficientTokens, CodeInsufficientStock, CodeConflict:
		return false
	default:
		return true
	}
}
