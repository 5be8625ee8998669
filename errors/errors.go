// Package errors implements the request manager's tagged error taxonomy.
//
// Design Notes:
//   - Error kinds are a closed sum type (Kind) instead of the ad-hoc
//     string codes a first pass at this problem tends to produce.
//   - Every production site constructs errors through New/Wrap so that
//     callers can always type-assert down to *RequestError and switch
//     on Kind rather than matching strings.
//   - HTTP-status failures carry the status in Status rather than
//     encoding it into the Kind string, so callers can still branch on
//     "is this HTTP_4xx" without a combinatorial explosion of kinds.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a request failure.
type Kind string

const (
	KindCanceled            Kind = "CANCELED"
	KindTimeout             Kind = "TIMEOUT"
	KindNetworkError        Kind = "NETWORK_ERROR"
	KindHTTPStatus          Kind = "HTTP_STATUS"
	KindRequestSendFailed   Kind = "REQUEST_SEND_FAILED"
	KindQueueClosed         Kind = "QUEUE_CLOSED"
	KindAbortedWhileWaiting Kind = "ABORTED_WHILE_WAITING"
	KindValidation          Kind = "VALIDATION"
	KindConfig              Kind = "CONFIG"
)

// RequestError is the single structured error type produced anywhere in
// the request path. Handlers branch on Kind, not on error strings.
type RequestError struct {
	Kind    Kind
	Status  int // HTTP status, set only for KindHTTPStatus
	Message string
	Cause   error
	Fields  map[string]any // structured context, e.g. {"requestId": "..."}
}

func (e *RequestError) Error() string {
	if e.Kind == KindHTTPStatus {
		if e.Message != "" {
			return fmt.Sprintf("%s: status %d: %s", e.Kind, e.Status, e.Message)
		}
		return fmt.Sprintf("%s: status %d", e.Kind, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errors.New(KindTimeout, "")) style comparisons
// against kind alone, ignoring message/cause/fields.
func (e *RequestError) Is(target error) bool {
	var t *RequestError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs a RequestError of the given kind.
func New(kind Kind, message string) *RequestError {
	return &RequestError{Kind: kind, Message: message}
}

// Newf constructs a RequestError with a formatted message.
func Newf(kind Kind, format string, args ...any) *RequestError {
	return &RequestError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a RequestError that carries cause as its underlying error.
func Wrap(kind Kind, cause error, message string) *RequestError {
	return &RequestError{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus constructs a RequestError for a response that failed
// validateStatus.
func HTTPStatus(status int, message string) *RequestError {
	return &RequestError{Kind: KindHTTPStatus, Status: status, Message: message}
}

// WithField returns a copy of e with field set in its structured context.
func (e *RequestError) WithField(key string, value any) *RequestError {
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return &cp
}

// KindOf extracts the Kind of err if it is (or wraps) a *RequestError,
// otherwise returns KindNetworkError — the orchestrator's default
// classification for an unstructured transport failure (spec §7:
// "wraps any non-structured exception into NETWORK_ERROR").
func KindOf(err error) Kind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetworkError
}

// IsKind reports whether KindOf(err) equals kind, so an unstructured
// error counts as KindNetworkError.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
