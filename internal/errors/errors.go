package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is the failure class attached to an error at the boundary that produced it.
type Kind int

const (
	KindUnknown Kind = iota // Not classified at the source
	KindNetwork             // Transport failure: offline, timeout, connection reset
	KindServer              // Remote failed: 5xx, 429
	KindClient              // Request rejected: 4xx other than 429
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Error is a classified error. Code carries the HTTP status when one is known.
type Error struct {
	Kind       Kind   `json:"-"`
	Code       int    `json:"code,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// StatusCode returns the HTTP status attached to the error, or 0.
func (e *Error) StatusCode() int {
	return e.Code
}

// WriteJSON writes the error as JSON to the response.
// Base errors (no details) use pre-serialized JSON to avoid allocations.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	code := e.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors returned by the admin API.
var (
	ErrNotFound = &Error{
		Kind:    KindClient,
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &Error{
		Kind:    KindClient,
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrBadRequest = &Error{
		Kind:    KindClient,
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrTooManyRequests = &Error{
		Kind:    KindServer,
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrServiceUnavailable = &Error{
		Kind:    KindServer,
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrInternalServer = &Error{
		Kind:    KindServer,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*Error][]byte

func init() {
	bases := []*Error{
		ErrNotFound, ErrMethodNotAllowed, ErrBadRequest,
		ErrTooManyRequests, ErrServiceUnavailable, ErrInternalServer,
	}
	preSerialized = make(map[*Error][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a kind and message.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// FromStatus tags err with the kind implied by an HTTP status code.
// 5xx and 429 are server-class, the remaining 4xx are client-class.
func FromStatus(code int, err error) *Error {
	kind := KindUnknown
	switch {
	case code == http.StatusTooManyRequests, code >= 500 && code <= 599:
		kind = KindServer
	case code >= 400 && code <= 499:
		kind = KindClient
	}
	msg := http.StatusText(code)
	if msg == "" {
		msg = fmt.Sprintf("status %d", code)
	}
	return &Error{
		Kind:       kind,
		Code:       code,
		Message:    msg,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details string) *Error {
	return &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind attached anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}
