// Package errors provides the closed set of error kinds surfaced to clients,
// their status code mapping, and kind-aware logging.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skill-collectors/guesstimator/internal/platform/correlation"
)

// Kind is the category of an error. Callers dispatch on Kind, never on the
// concrete type of the cause.
type Kind string

const (
	// KindClient is a malformed or semantically invalid request (400)
	KindClient Kind = "client_error"
	// KindNotFound is a referenced room or user that does not exist (404)
	KindNotFound Kind = "not_found"
	// KindForbidden is a host or user capability mismatch (403)
	KindForbidden Kind = "forbidden"
	// KindConnectionGone is a transport delivery failure; it is repaired by
	// the publisher and never rendered to a client.
	KindConnectionGone Kind = "connection_gone"
	// KindUnexpected is everything else (500); clients only see its
	// correlation id.
	KindUnexpected Kind = "unexpected"
)

type Error struct {
	Kind          Kind
	Message       string
	Cause         error
	CorrelationID string
	Timestamp     time.Time
	Context       map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the status code reported to the sender.
func (e *Error) Status() int {
	switch e.Kind {
	case KindClient:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConnectionGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the only text a client ever sees for this error.
func (e *Error) PublicMessage() string {
	if e.Kind == KindUnexpected {
		return fmt.Sprintf("Unexpected error (ref %s)", e.CorrelationID)
	}
	return e.Message
}

func ClientError(message string) *Error {
	return &Error{Kind: KindClient, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func ConnectionGone(connectionID string, cause error) *Error {
	return (&Error{Kind: KindConnectionGone, Message: "connection gone", Cause: cause}).
		WithContext("connection_id", connectionID)
}

// Unexpected wraps cause with a correlation id and timestamp. When id is empty
// a fresh one is generated.
func Unexpected(cause error, id string, ts time.Time) *Error {
	if id == "" {
		id = correlation.NewID()
	}
	return &Error{
		Kind:          KindUnexpected,
		Message:       "unexpected error",
		Cause:         cause,
		CorrelationID: id,
		Timestamp:     ts.UTC(),
	}
}

// WithContext adds a log field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Response is the wire envelope for replies to a single sender.
type Response struct {
	Status int    `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (e *Error) ToResponse() Response {
	return Response{Status: e.Status(), Error: e.PublicMessage()}
}

// As converts any error into a structured Error. Errors that are not already
// structured become Unexpected, picking up the correlation id carried by ctx.
func As(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	id, _ := correlation.ID(ctx)
	return Unexpected(err, id, time.Now())
}

func Is(err error, kind Kind) bool {
	var structured *Error
	return errors.As(err, &structured) && structured.Kind == kind
}

// Log writes err at a level matching its kind.
func Log(ctx context.Context, err *Error, attrs ...any) {
	attrs = append(attrs,
		"error_kind", err.Kind,
		"message", err.Message,
		"status", err.Status(),
	)
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	switch err.Kind {
	case KindClient, KindNotFound:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case KindForbidden:
		slog.WarnContext(ctx, "Forbidden request", attrs...)
	case KindConnectionGone:
		slog.DebugContext(ctx, "Connection gone", attrs...)
	default:
		attrs = append(attrs, "reference", err.CorrelationID, "timestamp", err.Timestamp)
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Unexpected error", attrs...)
	}
}
