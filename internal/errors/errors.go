// Package errors defines the service error taxonomy and the wire envelope.
// Every failure that crosses a component boundary is an *AppError carrying
// one of the Kind constants; handlers map it to the JSON failure envelope.
package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loist/loist/internal/logger"
)

// Kind identifies a failure class on the wire.
type Kind string

const (
	KindFetchForbidden     Kind = "FETCH_FORBIDDEN"
	KindFetchFailed        Kind = "FETCH_FAILED"
	KindSizeExceeded       Kind = "SIZE_EXCEEDED"
	KindTimeout            Kind = "TIMEOUT"
	KindFormatInvalid      Kind = "FORMAT_INVALID"
	KindMetadataExtraction Kind = "METADATA_EXTRACTION_FAILED"
	KindStorage            Kind = "STORAGE_ERROR"
	KindDatabase           Kind = "DATABASE_ERROR"
	KindStateConflict      Kind = "STATE_CONFLICT"
	KindNotFound           Kind = "RESOURCE_NOT_FOUND"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindInvalidQuery       Kind = "INVALID_QUERY"
	KindAuthentication     Kind = "AUTHENTICATION_FAILED"
	KindRateLimit          Kind = "RATE_LIMIT_EXCEEDED"
	KindExternalService    Kind = "EXTERNAL_SERVICE_ERROR"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// AppError is a structured error with HTTP context.
type AppError struct {
	Kind       Kind                   `json:"code"`
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`

	// Transient marks instances of conditionally retriable kinds
	// (FETCH_FAILED on 5xx or network error, STORAGE_ERROR on 5xx,
	// DATABASE_ERROR on a transient class). TIMEOUT is always retriable.
	Transient bool `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a detail field to the error and returns it.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// As extracts an *AppError from an error chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}

// KindOf returns the kind of an error, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// Retriable reports whether the ingestion pipeline may retry after this error.
func Retriable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Kind {
	case KindTimeout:
		return true
	case KindFetchFailed, KindStorage, KindDatabase:
		return appErr.Transient
	default:
		return false
	}
}

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidQuery, KindFormatInvalid, KindSizeExceeded:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindFetchForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindFetchFailed, KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, HTTPStatus: statusFor(kind)}
}

// Wrap creates an AppError of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause, HTTPStatus: statusFor(kind)}
}

// Common constructors

func NewValidationError(message, field string) *AppError {
	return New(KindValidation, message).WithContext("field", field)
}

func NewInvalidQuery(message string) *AppError {
	return New(KindInvalidQuery, message)
}

func NewNotFoundError(resource, id string) *AppError {
	return New(KindNotFound, resource+" not found").
		WithContext("resource", resource).
		WithContext("id", id)
}

func NewDatabaseError(operation string, cause error, transient bool) *AppError {
	err := Wrap(KindDatabase, "database operation failed", cause).
		WithContext("operation", operation)
	err.Transient = transient
	return err
}

func NewStorageError(operation string, cause error, transient bool) *AppError {
	err := Wrap(KindStorage, "object store operation failed", cause).
		WithContext("operation", operation)
	err.Transient = transient
	return err
}

func NewFetchError(status int, url string) *AppError {
	err := New(KindFetchFailed, "source fetch failed").
		WithContext("status", status).
		WithContext("url", url)
	err.Transient = status >= 500
	return err
}

func NewTimeout(operation string, cause error) *AppError {
	return Wrap(KindTimeout, operation+" timed out", cause)
}

func NewInternalError(message string, cause error) *AppError {
	return Wrap(KindInternal, message, cause)
}

// Envelope returns the JSON failure envelope for an error.
func Envelope(err error) gin.H {
	appErr, ok := As(err)
	if !ok {
		appErr = NewInternalError("internal error", err)
	}
	envelope := gin.H{
		"success": false,
		"error":   string(appErr.Kind),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		envelope["details"] = appErr.Context
	}
	return envelope
}

// ToGinResponse writes the error as the standard failure envelope.
func ToGinResponse(c *gin.Context, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = NewInternalError("internal error", err)
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	logger.Error("request failed",
		"status", status,
		"error", string(appErr.Kind),
		"message", appErr.Message,
		"path", c.Request.URL.Path,
		"method", c.Request.Method)
	c.JSON(status, Envelope(appErr))
}
