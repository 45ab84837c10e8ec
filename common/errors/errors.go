package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error represents an application error with a stable machine-readable code.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// Retryable marks errors the caller may retry with the same idempotency key.
	Retryable bool  `json:"retryable,omitempty"`
	Err       error `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so wrapped copies of a preset
// still satisfy errors.Is(err, ErrRateUnavailable).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new Error
func New(status int, code, message string, err error) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrap returns a copy of base with a specific message and cause.
func Wrap(base *Error, message string, err error) *Error {
	cp := *base
	if message != "" {
		cp.Message = message
	}
	cp.Err = err
	return &cp
}

// From extracts the application error from err, falling back to ErrInternal.
func From(err error) *Error {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrInternal, "", err)
}

const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnsupportedCurrency = "UNSUPPORTED_CURRENCY"
	CodeAmountOutOfBounds   = "AMOUNT_OUT_OF_BOUNDS"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    = "PROVIDER_REJECTED"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeRateUnavailable     = "RATE_UNAVAILABLE"
	CodeRateOutOfBounds     = "RATE_OUT_OF_BOUNDS"
	CodeAmountMismatch      = "AMOUNT_MISMATCH"
	CodeInconsistentState   = "INCONSISTENT_STATE"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternal            = "INTERNAL"
)

// Payment error types
var (
	ErrInvalidRequest      = New(http.StatusBadRequest, CodeInvalidRequest, "Invalid request", nil)
	ErrUnsupportedCurrency = New(http.StatusUnprocessableEntity, CodeUnsupportedCurrency, "Currency not supported", nil)
	ErrAmountOutOfBounds   = New(http.StatusUnprocessableEntity, CodeAmountOutOfBounds, "Amount out of bounds", nil)
	ErrProviderUnavailable = &Error{Status: http.StatusServiceUnavailable, Code: CodeProviderUnavailable, Message: "Payment provider unavailable", Retryable: true}
	ErrProviderRejected    = New(http.StatusPaymentRequired, CodeProviderRejected, "Payment rejected by provider", nil)
	ErrInvalidSignature    = New(http.StatusUnauthorized, CodeInvalidSignature, "Invalid webhook signature", nil)
	ErrRateUnavailable     = &Error{Status: http.StatusServiceUnavailable, Code: CodeRateUnavailable, Message: "Exchange rate unavailable", Retryable: true}
	ErrRateOutOfBounds     = New(http.StatusUnprocessableEntity, CodeRateOutOfBounds, "Exchange rate outside plausible range", nil)
	ErrAmountMismatch      = New(http.StatusConflict, CodeAmountMismatch, "Reported amount does not match charge", nil)
	ErrInconsistentState   = &Error{Status: http.StatusServiceUnavailable, Code: CodeInconsistentState, Message: "Provider state disagrees with local record", Retryable: true}
)

// Common error types
var (
	ErrNotFound     = New(http.StatusNotFound, CodeNotFound, "Not found", nil)
	ErrUnauthorized = New(http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
	ErrInternal     = New(http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
)

// Respond writes err as {code, message} without leaking causes.
func Respond(c *gin.Context, err error) {
	appErr := From(err)
	c.AbortWithStatusJSON(appErr.Status, gin.H{
		"code":      appErr.Code,
		"message":   appErr.Message,
		"retryable": appErr.Retryable,
	})
}

// ErrorMiddleware renders the last error attached to the gin context.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			Respond(c, c.Errors.Last().Err)
		}
	}
}
