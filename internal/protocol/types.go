package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Channel message types. The reserved types are handled by the connection
// manager before reaching application subscribers.
const (
	TypePing   = "ping"
	TypePong   = "pong"
	TypeNotify = "notify"
	TypeReload = "reload"
)

// Failure codes. Every failure surfaced by this layer carries one of these.
const (
	CodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	CodeAuthExpired        = "AUTH_EXPIRED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeAccessDenied       = "ACCESS_DENIED"
	CodeNotFound           = "NOT_FOUND"
	CodeServerError        = "SERVER_ERROR"
	CodeQueueOverflow      = "QUEUE_OVERFLOW"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeDeliveryFailed     = "DELIVERY_FAILED"
)

// Failure is the terminal error type of the network layer. Code is always one
// of the Code* constants; Endpoint and Attempts give the caller enough context
// to render a user-facing message.
type Failure struct {
	Code       string
	Message    string
	Endpoint   string
	Attempts   int
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	if f.Endpoint != "" {
		return fmt.Sprintf("%s: %s (endpoint=%s attempts=%d)", f.Code, f.Message, f.Endpoint, f.Attempts)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NewFailure creates a Failure with the given code and message.
func NewFailure(code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

// IsCode reports whether err is a *Failure carrying the given code.
func IsCode(err error, code string) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}
