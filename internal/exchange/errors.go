package exchange

import (
	"context"
	"fmt"
	"net"

	"main/internal/errors"
)

// Class buckets an error for the retry discipline.
type Class uint8

const (
	ClassUnknown Class = iota
	// ClassTransient covers timeouts, resets and rate limits; retried
	// with bounded backoff.
	ClassTransient
	// ClassRejected covers venue validation rejections; never retried.
	ClassRejected
	// ClassAuth covers credential failures; aborts startup.
	ClassAuth
	// ClassNotFound covers operations on orders the venue does not know.
	ClassNotFound
	// ClassNoOp covers "already done" responses (duplicate id, already
	// canceled, not modified); treated as success by callers.
	ClassNoOp
)

var (
	ErrOrderNotFound  = errors.New("exchange: order not found")
	ErrDuplicateOrder = errors.New("exchange: duplicate client order id")
	ErrAlreadyClosed  = errors.New("exchange: order already terminal")
	ErrAuth           = errors.New("exchange: authentication failed")
	ErrRateLimited    = errors.New("exchange: rate limited")
)

// APIError is a venue response with a non-success code.
type APIError struct {
	Code     int
	Msg      string
	ErrClass Class
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: retCode %d: %s", e.Code, e.Msg)
}

// Classify buckets any error from an outbound call.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrAlreadyClosed):
		return ClassNoOp
	case errors.Is(err, ErrOrderNotFound):
		return ClassNotFound
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrRateLimited):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrClass != ClassUnknown {
			return apiErr.ErrClass
		}
		return ClassRejected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassUnknown
}

// Retryable reports whether the retry wrapper may re-issue the call.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
