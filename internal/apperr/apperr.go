package apperr

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrLockTimeout means the placement lock was not acquired in time; nothing was mutated.
	ErrLockTimeout = errors.New("order lock wait timed out")
	// ErrInsufficientStock is terminal for the request; no stock was mutated.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDuplicateOrder marks an already materialized order. Callers treat it as success.
	ErrDuplicateOrder = errors.New("order already exists")
	// ErrDeliveryExhausted is logged when publish confirms keep failing.
	ErrDeliveryExhausted = errors.New("message delivery retries exhausted")
	// ErrPaymentChannel wraps failures reported by the payment subsystem.
	ErrPaymentChannel = errors.New("payment channel error")
	ErrNotFound       = errors.New("not found")
	ErrBadRequest     = errors.New("bad request")
	ErrLockNotHeld    = errors.New("lock not held")
)

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"

	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"

	case errors.Is(err, ErrDuplicateOrder):
		return "duplicate_order"

	case errors.Is(err, ErrDeliveryExhausted):
		return "delivery_exhausted"

	case errors.Is(err, ErrPaymentChannel):
		return "payment_channel"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrBadRequest):
		return "bad_request"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrDuplicateOrder):
		return http.StatusOK

	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrInsufficientStock):
		return http.StatusConflict

	case errors.Is(err, ErrPaymentChannel):
		return http.StatusPaymentRequired

	case errors.Is(err, ErrLockTimeout):
		return http.StatusServiceUnavailable

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed if repeated as is.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded)
}
