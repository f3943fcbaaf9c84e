package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies adapter failures for retry and reporting.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindValidation  ErrorKind = "validation"
	KindMinNotional ErrorKind = "min_notional"
	KindRateLimited ErrorKind = "rate_limited"
	KindNetwork     ErrorKind = "network"
	KindBusiness    ErrorKind = "business"
	KindNotFound    ErrorKind = "not_found"
	KindExchange    ErrorKind = "exchange"
)

// APIError is a classified failure from an exchange call.
type APIError struct {
	Kind       ErrorKind
	Venue      string
	Code       string
	Message    string
	Adjustment *AdjustmentInfo // set for min-notional rejections
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %s (%s)", e.Venue, e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: [%s] %s", e.Venue, e.Kind, e.Message)
}

// NewAPIError builds a classified error for a venue.
func NewAPIError(venue string, kind ErrorKind, code, message string) *APIError {
	return &APIError{Kind: kind, Venue: venue, Code: code, Message: message}
}

// KindOf extracts the classification; unknown errors map to network
// when they wrap a context/transport failure, otherwise exchange.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindExchange
}

// nonRetryable lists error fragments that must never be retried:
// resubmitting would either fail identically or double-place.
var nonRetryable = []string{
	"must be greater than minimum",
	"insufficient balance",
	"invalid api key",
	"permission denied",
	"amount too small",
	"precision",
	"invalid symbol",
	"notional must be no smaller",
	"Order would immediately trigger",
}

// IsRetryable reports whether an exchange call may safely be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuth, KindValidation, KindMinNotional, KindBusiness, KindNotFound:
		return false
	}
	msg := err.Error()
	for _, frag := range nonRetryable {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	return true
}

const (
	retryBase     = 250 * time.Millisecond
	retryAttempts = 10
)

// Retry runs fn with exponential backoff until it succeeds, returns a
// non-retryable error, or exhausts the attempt budget.
func Retry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
