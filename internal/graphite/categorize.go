package graphite

import (
	"context"
	"errors"
	"net"
)

// ErrorCategory is a stable label for publish failures in metrics.
type ErrorCategory string

const (
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryCanceled       ErrorCategory = "canceled"
	ErrorCategoryTransport      ErrorCategory = "transport"
	ErrorCategoryRejected       ErrorCategory = "rejected"
	ErrorCategoryInvalidSegment ErrorCategory = "invalid_segment"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// CategorizeError maps a publish error to an ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrInvalidSegment) {
		return ErrorCategoryInvalidSegment
	}
	if errors.Is(err, ErrPublishRejected) {
		return ErrorCategoryRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCategoryCanceled
	}
	if errors.Is(err, ErrTransport) {
		return ErrorCategoryTransport
	}
	return ErrorCategoryUnknown
}
