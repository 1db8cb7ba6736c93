package graphite

import "errors"

// ErrInvalidSegment is returned when a metric path segment is empty or contains
// characters outside [A-Za-z0-9_-].
var ErrInvalidSegment = errors.New("invalid metric path segment")

// ValidateSegment checks that s can be embedded as a single dotted Graphite path
// component without changing the shape of the metric name.
func ValidateSegment(s string) error {
	if s == "" {
		return ErrInvalidSegment
	}
	for _, c := range s {
		if !isAllowedSegmentRune(c) {
			return ErrInvalidSegment
		}
	}
	return nil
}

func isAllowedSegmentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}
