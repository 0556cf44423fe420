package order

import (
	"errors"
	"unicode/utf8"
)

var (
	ErrSafetyTripped = errors.New("kill switch active")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrShuttingDown  = errors.New("order intake closed")
	ErrExchange      = errors.New("exchange error")
)

// maxMessageLen bounds error messages persisted on an order.
const maxMessageLen = 500

func boundMessage(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	s = s[:maxMessageLen]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
