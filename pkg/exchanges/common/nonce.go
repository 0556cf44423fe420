package common

import (
	"sync"
	"time"
)

// NonceSource hands out millisecond timestamps that strictly increase per
// credential, even when calls land in the same millisecond.
type NonceSource struct {
	mu   sync.Mutex
	last map[string]int64
	now  func() int64
}

// NewNonceSource creates a nonce source backed by the wall clock.
func NewNonceSource() *NonceSource {
	return &NonceSource{
		last: make(map[string]int64),
		now:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Next returns the next nonce for key.
func (n *NonceSource) Next(key string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := n.now()
	if prev := n.last[key]; t <= prev {
		t = prev + 1
	}
	n.last[key] = t
	return t
}
