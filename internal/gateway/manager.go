// Package gateway caches one exchange adapter per user.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/pkg/exchanges/common"
)

var (
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// Factory builds the adapter for a user.
type Factory func(ctx context.Context, userID string) (common.Adapter, error)

// CachedGateway holds an adapter with metadata for lifecycle management.
type CachedGateway struct {
	Adapter   common.Adapter
	UserID    string
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached adapters (LRU eviction)
	IdleTimeout      time.Duration // Time before idle adapter is removed
	FailureThreshold int           // Consecutive transport failures before the circuit opens
	CircuitTimeout   time.Duration // Time to wait before retrying an unhealthy adapter
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          1000,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 5,
		CircuitTimeout:   30 * time.Second,
	}
}

// Manager manages a pool of adapters with LRU eviction and a failure breaker.
type Manager struct {
	mu       sync.Mutex
	gateways map[string]*CachedGateway // userID -> cached adapter
	lruOrder []string                  // oldest first

	config  Config
	factory Factory
	log     *zap.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(factory Factory, cfg Config, log *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		config:   cfg,
		factory:  factory,
		log:      log,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the idle cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.cleanupIdle(); n > 0 {
					m.log.Debug("evicted idle adapters", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop shuts down the cleanup loop and drops every adapter.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		closeAdapter(cached.Adapter)
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// Get returns the cached adapter for userID or builds one.
func (m *Manager) Get(ctx context.Context, userID string) (common.Adapter, error) {
	m.mu.Lock()
	if cached, ok := m.gateways[userID]; ok {
		if cached.Failures >= m.config.FailureThreshold && m.now().Sub(cached.HealthyAt) < m.config.CircuitTimeout {
			m.mu.Unlock()
			return nil, ErrGatewayUnhealthy
		}
		m.touchLocked(userID)
		m.mu.Unlock()
		return cached.Adapter, nil
	}
	m.mu.Unlock()

	// Built outside the lock: credential decryption may hit the database.
	adapter, err := m.factory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[userID]; ok {
		closeAdapter(adapter)
		m.touchLocked(userID)
		return cached.Adapter, nil
	}
	if len(m.gateways) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}
	now := m.now()
	m.gateways[userID] = &CachedGateway{Adapter: adapter, UserID: userID, CreatedAt: now, LastUsed: now, HealthyAt: now}
	m.lruOrder = append(m.lruOrder, userID)
	return adapter, nil
}

// Remove drops a user's adapter, e.g. after a credential change.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[userID]; ok {
		closeAdapter(cached.Adapter)
		delete(m.gateways, userID)
		m.removeLRULocked(userID)
	}
}

// RecordFailure counts a transport failure for userID.
func (m *Manager) RecordFailure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[userID]; ok {
		cached.Failures++
		if cached.Failures == m.config.FailureThreshold {
			m.log.Warn("adapter circuit open", zap.String("user_id", userID), zap.Int("failures", cached.Failures))
		}
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[userID]; ok {
		cached.Failures = 0
		cached.HealthyAt = m.now()
	}
}

// PoolStats contains adapter pool statistics.
type PoolStats struct {
	TotalGateways  int `json:"total_gateways"`
	MaxSize        int `json:"max_size"`
	UnhealthyCount int `json:"unhealthy_count"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PoolStats{TotalGateways: len(m.gateways), MaxSize: m.config.MaxSize}
	for _, cached := range m.gateways {
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLocked(userID string) {
	if cached, ok := m.gateways[userID]; ok {
		cached.LastUsed = m.now()
	}
	m.removeLRULocked(userID)
	m.lruOrder = append(m.lruOrder, userID)
}

func (m *Manager) removeLRULocked(userID string) {
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	if cached, ok := m.gateways[oldest]; ok {
		closeAdapter(cached.Adapter)
		delete(m.gateways, oldest)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			closeAdapter(cached.Adapter)
			delete(m.gateways, id)
			m.removeLRULocked(id)
			removed++
		}
	}
	return removed
}

func closeAdapter(a common.Adapter) {
	if closer, ok := a.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
