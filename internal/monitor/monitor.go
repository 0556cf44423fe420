// Package monitor samples runtime state into Prometheus and the /health
// snapshot, and forwards operator alerts.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/gateway"
	"tradecore/internal/order"
)

// PoolSource reports worker pool occupancy.
type PoolSource interface {
	InFlight() int
	Queued() int
}

// OutboxSource reports undelivered order ids.
type OutboxSource interface {
	Depth(ctx context.Context) (int, error)
}

// BusSource reports event bus counters.
type BusSource interface {
	Stats() (published, dropped, disconnected int64)
	Subscribers() int
}

// GatewaySource reports adapter pool occupancy.
type GatewaySource interface {
	Stats() gateway.PoolStats
}

// Sources are the components the monitor samples. Nil fields are skipped.
type Sources struct {
	Results  <-chan order.ExecutionResult
	Pool     PoolSource
	Outbox   OutboxSource
	Bus      BusSource
	Gateways GatewaySource
}

// Monitor drains execution results and samples Sources on an interval.
type Monitor struct {
	Metrics  *SystemMetrics
	Sources  Sources
	Sink     AlertSink
	Interval time.Duration
	Log      *zap.Logger
}

// Start runs the monitor until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.Metrics == nil {
		m.Metrics = NewSystemMetrics()
	}
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.Sample(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-m.Sources.Results:
				if !ok {
					m.Sources.Results = nil
					continue
				}
				m.Metrics.RecordOrder(r.Latency, !r.Success)
			case <-ticker.C:
				m.Sample(ctx)
			}
		}
	}()
}

// Sample reads every source once.
func (m *Monitor) Sample(ctx context.Context) {
	var s sample
	if m.Sources.Gateways != nil {
		s.gateway = m.Sources.Gateways.Stats()
		setRuntime("gateways", float64(s.gateway.TotalGateways))
		setRuntime("gateways_unhealthy", float64(s.gateway.UnhealthyCount))
	}
	if m.Sources.Bus != nil {
		s.bus.Published, s.bus.Dropped, s.bus.Disconnected = m.Sources.Bus.Stats()
		s.bus.Subscribers = m.Sources.Bus.Subscribers()
		setRuntime("bus_published", float64(s.bus.Published))
		setRuntime("bus_dropped", float64(s.bus.Dropped))
		setRuntime("bus_disconnected", float64(s.bus.Disconnected))
		setRuntime("bus_subscribers", float64(s.bus.Subscribers))
	}
	if m.Sources.Pool != nil {
		s.inFlight = m.Sources.Pool.InFlight()
		s.queued = m.Sources.Pool.Queued()
		setRuntime("orders_in_flight", float64(s.inFlight))
		setRuntime("orders_queued", float64(s.queued))
	}
	if m.Sources.Outbox != nil {
		if d, err := m.Sources.Outbox.Depth(ctx); err == nil {
			s.outboxDepth = d
			setRuntime("outbox_depth", float64(d))
		} else if ctx.Err() == nil {
			m.Log.Warn("sample outbox depth", zap.Error(err))
		}
	}
	m.Metrics.update(s)
}

// Alert forwards message to the sink, if any.
func (m *Monitor) Alert(message string) {
	if m.Sink == nil {
		return
	}
	if err := m.Sink.Send("[" + time.Now().UTC().Format(time.RFC3339) + "] " + message); err != nil && m.Log != nil {
		m.Log.Warn("alert delivery failed", zap.Error(err))
	}
}
