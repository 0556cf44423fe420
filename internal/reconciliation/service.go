// Package reconciliation restores in-flight work after a restart and keeps
// every open order under the fill poller.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradecore/pkg/db"
)

// Outbox resets claims left by a previous process.
type Outbox interface {
	Recover(ctx context.Context) (int64, error)
}

// Tracker follows open orders. Tracking an order twice is a no-op.
type Tracker interface {
	Track(o db.Order)
}

// Service handles startup and periodic reconciliation.
type Service struct {
	database *db.Database
	outbox   Outbox
	tracker  Tracker
	interval time.Duration
	log      *zap.Logger
}

// Report contains reconciliation results.
type Report struct {
	Timestamp      time.Time `json:"timestamp"`
	ReleasedClaims int64     `json:"released_claims"`
	ReleasedOutbox int64     `json:"released_outbox"`
	OpenOrders     int       `json:"open_orders"`
}

// NewService creates a new reconciliation service.
func NewService(database *db.Database, outbox Outbox, tracker Tracker, interval time.Duration, log *zap.Logger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{database: database, outbox: outbox, tracker: tracker, interval: interval, log: log}
}

// Startup must run before workers start. It releases executor and outbox
// claims held by the previous process, so pending orders are redelivered,
// and hands submitted orders to the poller, which converges them via
// get_order.
func (s *Service) Startup(ctx context.Context) (Report, error) {
	r := Report{Timestamp: time.Now().UTC()}
	n, err := s.database.Queries().ReleaseAllPendingClaims(ctx)
	if err != nil {
		return r, fmt.Errorf("release order claims: %w", err)
	}
	r.ReleasedClaims = n
	if s.outbox != nil {
		if r.ReleasedOutbox, err = s.outbox.Recover(ctx); err != nil {
			return r, fmt.Errorf("recover outbox: %w", err)
		}
	}
	if r.OpenOrders, err = s.trackOpen(ctx); err != nil {
		return r, err
	}
	s.log.Info("startup reconciliation complete",
		zap.Int64("released_claims", r.ReleasedClaims),
		zap.Int64("released_outbox", r.ReleasedOutbox),
		zap.Int("open_orders", r.OpenOrders))
	return r, nil
}

func (s *Service) trackOpen(ctx context.Context) (int, error) {
	open, err := s.database.Queries().ListOrdersByStatus(ctx, db.StatusSubmitted, db.StatusPartiallyFilled)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	if s.tracker != nil {
		for _, o := range open {
			s.tracker.Track(o)
		}
	}
	return len(open), nil
}

// Start re-tracks open orders every interval until ctx ends.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.trackOpen(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.log.Warn("reconciliation sweep failed", zap.Error(err))
					}
					continue
				}
				s.log.Debug("reconciliation sweep", zap.Int("open_orders", n))
			}
		}
	}()
}
