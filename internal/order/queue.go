package order

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"tradecore/pkg/db"
)

// Dispatcher hands claimed ids to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, j Job) error
}

// Queue is the durable order intake. Submit writes the order row and its
// outbox entry in one transaction; Run drains the outbox to the workers.
type Queue struct {
	db   *db.Database
	pool Dispatcher
	log  *zap.Logger
	cfg  QueueConfig

	wake   chan struct{}
	closed atomic.Bool
}

// NewQueue wires an outbox-backed queue in front of pool.
func NewQueue(database *db.Database, pool Dispatcher, cfg QueueConfig, log *zap.Logger) *Queue {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		db:   database,
		pool: pool,
		log:  log,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// Submit validates r and persists it as a pending order. Once Submit returns
// the id cannot be lost; it is dispatched at least once.
func (q *Queue) Submit(ctx context.Context, r Request) (*db.Order, error) {
	if q.closed.Load() {
		return nil, ErrShuttingDown
	}
	o, err := r.toOrder()
	if err != nil {
		return nil, err
	}
	err = q.db.WithTx(ctx, func(tx *db.Queries) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, o.ID)
	})
	if err != nil {
		return nil, err
	}
	q.notify()
	q.log.Info("order accepted",
		zap.String("order_id", o.ID), zap.String("user_id", o.UserID),
		zap.String("coin_type", o.CoinType), zap.String("side", o.Side),
		zap.String("order_type", o.OrderType), zap.String("quantity", o.Quantity.String()))
	return o, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting submissions. Already committed ids stay in the outbox.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Depth returns the number of ids not yet completed.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.db.Queries().OutboxDepth(ctx)
}
