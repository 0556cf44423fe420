package order

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tradecore/pkg/db"
)

// QueueConfig tunes outbox draining.
type QueueConfig struct {
	Batch        int           // ids claimed per round
	ClaimTTL     time.Duration // a claim older than this is redelivered
	PollInterval time.Duration // idle wait between rounds without a wakeup
}

func (c *QueueConfig) defaults() {
	if c.Batch <= 0 {
		c.Batch = 64
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Recover releases claims left by a previous process so their ids are
// redelivered. Call before Run.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	return q.db.Queries().ReleaseAllOutboxClaims(ctx)
}

// Run drains the outbox until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := q.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Error("outbox drain failed", zap.Error(err))
		}
		if n >= q.cfg.Batch {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// DrainOnce claims one batch and dispatches it. It returns the number of ids
// claimed.
func (q *Queue) DrainOnce(ctx context.Context) (int, error) {
	queries := q.db.Queries()
	ids, err := queries.ClaimOutbox(ctx, q.cfg.Batch, q.cfg.ClaimTTL)
	if err != nil {
		return len(ids), err
	}
	for _, id := range ids {
		o, err := queries.GetOrder(ctx, id)
		if errors.Is(err, db.ErrNotFound) || (err == nil && o.Status != db.StatusPending) {
			q.complete(id)
			continue
		}
		if err != nil {
			// Claim expires and the id is retried.
			q.log.Warn("load dispatched order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		orderID := id
		job := Job{OrderID: orderID, UserID: o.UserID, Asset: o.CoinType, Done: func(err error) {
			if err == nil {
				q.complete(orderID)
			}
		}}
		if err := q.pool.Dispatch(ctx, job); err != nil {
			return len(ids), err
		}
	}
	return len(ids), nil
}

func (q *Queue) complete(id string) {
	if err := q.db.Queries().CompleteOutbox(context.Background(), id); err != nil {
		q.log.Error("complete outbox entry", zap.String("order_id", id), zap.Error(err))
	}
}
