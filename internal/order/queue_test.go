package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/db"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recordingDispatcher) Dispatch(_ context.Context, j Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func TestSubmitValidates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []Request{
		{UserID: "u1", CoinType: "BTC", Side: "hold", OrderType: "market", Quantity: dec("1")},
		{UserID: "u1", CoinType: "BTC", Side: "buy", OrderType: "stop", Quantity: dec("1")},
		{UserID: "u1", CoinType: "BTC", Side: "buy", OrderType: "market", Quantity: dec("0")},
		{UserID: "u1", CoinType: "BTC", Side: "buy", OrderType: "limit", Quantity: dec("1")},
		{UserID: "u1", CoinType: "BTC/USD", Side: "buy", OrderType: "market", Quantity: dec("1")},
	}
	for _, r := range cases {
		_, err := h.queue.Submit(ctx, r)
		assert.ErrorIs(t, err, ErrInvalidOrder, "%+v", r)
	}

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestSubmitPersistsPendingWithOutboxEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o := h.submit(t, Request{CoinType: "eth", Side: "sell", OrderType: "limit", Quantity: dec("0.5"),
		Price: decimal.NewNullDecimal(dec("3100"))})
	assert.Equal(t, "ETH", o.CoinType)
	assert.Equal(t, db.StatusPending, o.Status)
	assert.NotEmpty(t, o.ID)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSubmitAfterCloseIsRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.Close()
	_, err := h.queue.Submit(context.Background(), Request{UserID: "u1", CoinType: "BTC", Side: "buy", OrderType: "market", Quantity: dec("1")})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestDrainCompletesOnlyOnSuccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rec := &recordingDispatcher{}
	h.queue = NewQueue(h.db, rec, QueueConfig{ClaimTTL: time.Minute}, nil)

	a := h.submit(t, Request{CoinType: "BTC", Side: "buy", OrderType: "market", Quantity: dec("0.01")})
	b := h.submit(t, Request{CoinType: "ETH", Side: "buy", OrderType: "market", Quantity: dec("0.01")})

	n, err := h.queue.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, rec.jobs, 2)

	// Claimed ids are not redelivered while the claim is live.
	n, err = h.queue.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, j := range rec.jobs {
		switch j.OrderID {
		case a.ID:
			assert.Equal(t, "BTC", j.Asset)
			j.Done(nil)
		case b.ID:
			j.Done(errors.New("exchange down"))
		}
	}

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// After a restart the failed id comes back.
	_, err = h.queue.Recover(ctx)
	require.NoError(t, err)
	rec.jobs = nil
	n, err = h.queue.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.jobs, 1)
	assert.Equal(t, b.ID, rec.jobs[0].OrderID)
}

func TestDrainSkipsNonPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rec := &recordingDispatcher{}
	h.queue = NewQueue(h.db, rec, QueueConfig{}, nil)

	o := h.submit(t, Request{CoinType: "BTC", Side: "buy", OrderType: "market", Quantity: dec("0.01")})
	_, err := h.exec.Cancel(ctx, "u1", o.ID)
	require.NoError(t, err)

	n, err := h.queue.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, rec.jobs)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestQueueEndToEndThroughPool(t *testing.T) {
	h := newHarness(t, nil)
	h.price(t, "BTC", "50000")
	pool := NewAsyncExecutor(h.exec, 2, 4, 4, nil)
	h.queue = NewQueue(h.db, pool, QueueConfig{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.queue.Run(ctx)

	o := h.submit(t, Request{CoinType: "BTC", Side: "buy", OrderType: "market", Quantity: dec("0.01")})
	require.Eventually(t, func() bool {
		got, err := h.db.Queries().GetOrder(context.Background(), o.ID)
		return err == nil && got.Status == db.StatusFilled
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		d, err := h.queue.Depth(context.Background())
		return err == nil && d == 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, pool.Shutdown(context.Background()))
}
