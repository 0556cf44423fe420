package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestQueriesRequireUserID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("GetPositionsByUser requires userID", func(t *testing.T) {
		_, err := q.GetPositionsByUser(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("ListOrdersByUser requires userID", func(t *testing.T) {
		_, err := q.ListOrdersByUser(ctx, "", 0, 100)
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("InsertOrder requires userID", func(t *testing.T) {
		err := q.InsertOrder(ctx, &Order{CoinType: "BTC", Side: "buy", OrderType: "market"})
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetCredential requires userID", func(t *testing.T) {
		_, err := q.GetCredential(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestQueriesDataIsolation(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	userA := "user-a-123"
	userB := "user-b-456"

	orderA := &Order{ID: "order-a-1", UserID: userA, CoinType: "BTC", Side: "buy", OrderType: "market", Quantity: decimal.RequireFromString("0.1")}
	orderB := &Order{ID: "order-b-1", UserID: userB, CoinType: "ETH", Side: "sell", OrderType: "limit",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewNullDecimal(decimal.NewFromInt(3000))}

	if err := q.InsertOrder(ctx, orderA); err != nil {
		t.Fatalf("Failed to create order A: %v", err)
	}
	if err := q.InsertOrder(ctx, orderB); err != nil {
		t.Fatalf("Failed to create order B: %v", err)
	}

	t.Run("User A sees only their orders", func(t *testing.T) {
		orders, err := q.ListOrdersByUser(ctx, userA, 0, 100)
		if err != nil {
			t.Fatalf("Failed to get orders: %v", err)
		}
		if len(orders) != 1 || orders[0].ID != "order-a-1" {
			t.Fatalf("expected [order-a-1], got %+v", orders)
		}
		if orders[0].Status != StatusPending {
			t.Errorf("expected pending, got %s", orders[0].Status)
		}
		if orders[0].Price.Valid {
			t.Errorf("market order should have no price")
		}
	})

	t.Run("User A cannot load User B order", func(t *testing.T) {
		_, err := q.GetOrderForUser(ctx, userA, "order-b-1")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Limit price round-trips exactly", func(t *testing.T) {
		o, err := q.GetOrderForUser(ctx, userB, "order-b-1")
		if err != nil {
			t.Fatalf("Failed to get order: %v", err)
		}
		if !o.Price.Valid || !o.Price.Decimal.Equal(decimal.NewFromInt(3000)) {
			t.Errorf("expected price 3000, got %v", o.Price)
		}
	})
}

func TestListOrdersNewestFirstWithPaging(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"o1", "o2", "o3"} {
		o := &Order{ID: id, UserID: "u1", CoinType: "BTC", Side: "buy", OrderType: "market",
			Quantity: decimal.NewFromInt(1), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := q.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	orders, err := q.ListOrdersByUser(ctx, "u1", 1, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "o2" {
		t.Fatalf("expected [o2], got %+v", orders)
	}
}

func TestUpdateOrderCompareAndSwap(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	o := &Order{ID: "cas-1", UserID: "u1", CoinType: "BTC", Side: "buy", OrderType: "market", Quantity: decimal.NewFromInt(1)}
	if err := q.InsertOrder(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := q.ClaimPendingOrder(ctx, o.ID)
	if err != nil || !ok {
		t.Fatalf("first claim should win: ok=%v err=%v", ok, err)
	}
	ok, err = q.ClaimPendingOrder(ctx, o.ID)
	if err != nil || ok {
		t.Fatalf("second claim should lose: ok=%v err=%v", ok, err)
	}

	o.Status = StatusFailed
	o.ErrorMessage = "boom"
	if err := q.UpdateOrder(ctx, o, StatusPending); err != nil {
		t.Fatalf("update: %v", err)
	}

	o.Status = StatusCancelled
	if err := q.UpdateOrder(ctx, o, StatusPending); !errors.Is(err, ErrStatusChanged) {
		t.Fatalf("expected ErrStatusChanged, got %v", err)
	}
	if err := q.UpdateOrder(ctx, o, StatusFailed); !errors.Is(err, ErrStatusChanged) {
		t.Fatalf("terminal source must be refused, got %v", err)
	}

	got, err := q.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "boom" {
		t.Errorf("unexpected stored order: %+v", got)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := database.WithTx(ctx, func(q *Queries) error {
		if err := q.UpsertPosition(ctx, &Position{UserID: "u1", CoinType: "BTC",
			Quantity: decimal.NewFromInt(1), AveragePrice: decimal.NewFromInt(10), TotalCost: decimal.NewFromInt(10)}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	if _, err := database.Queries().GetPosition(ctx, "u1", "BTC"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("position should not exist after rollback, got %v", err)
	}
}

func TestRealizedPnLAccumulates(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	for _, v := range []string{"12.5", "-2.25", "0.75"} {
		if err := q.AddRealizedPnL(ctx, "u1", "ETH", decimal.RequireFromString(v)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	got, err := q.RealizedPnLByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got["ETH"].Equal(decimal.RequireFromString("11")) {
		t.Errorf("expected 11, got %s", got["ETH"])
	}
}

func TestLatestPriceRespectsWindow(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	now := time.Now()

	old := PriceSnapshot{CoinType: "BTC", TS: now.Add(-20 * time.Minute), Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1), Last: decimal.NewFromInt(1)}
	fresh := PriceSnapshot{CoinType: "BTC", TS: now.Add(-time.Minute), Bid: decimal.NewFromInt(49990), Ask: decimal.NewFromInt(50010), Last: decimal.NewFromInt(50000)}
	for _, p := range []PriceSnapshot{old, fresh} {
		if err := q.InsertPrice(ctx, p); err != nil {
			t.Fatalf("insert price: %v", err)
		}
	}

	p, err := q.LatestPrice(ctx, "BTC", now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !p.Last.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected 50000, got %s", p.Last)
	}

	if _, err := q.LatestPrice(ctx, "BTC", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound outside window, got %v", err)
	}
}

func TestOutboxClaimAndExpiry(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.EnqueueOutbox(ctx, id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ids, err := q.ClaimOutbox(ctx, 2, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected [a b], got %v", ids)
	}

	ids, err = q.ClaimOutbox(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("expected [c], got %v", ids)
	}

	if err := q.CompleteOutbox(ctx, "a"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	n, err := q.ReleaseAllOutboxClaims(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 released, got %d err=%v", n, err)
	}
	depth, _ := q.OutboxDepth(ctx)
	if depth != 2 {
		t.Errorf("expected depth 2, got %d", depth)
	}
}
