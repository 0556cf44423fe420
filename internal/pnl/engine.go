// Package pnl derives per-user profit and loss from the ledger and the
// price oracle.
package pnl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tradecore/pkg/db"
)

// Store is the read side of the ledger and order history.
type Store interface {
	GetPositionsByUser(ctx context.Context, userID string) ([]db.Position, error)
	RealizedPnLByUser(ctx context.Context, userID string) (map[string]decimal.Decimal, error)
	OrderStatsByUser(ctx context.Context, userID string) (db.OrderStats, error)
}

// Marks prices open positions.
type Marks interface {
	LastPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// AssetPnL is one coin's contribution.
type AssetPnL struct {
	CoinType     string          `json:"coin_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Mark         decimal.Decimal `json:"mark"`
	MarkStale    bool            `json:"mark_stale"`
	Unrealized   decimal.Decimal `json:"unrealized_pnl"`
	Realized     decimal.Decimal `json:"realized_pnl"`
}

// Summary is a user's P&L at one instant.
type Summary struct {
	UserID     string          `json:"user_id"`
	Realized   decimal.Decimal `json:"realized_pnl"`
	Unrealized decimal.Decimal `json:"unrealized_pnl"`
	Total      decimal.Decimal `json:"total_pnl"`
	WinRate    decimal.Decimal `json:"win_rate"`
	db.OrderStats
	Assets []AssetPnL `json:"assets"`
}

// Snapshot wraps a Summary with freshness so a UI can tell fresh from stale.
type Snapshot struct {
	IsLoading            bool      `json:"is_loading"`
	LastUpdated          time.Time `json:"last_updated"`
	DataStalenessSeconds float64   `json:"data_staleness_seconds"`
	Data                 *Summary  `json:"data"`
}

type entry struct {
	summary *Summary
	at      time.Time
}

// Engine caches summaries per user for TTL and collapses concurrent
// recomputation of the same user.
type Engine struct {
	store Store
	marks Marks
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]entry
}

// NewEngine builds an engine. ttl <= 0 defaults to 5s.
func NewEngine(store Store, marks Marks, ttl time.Duration, log *zap.Logger) *Engine {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store: store,
		marks: marks,
		ttl:   ttl,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		cache: make(map[string]entry),
	}
}

// Get returns the user's snapshot. A fresh cached value is served directly;
// an expired one is served with is_loading set while a refresh runs.
func (e *Engine) Get(ctx context.Context, userID string) (Snapshot, error) {
	e.mu.RLock()
	cached, ok := e.cache[userID]
	e.mu.RUnlock()

	now := e.now()
	if ok && now.Sub(cached.at) < e.ttl {
		return e.snapshot(cached, now, false), nil
	}
	if ok {
		e.group.DoChan(userID, func() (any, error) {
			return e.refresh(context.WithoutCancel(ctx), userID)
		})
		return e.snapshot(cached, now, true), nil
	}

	v, err, _ := e.group.Do(userID, func() (any, error) {
		return e.refresh(ctx, userID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(v.(entry), e.now(), false), nil
}

// Invalidate drops a user's cached summary, e.g. after a fill.
func (e *Engine) Invalidate(userID string) {
	e.mu.Lock()
	delete(e.cache, userID)
	e.mu.Unlock()
}

func (e *Engine) snapshot(en entry, now time.Time, loading bool) Snapshot {
	return Snapshot{
		IsLoading:            loading,
		LastUpdated:          en.at,
		DataStalenessSeconds: now.Sub(en.at).Seconds(),
		Data:                 en.summary,
	}
}

func (e *Engine) refresh(ctx context.Context, userID string) (entry, error) {
	s, err := e.Compute(ctx, userID)
	if err != nil {
		e.log.Warn("pnl refresh failed", zap.String("user_id", userID), zap.Error(err))
		return entry{}, err
	}
	en := entry{summary: s, at: e.now()}
	e.mu.Lock()
	e.cache[userID] = en
	e.mu.Unlock()
	return en, nil
}

// Compute builds a summary without caching. Positions without a fresh mark
// contribute zero unrealized P&L.
func (e *Engine) Compute(ctx context.Context, userID string) (*Summary, error) {
	positions, err := e.store.GetPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	realized, err := e.store.RealizedPnLByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := e.store.OrderStatsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	s := &Summary{UserID: userID, OrderStats: stats, Realized: decimal.Zero, Unrealized: decimal.Zero}
	byCoin := make(map[string]*AssetPnL)
	for _, p := range positions {
		a := &AssetPnL{
			CoinType:     p.CoinType,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			Mark:         p.AveragePrice,
			Realized:     decimal.Zero,
		}
		if last, err := e.marks.LastPrice(ctx, p.CoinType); err == nil && last.IsPositive() {
			a.Mark = last
		} else {
			a.MarkStale = true
		}
		a.Unrealized = p.Quantity.Mul(a.Mark.Sub(p.AveragePrice)).Round(2)
		s.Unrealized = s.Unrealized.Add(a.Unrealized)
		byCoin[p.CoinType] = a
	}
	for coin, amount := range realized {
		a, ok := byCoin[coin]
		if !ok {
			a = &AssetPnL{CoinType: coin, Realized: decimal.Zero}
			byCoin[coin] = a
		}
		a.Realized = amount
		s.Realized = s.Realized.Add(amount)
	}
	s.Total = s.Realized.Add(s.Unrealized)
	if stats.Sells > 0 {
		s.WinRate = decimal.NewFromInt(int64(stats.Wins)).DivRound(decimal.NewFromInt(int64(stats.Sells)), 4)
	}

	s.Assets = make([]AssetPnL, 0, len(byCoin))
	for _, a := range byCoin {
		s.Assets = append(s.Assets, *a)
	}
	sort.Slice(s.Assets, func(i, j int) bool { return s.Assets[i].CoinType < s.Assets[j].CoinType })
	return s, nil
}
