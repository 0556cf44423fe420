// Package pricing serves the latest observed price per asset.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/cache"
	"tradecore/pkg/db"
)

// ErrStale means no snapshot exists inside the freshness window.
var ErrStale = errors.New("price stale")

// Quote is a point-in-time price for one asset.
type Quote struct {
	Asset string          `json:"asset"`
	Bid   decimal.Decimal `json:"bid"`
	Ask   decimal.Decimal `json:"ask"`
	Last  decimal.Decimal `json:"last"`
	TS    time.Time       `json:"ts"`
}

// Oracle reads price_snapshots through a short-lived lock-free cache.
type Oracle struct {
	q         *db.Queries
	cache     *cache.Sharded[Quote]
	freshness time.Duration
	cacheTTL  time.Duration
	now       func() time.Time
}

// NewOracle builds an oracle. freshness bounds how old a usable quote may be.
func NewOracle(q *db.Queries, freshness time.Duration) *Oracle {
	if freshness <= 0 {
		freshness = 10 * time.Minute
	}
	return &Oracle{
		q:         q,
		cache:     cache.NewSharded[Quote](),
		freshness: freshness,
		cacheTTL:  time.Second,
		now:       time.Now,
	}
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Latest returns the newest fresh quote for asset or ErrStale.
func (o *Oracle) Latest(ctx context.Context, asset string) (Quote, error) {
	asset = normalize(asset)
	now := o.now()
	if q, age, ok := o.cache.Get(asset); ok && age < o.cacheTTL && now.Sub(q.TS) <= o.freshness {
		return q, nil
	}

	snap, err := o.q.LatestPrice(ctx, asset, now.Add(-o.freshness))
	if errors.Is(err, db.ErrNotFound) {
		o.cache.Delete(asset)
		return Quote{}, fmt.Errorf("%s: %w", asset, ErrStale)
	}
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Asset: asset, Bid: snap.Bid, Ask: snap.Ask, Last: snap.Last, TS: snap.TS}
	o.cache.Set(asset, q)
	return q, nil
}

// LatestMany returns fresh quotes for the assets that have one. Stale assets
// are absent from the map; only storage failures are returned as errors.
func (o *Oracle) LatestMany(ctx context.Context, assets []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(assets))
	for _, a := range assets {
		q, err := o.Latest(ctx, a)
		if errors.Is(err, ErrStale) {
			continue
		}
		if err != nil {
			return out, err
		}
		out[q.Asset] = q
	}
	return out, nil
}

// LastPrice adapts Latest to the paper venue's price source.
func (o *Oracle) LastPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	q, err := o.Latest(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Last, nil
}

// Record stores a new observation and refreshes the cache.
func (o *Oracle) Record(ctx context.Context, q Quote) error {
	q.Asset = normalize(q.Asset)
	if q.TS.IsZero() {
		q.TS = o.now()
	}
	if q.Bid.IsZero() {
		q.Bid = q.Last
	}
	if q.Ask.IsZero() {
		q.Ask = q.Last
	}
	if err := o.q.InsertPrice(ctx, db.PriceSnapshot{CoinType: q.Asset, TS: q.TS, Bid: q.Bid, Ask: q.Ask, Last: q.Last}); err != nil {
		return err
	}
	o.cache.Set(q.Asset, q)
	return nil
}

// Freshness is the configured staleness window.
func (o *Oracle) Freshness() time.Duration { return o.freshness }

// Prune deletes snapshots older than keep. keep is floored at the freshness
// window so a usable quote is never removed.
func (o *Oracle) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	if keep < o.freshness {
		keep = o.freshness
	}
	return o.q.PrunePrices(ctx, o.now().Add(-keep))
}
