// Package ledger maintains per-user spot positions with weighted-average cost.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

var (
	ErrOversell    = errors.New("oversell")
	ErrInvalidFill = errors.New("invalid fill")
)

// Precisions for persisted position values.
const (
	QuantityPlaces = 10
	PricePlaces    = 8
	CostPlaces     = 2
)

// Fill is one execution against a position.
type Fill struct {
	UserID string
	Asset  string
	Side   common.Side
	Qty    decimal.Decimal
	Price  decimal.Decimal
}

// Result is the position after a fill. Closed means the row was deleted and
// Position holds the zero-quantity remainder for event publication.
type Result struct {
	Position db.Position
	Closed   bool
	Realized decimal.Decimal
}

// Ledger applies fills through a database.
type Ledger struct {
	db *db.Database
}

func New(database *db.Database) *Ledger {
	return &Ledger{db: database}
}

// ApplyFill applies f in its own transaction.
func (l *Ledger) ApplyFill(ctx context.Context, f Fill) (Result, error) {
	var res Result
	err := l.db.WithTx(ctx, func(q *db.Queries) error {
		var err error
		res, err = Apply(ctx, q, f)
		return err
	})
	return res, err
}

// CheckSell returns ErrOversell when qty exceeds what the user holds of asset
// less the unfilled remainder of their resting sells.
func CheckSell(ctx context.Context, q *db.Queries, userID, asset string, qty decimal.Decimal) error {
	asset = strings.ToUpper(asset)
	held := decimal.Zero
	p, err := q.GetPosition(ctx, userID, asset)
	switch {
	case err == nil:
		held = p.Quantity
	case errors.Is(err, db.ErrNotFound):
	default:
		return err
	}
	open, err := q.ListOpenSellsByAsset(ctx, userID, asset)
	if err != nil {
		return err
	}
	committed := decimal.Zero
	for _, o := range open {
		committed = committed.Add(o.Remaining())
	}
	if avail := held.Sub(committed); qty.GreaterThan(avail) {
		return fmt.Errorf("%w: sell %s %s, holding %s with %s committed to open sells", ErrOversell, qty, asset, held, committed)
	}
	return nil
}

// Apply updates (or deletes) the position for f using q, which is expected to
// be transaction scoped so the caller can commit the order transition with it.
func Apply(ctx context.Context, q *db.Queries, f Fill) (Result, error) {
	if !f.Qty.IsPositive() || f.Price.IsNegative() {
		return Result{}, fmt.Errorf("%w: qty=%s price=%s", ErrInvalidFill, f.Qty, f.Price)
	}
	asset := strings.ToUpper(f.Asset)

	cur, err := q.GetPosition(ctx, f.UserID, asset)
	if errors.Is(err, db.ErrNotFound) {
		cur = &db.Position{UserID: f.UserID, CoinType: asset}
	} else if err != nil {
		return Result{}, err
	}
	oldQty, oldAvg := cur.Quantity, cur.AveragePrice

	switch f.Side {
	case common.SideBuy:
		newQty := oldQty.Add(f.Qty).Round(QuantityPlaces)
		newAvg := oldQty.Mul(oldAvg).Add(f.Qty.Mul(f.Price)).DivRound(newQty, PricePlaces+4).Round(PricePlaces)
		cur.Quantity = newQty
		cur.AveragePrice = newAvg
		cur.TotalCost = newQty.Mul(newAvg).Round(CostPlaces)
		if err := q.UpsertPosition(ctx, cur); err != nil {
			return Result{}, err
		}
		return Result{Position: *cur, Realized: decimal.Zero}, nil

	case common.SideSell:
		if f.Qty.GreaterThan(oldQty) {
			return Result{}, fmt.Errorf("%w: sell %s %s, holding %s", ErrOversell, f.Qty, asset, oldQty)
		}
		realized := f.Price.Sub(oldAvg).Mul(f.Qty)
		newQty := oldQty.Sub(f.Qty).Round(QuantityPlaces)
		if err := q.AddRealizedPnL(ctx, f.UserID, asset, realized); err != nil {
			return Result{}, err
		}
		cur.Quantity = newQty
		cur.TotalCost = newQty.Mul(oldAvg).Round(CostPlaces)
		if newQty.IsZero() {
			if err := q.DeletePosition(ctx, f.UserID, asset); err != nil {
				return Result{}, err
			}
			return Result{Position: *cur, Closed: true, Realized: realized}, nil
		}
		if err := q.UpsertPosition(ctx, cur); err != nil {
			return Result{}, err
		}
		return Result{Position: *cur, Realized: realized}, nil
	}
	return Result{}, fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
}
