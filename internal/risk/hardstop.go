// Package risk watches aggregate equity and trips the kill switch on a
// drawdown past the configured limit.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/safety"
	"tradecore/pkg/db"
)

// Actor recorded on flags and audit rows written by the watcher.
const Actor = "hard_stop"

// Safety is the registry surface the watcher drives.
type Safety interface {
	IsStopped(ctx context.Context) bool
	Activate(ctx context.Context, actor, reason string) (safety.Flag, error)
	BaselineEquity(ctx context.Context) (decimal.Decimal, bool, error)
	SetBaselineIfUnset(ctx context.Context, v decimal.Decimal) (bool, error)
	Audit(ctx context.Context, action, actor, severity string, details map[string]any) error
}

// Positions lists every open position across users.
type Positions interface {
	ListAllPositions(ctx context.Context) ([]db.Position, error)
}

// Marks prices positions; an error means no fresh quote.
type Marks interface {
	LastPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Observer receives equity readings and trips.
type Observer interface {
	Equity(equity, baseline decimal.Decimal)
	HardStopTrip()
}

// Notifier delivers a trip to an external hook.
type Notifier interface {
	Notify(ctx context.Context, t Trip) error
}

// Config controls the watcher.
type Config struct {
	CheckInterval    time.Duration
	DrawdownLimitPct decimal.Decimal // trip when equity < baseline * pct
}

// Trip describes one hard-stop activation.
type Trip struct {
	Equity      decimal.Decimal `json:"equity"`
	Baseline    decimal.Decimal `json:"baseline"`
	Threshold   decimal.Decimal `json:"threshold"`
	StalePrices int             `json:"stale_prices"`
	Time        time.Time       `json:"time"`
}

// TickResult reports what one check did.
type TickResult struct {
	Skipped     bool
	BaselineSet bool
	Tripped     bool
	Equity      decimal.Decimal
	Baseline    decimal.Decimal
	Threshold   decimal.Decimal
	StalePrices int
}

// Watcher is the single periodic hard-stop task.
type Watcher struct {
	safety    Safety
	positions Positions
	marks     Marks
	notifier  Notifier
	obs       Observer
	cfg       Config
	log       *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	last TickResult
}

// NewWatcher builds a watcher. notifier may be nil.
func NewWatcher(s Safety, positions Positions, marks Marks, notifier Notifier, cfg Config, log *zap.Logger) *Watcher {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if !cfg.DrawdownLimitPct.IsPositive() {
		cfg.DrawdownLimitPct = decimal.RequireFromString("0.95")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		safety:    s,
		positions: positions,
		marks:     marks,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver installs a metrics sink.
func (w *Watcher) SetObserver(o Observer) { w.obs = o }

// Last returns the most recent tick result.
func (w *Watcher) Last() TickResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Run ticks every CheckInterval until ctx ends. Tick errors are logged and
// never stop the loop.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Info("hard-stop watcher started",
		zap.Duration("interval", w.cfg.CheckInterval),
		zap.String("drawdown_limit_pct", w.cfg.DrawdownLimitPct.String()))
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("hard-stop tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one check.
func (w *Watcher) Tick(ctx context.Context) (TickResult, error) {
	res, err := w.tick(ctx)
	if err == nil {
		w.mu.Lock()
		w.last = res
		w.mu.Unlock()
	}
	return res, err
}

func (w *Watcher) tick(ctx context.Context) (TickResult, error) {
	if w.safety.IsStopped(ctx) {
		return TickResult{Skipped: true}, nil
	}

	equity, stale, err := w.Equity(ctx)
	if err != nil {
		return TickResult{}, err
	}
	res := TickResult{Equity: equity, StalePrices: stale}

	baseline, ok, err := w.safety.BaselineEquity(ctx)
	if err != nil {
		return res, fmt.Errorf("read baseline: %w", err)
	}
	if !ok {
		if !equity.IsPositive() {
			return res, nil
		}
		set, err := w.safety.SetBaselineIfUnset(ctx, equity)
		if err != nil {
			return res, fmt.Errorf("set baseline: %w", err)
		}
		if set {
			res.BaselineSet = true
			res.Baseline = equity
			w.log.Info("baseline equity set", zap.String("baseline", equity.String()))
			if err := w.safety.Audit(ctx, safety.ActionBaselineSet, Actor, db.SeverityInfo, map[string]any{
				"baseline": equity.String(),
			}); err != nil {
				w.log.Error("audit baseline", zap.Error(err))
			}
			w.observe(equity, equity)
			return res, nil
		}
		// Another process set it first.
		if baseline, ok, err = w.safety.BaselineEquity(ctx); err != nil || !ok {
			return res, err
		}
	}

	res.Baseline = baseline
	res.Threshold = baseline.Mul(w.cfg.DrawdownLimitPct)
	w.observe(equity, baseline)
	if !equity.LessThan(res.Threshold) {
		return res, nil
	}

	res.Tripped = true
	return res, w.trip(ctx, res)
}

func (w *Watcher) observe(equity, baseline decimal.Decimal) {
	if w.obs != nil {
		w.obs.Equity(equity, baseline)
	}
}

func (w *Watcher) trip(ctx context.Context, res TickResult) error {
	t := Trip{
		Equity:      res.Equity,
		Baseline:    res.Baseline,
		Threshold:   res.Threshold,
		StalePrices: res.StalePrices,
		Time:        w.now(),
	}
	w.log.Error("hard stop triggered",
		zap.String("severity", db.SeverityCritical),
		zap.String("equity", t.Equity.String()),
		zap.String("baseline", t.Baseline.String()),
		zap.String("threshold", t.Threshold.String()))

	if _, err := w.safety.Activate(ctx, Actor, safety.ActionHardStopTrip); err != nil {
		return fmt.Errorf("activate kill switch: %w", err)
	}
	if w.obs != nil {
		w.obs.HardStopTrip()
	}
	auditErr := w.safety.Audit(ctx, safety.ActionHardStopTrip, Actor, db.SeverityCritical, map[string]any{
		"equity":       t.Equity.String(),
		"baseline":     t.Baseline.String(),
		"threshold":    t.Threshold.String(),
		"drawdown_pct": w.cfg.DrawdownLimitPct.String(),
		"stale_prices": t.StalePrices,
	})

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, t); err != nil {
			w.log.Warn("hard-stop webhook failed", zap.Error(err))
		}
	}
	return auditErr
}

// Equity sums qty * mark over every position. A position without a fresh
// mark is valued at its average price; stale counts those.
func (w *Watcher) Equity(ctx context.Context) (decimal.Decimal, int, error) {
	positions, err := w.positions.ListAllPositions(ctx)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("list positions: %w", err)
	}
	marks := make(map[string]decimal.Decimal)
	missing := make(map[string]bool)
	equity := decimal.Zero
	stale := 0
	for _, p := range positions {
		px, ok := marks[p.CoinType]
		if !ok && !missing[p.CoinType] {
			last, err := w.marks.LastPrice(ctx, p.CoinType)
			if err != nil || !last.IsPositive() {
				if err != nil && !errors.Is(err, context.Canceled) {
					w.log.Warn("no fresh price, valuing at average cost",
						zap.String("coin_type", p.CoinType), zap.Error(err))
				}
				missing[p.CoinType] = true
			} else {
				marks[p.CoinType] = last
				px, ok = last, true
			}
		}
		if !ok {
			px = p.AveragePrice
			stale++
		}
		equity = equity.Add(p.Quantity.Mul(px))
	}
	return equity.Round(2), stale, nil
}
