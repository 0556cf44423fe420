// Package safety owns the global emergency stop and the hard-stop baseline.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/pkg/db"
)

const (
	KeyEmergencyStop  = "safety:emergency_stop"
	KeyBaselineEquity = "safety:baseline_equity"
)

// Audit actions written by the safety layer and the hard-stop watcher.
const (
	ActionStopActivated = "EMERGENCY_STOP_ACTIVATED"
	ActionStopCleared   = "EMERGENCY_STOP_CLEARED"
	ActionHardStopTrip  = "HARD_STOP_TRIGGERED"
	ActionBaselineSet   = "HARD_STOP_BASELINE_SET"
	ActionBaselineReset = "HARD_STOP_BASELINE_RESET"
)

// Flag is the emergency-stop record.
type Flag struct {
	Active bool      `json:"active"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// AuditLog appends durable audit rows.
type AuditLog interface {
	AppendAudit(ctx context.Context, e *db.AuditEvent) error
}

// Registry is the process handle on the kill switch. IsStopped is served
// from a cache at most cacheTTL old; writes through this Registry refresh it.
type Registry struct {
	store    Store
	audit    AuditLog
	log      *zap.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    Flag
	cachedAt  time.Time
	haveCache bool
	listeners []func(Flag)
}

// NewRegistry builds a registry over store.
func NewRegistry(store Store, audit AuditLog, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{store: store, audit: audit, log: log, cacheTTL: time.Second, now: time.Now}
}

// OnChange registers fn to run after every Activate or Clear.
func (r *Registry) OnChange(fn func(Flag)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) read(ctx context.Context) (Flag, error) {
	raw, ok, err := r.store.Get(ctx, KeyEmergencyStop)
	if err != nil {
		return Flag{}, err
	}
	if !ok {
		return Flag{}, nil
	}
	var f Flag
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Flag{}, fmt.Errorf("decode %s: %w", KeyEmergencyStop, err)
	}
	return f, nil
}

// IsStopped reports whether trading is halted. A store failure counts as
// stopped.
func (r *Registry) IsStopped(ctx context.Context) bool {
	r.mu.Lock()
	if r.haveCache && r.now().Sub(r.cachedAt) < r.cacheTTL {
		active := r.cached.Active
		r.mu.Unlock()
		return active
	}
	r.mu.Unlock()

	f, err := r.read(ctx)
	if err != nil {
		r.log.Error("safety flag unreadable, treating as stopped", zap.Error(err))
		return true
	}
	r.remember(f)
	return f.Active
}

func (r *Registry) remember(f Flag) {
	r.mu.Lock()
	r.cached = f
	r.cachedAt = r.now()
	r.haveCache = true
	r.mu.Unlock()
}

// Invalidate drops the cached flag so the next read hits the store.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.haveCache = false
	r.mu.Unlock()
}

// Status returns the flag straight from the store.
func (r *Registry) Status(ctx context.Context) (Flag, error) {
	f, err := r.read(ctx)
	if err != nil {
		return Flag{}, err
	}
	r.remember(f)
	return f, nil
}

// Activate sets the kill switch. Repeated calls are allowed; each is audited.
func (r *Registry) Activate(ctx context.Context, actor, reason string) (Flag, error) {
	return r.set(ctx, true, actor, reason, ActionStopActivated, db.SeverityCritical)
}

// Clear lifts the kill switch. Repeated calls are allowed; each is audited.
func (r *Registry) Clear(ctx context.Context, actor, reason string) (Flag, error) {
	return r.set(ctx, false, actor, reason, ActionStopCleared, db.SeverityWarning)
}

func (r *Registry) set(ctx context.Context, active bool, actor, reason, action, severity string) (Flag, error) {
	prev, err := r.read(ctx)
	if err != nil {
		r.Invalidate()
		return Flag{}, err
	}
	f := Flag{Active: active, Actor: actor, Reason: reason, Since: r.now().UTC()}
	if prev.Active == active && !prev.Since.IsZero() {
		f.Since = prev.Since
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return Flag{}, err
	}
	if err := r.store.Set(ctx, KeyEmergencyStop, string(raw)); err != nil {
		r.Invalidate()
		return Flag{}, err
	}
	r.remember(f)

	if err := r.writeAudit(ctx, action, actor, severity, map[string]any{
		"reason":     reason,
		"was_active": prev.Active,
		"now_active": active,
		"flag_since": f.Since,
		"transition": prev.Active != active,
		"store_key":  KeyEmergencyStop,
	}); err != nil {
		return f, err
	}

	if active {
		r.log.Error("emergency stop activated", zap.String("actor", actor), zap.String("reason", reason))
	} else {
		r.log.Warn("emergency stop cleared", zap.String("actor", actor), zap.String("reason", reason))
	}

	r.mu.Lock()
	listeners := append([]func(Flag){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(f)
	}
	return f, nil
}

func (r *Registry) writeAudit(ctx context.Context, action, actor, severity string, details map[string]any) error {
	if r.audit == nil {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	if err := r.audit.AppendAudit(ctx, &db.AuditEvent{Action: action, Actor: actor, Severity: severity, Details: string(raw)}); err != nil {
		return fmt.Errorf("write %s audit: %w", action, err)
	}
	return nil
}

// BaselineEquity returns the stored baseline; ok is false when unset.
func (r *Registry) BaselineEquity(ctx context.Context) (decimal.Decimal, bool, error) {
	raw, ok, err := r.store.Get(ctx, KeyBaselineEquity)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("decode %s: %w", KeyBaselineEquity, err)
	}
	return v, true, nil
}

// SetBaselineEquity overwrites the baseline.
func (r *Registry) SetBaselineEquity(ctx context.Context, v decimal.Decimal) error {
	return r.store.Set(ctx, KeyBaselineEquity, v.String())
}

// SetBaselineIfUnset stores v only when no baseline exists yet.
func (r *Registry) SetBaselineIfUnset(ctx context.Context, v decimal.Decimal) (bool, error) {
	return r.store.SetNX(ctx, KeyBaselineEquity, v.String())
}

// ResetBaseline forgets the baseline so the watcher re-arms at current equity.
func (r *Registry) ResetBaseline(ctx context.Context, actor string) error {
	if err := r.store.Delete(ctx, KeyBaselineEquity); err != nil {
		return err
	}
	return r.writeAudit(ctx, ActionBaselineReset, actor, db.SeverityWarning, map[string]any{"store_key": KeyBaselineEquity})
}

// Ping checks the backing store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Close releases the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Audit writes an arbitrary safety-related audit row.
func (r *Registry) Audit(ctx context.Context, action, actor, severity string, details map[string]any) error {
	return r.writeAudit(ctx, action, actor, severity, details)
}
