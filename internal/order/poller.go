package order

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/pkg/db"
)

// Progress is what one refresh observed.
type Progress int

const (
	Unchanged Progress = iota
	Advanced           // more fill or a status change, still open
	Settled            // terminal, stop polling
)

// Refresher converges one open order against the exchange.
type Refresher interface {
	Refresh(ctx context.Context, id string) (Progress, error)
}

// Retirer cancels an order that stayed open too long.
type Retirer interface {
	Retire(ctx context.Context, id string) error
}

// PollerConfig sets the fill-poll cadence.
type PollerConfig struct {
	Initial time.Duration // first poll delay, reset after progress
	Max     time.Duration // backoff ceiling
	MaxOpen time.Duration // retire orders open longer than this; 0 disables
	Tick    time.Duration // scheduler resolution
}

func (c *PollerConfig) defaults() {
	if c.Initial <= 0 {
		c.Initial = 2 * time.Second
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Tick <= 0 {
		c.Tick = 250 * time.Millisecond
	}
}

type tracked struct {
	id       string
	userID   string
	since    time.Time
	next     time.Time
	interval time.Duration
}

// Poller follows submitted orders with exponential backoff until they
// reach a terminal state.
type Poller struct {
	exec   Refresher
	retire Retirer
	cfg    PollerConfig
	log    *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*tracked
}

// NewPoller builds a poller around exec. retire may be nil.
func NewPoller(exec Refresher, retire Retirer, cfg PollerConfig, log *zap.Logger) *Poller {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		exec:   exec,
		retire: retire,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		orders: make(map[string]*tracked),
	}
}

// Track starts following o. Tracking an id twice keeps the first schedule.
func (p *Poller) Track(o db.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[o.ID]; ok {
		return
	}
	since := p.now()
	if o.SubmittedAt != nil {
		since = *o.SubmittedAt
	}
	p.orders[o.ID] = &tracked{
		id:       o.ID,
		userID:   o.UserID,
		since:    since,
		next:     p.now().Add(p.cfg.Initial),
		interval: p.cfg.Initial,
	}
}

// Tracked returns the number of orders being followed.
func (p *Poller) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// Run polls due orders until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollDue(ctx)
		}
	}
}

func (p *Poller) due() []*tracked {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*tracked
	for _, t := range p.orders {
		if !now.Before(t.next) {
			out = append(out, t)
		}
	}
	return out
}

// PollDue refreshes every order whose next poll time has passed.
func (p *Poller) PollDue(ctx context.Context) {
	for _, t := range p.due() {
		if ctx.Err() != nil {
			return
		}
		p.pollOne(ctx, t)
	}
}

func (p *Poller) pollOne(ctx context.Context, t *tracked) {
	log := p.log.With(zap.String("order_id", t.id), zap.String("user_id", t.userID))

	if p.retire != nil && p.cfg.MaxOpen > 0 && p.now().Sub(t.since) > p.cfg.MaxOpen {
		if err := p.retire.Retire(ctx, t.id); err != nil {
			log.Warn("retire open order", zap.Error(err))
			p.reschedule(t, false)
			return
		}
		log.Info("retired long-open order", zap.Duration("open_for", p.now().Sub(t.since)))
		p.forget(t.id)
		return
	}

	progress, err := p.exec.Refresh(ctx, t.id)
	if progress == Settled {
		p.forget(t.id)
		return
	}
	if err != nil {
		log.Warn("poll order", zap.Error(err))
	}
	p.reschedule(t, progress == Advanced)
}

func (p *Poller) forget(id string) {
	p.mu.Lock()
	delete(p.orders, id)
	p.mu.Unlock()
}

// reschedule doubles the interval unless the order made progress.
func (p *Poller) reschedule(t *tracked, progressed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if progressed {
		t.interval = p.cfg.Initial
	} else {
		t.interval *= 2
		if t.interval > p.cfg.Max {
			t.interval = p.cfg.Max
		}
	}
	t.next = p.now().Add(t.interval)
}
