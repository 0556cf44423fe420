package order

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stripes is the number of serial lanes. Work for one (user, asset) always
// lands on the same lane, so fills for a pair apply in submission order.
const Stripes = 64

// Processor handles one order id.
type Processor interface {
	Process(ctx context.Context, id string) error
}

// Job is one dispatched order.
type Job struct {
	OrderID string
	UserID  string
	Asset   string
	// Done runs after processing with the processing error, if any.
	Done func(err error)
}

// ExecutionResult represents the outcome of an order execution.
type ExecutionResult struct {
	OrderID   string        `json:"order_id"`
	Success   bool          `json:"success"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// AsyncExecutor runs jobs on striped lanes bounded by a per-user and a
// global concurrency limit.
type AsyncExecutor struct {
	proc    Processor
	lanes   [Stripes]chan Job
	global  chan struct{}
	perUser int
	log     *zap.Logger

	usersMu sync.Mutex
	users   map[string]*userSlot

	resultCh chan ExecutionResult

	workCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closed     atomic.Bool
	intakeMu   sync.RWMutex // held shared while sending to a lane
	inFlight   atomic.Int64
}

type userSlot struct {
	sem  chan struct{}
	refs int
}

// NewAsyncExecutor starts the lanes. perUser and global bound concurrent
// Process calls; laneDepth bounds queued jobs per lane.
func NewAsyncExecutor(proc Processor, perUser, global, laneDepth int, log *zap.Logger) *AsyncExecutor {
	if perUser <= 0 {
		perUser = 4
	}
	if global <= 0 {
		global = 32
	}
	if laneDepth <= 0 {
		laneDepth = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &AsyncExecutor{
		proc:     proc,
		global:   make(chan struct{}, global),
		perUser:  perUser,
		log:      log,
		users:    make(map[string]*userSlot),
		resultCh: make(chan ExecutionResult, 100),
	}
	a.workCtx, a.cancelWork = context.WithCancel(context.Background())
	for i := range a.lanes {
		a.lanes[i] = make(chan Job, laneDepth)
		a.wg.Add(1)
		go a.runLane(a.lanes[i])
	}
	return a
}

func laneFor(userID, asset string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(asset))
	return int(h.Sum32() % Stripes)
}

// Dispatch queues j on its lane, blocking while the lane is full.
func (a *AsyncExecutor) Dispatch(ctx context.Context, j Job) error {
	a.intakeMu.RLock()
	defer a.intakeMu.RUnlock()
	if a.closed.Load() {
		return ErrShuttingDown
	}
	select {
	case a.lanes[laneFor(j.UserID, j.Asset)] <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncExecutor) runLane(ch chan Job) {
	defer a.wg.Done()
	for j := range ch {
		if a.closed.Load() {
			// Unstarted work stays pending in the outbox for the next start.
			continue
		}
		a.run(j)
	}
}

func (a *AsyncExecutor) acquireUser(userID string) *userSlot {
	a.usersMu.Lock()
	s, ok := a.users[userID]
	if !ok {
		s = &userSlot{sem: make(chan struct{}, a.perUser)}
		a.users[userID] = s
	}
	s.refs++
	a.usersMu.Unlock()
	return s
}

func (a *AsyncExecutor) releaseUser(userID string, s *userSlot) {
	a.usersMu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(a.users, userID)
	}
	a.usersMu.Unlock()
}

func (a *AsyncExecutor) run(j Job) {
	slot := a.acquireUser(j.UserID)
	defer a.releaseUser(j.UserID, slot)

	// User slot before global slot, always in this order.
	select {
	case slot.sem <- struct{}{}:
	case <-a.workCtx.Done():
		return
	}
	defer func() { <-slot.sem }()
	select {
	case a.global <- struct{}{}:
	case <-a.workCtx.Done():
		return
	}
	defer func() { <-a.global }()

	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)

	start := time.Now()
	err := a.proc.Process(a.workCtx, j.OrderID)
	result := ExecutionResult{
		OrderID:   j.OrderID,
		Success:   err == nil,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.ErrorMsg = err.Error()
		a.log.Warn("order processing error", zap.String("order_id", j.OrderID), zap.Duration("latency", result.Latency), zap.Error(err))
	} else {
		a.log.Debug("order processed", zap.String("order_id", j.OrderID), zap.Duration("latency", result.Latency))
	}
	if j.Done != nil {
		j.Done(err)
	}

	select {
	case a.resultCh <- result:
	default:
	}
}

// Results returns recent execution results; full buffers drop new results.
func (a *AsyncExecutor) Results() <-chan ExecutionResult {
	return a.resultCh
}

// InFlight returns the number of orders currently being processed.
func (a *AsyncExecutor) InFlight() int {
	return int(a.inFlight.Load())
}

// Queued returns the number of jobs waiting on lanes.
func (a *AsyncExecutor) Queued() int {
	n := 0
	for _, ch := range a.lanes {
		n += len(ch)
	}
	return n
}

// Shutdown stops intake and waits for in-flight work until ctx ends, then
// cancels remaining work and waits for lanes to exit.
func (a *AsyncExecutor) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() {
		// Lanes skip queued jobs once closed is set, which unblocks any
		// Dispatch still holding the intake lock.
		a.closed.Store(true)
		a.intakeMu.Lock()
		for _, ch := range a.lanes {
			close(ch)
		}
		a.intakeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancelWork()
		return nil
	case <-ctx.Done():
		a.log.Warn("grace period elapsed, cancelling in-flight orders", zap.Int("in_flight", a.InFlight()))
		a.cancelWork()
		<-done
		return ctx.Err()
	}
}
