package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradecore/pkg/db"
)

type scriptedRefresher struct {
	replies []Progress
	calls   int
	retired []string
}

func (s *scriptedRefresher) Refresh(context.Context, string) (Progress, error) {
	s.calls++
	if len(s.replies) == 0 {
		return Unchanged, nil
	}
	p := s.replies[0]
	s.replies = s.replies[1:]
	return p, nil
}

func (s *scriptedRefresher) Retire(_ context.Context, id string) error {
	s.retired = append(s.retired, id)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestPollerBacksOffUntilSettled(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ref := &scriptedRefresher{replies: []Progress{Unchanged, Unchanged, Advanced, Settled}}
	p := NewPoller(ref, nil, PollerConfig{Initial: time.Second, Max: 3 * time.Second}, nil)
	p.now = clock.now
	ctx := context.Background()

	p.Track(db.Order{ID: "o1", UserID: "u1"})
	p.Track(db.Order{ID: "o1", UserID: "u1"})
	assert.Equal(t, 1, p.Tracked())

	p.PollDue(ctx)
	assert.Equal(t, 0, ref.calls, "not due yet")

	clock.advance(time.Second)
	p.PollDue(ctx) // Unchanged, next in 2s
	assert.Equal(t, 1, ref.calls)

	clock.advance(time.Second)
	p.PollDue(ctx)
	assert.Equal(t, 1, ref.calls)

	clock.advance(time.Second)
	p.PollDue(ctx) // Unchanged, capped at 3s
	assert.Equal(t, 2, ref.calls)

	clock.advance(3 * time.Second)
	p.PollDue(ctx) // Advanced, back to 1s
	assert.Equal(t, 3, ref.calls)

	clock.advance(time.Second)
	p.PollDue(ctx) // Settled
	assert.Equal(t, 4, ref.calls)
	assert.Equal(t, 0, p.Tracked())
}

func TestPollerRetiresLongOpenOrders(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ref := &scriptedRefresher{}
	p := NewPoller(ref, ref, PollerConfig{Initial: time.Second, MaxOpen: time.Minute}, nil)
	p.now = clock.now

	submitted := clock.t
	p.Track(db.Order{ID: "o1", UserID: "u1", SubmittedAt: &submitted})

	clock.advance(2 * time.Minute)
	p.PollDue(context.Background())

	assert.Equal(t, []string{"o1"}, ref.retired)
	assert.Equal(t, 0, ref.calls)
	assert.Equal(t, 0, p.Tracked())
}
