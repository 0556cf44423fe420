package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/db"
)

type recordingAudit struct {
	events []db.AuditEvent
}

func (r *recordingAudit) AppendAudit(_ context.Context, e *db.AuditEvent) error {
	r.events = append(r.events, *e)
	return nil
}

func (r *recordingAudit) count(action string) int {
	n := 0
	for _, e := range r.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func newRedisRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *recordingAudit) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	audit := &recordingAudit{}
	reg := NewRegistry(NewRedisStore(client), audit, nil)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr, audit
}

func TestRegistryActivateAndClear(t *testing.T) {
	reg, mr, audit := newRedisRegistry(t)
	ctx := context.Background()

	assert.False(t, reg.IsStopped(ctx))

	f, err := reg.Activate(ctx, "admin-1", "maintenance")
	require.NoError(t, err)
	assert.True(t, f.Active)
	assert.True(t, reg.IsStopped(ctx))
	assert.True(t, mr.Exists(KeyEmergencyStop))

	st, err := reg.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", st.Actor)
	assert.Equal(t, "maintenance", st.Reason)

	_, err = reg.Clear(ctx, "admin-2", "done")
	require.NoError(t, err)
	assert.False(t, reg.IsStopped(ctx))

	require.Len(t, audit.events, 2)
	assert.Equal(t, ActionStopActivated, audit.events[0].Action)
	assert.Equal(t, db.SeverityCritical, audit.events[0].Severity)
	assert.Equal(t, ActionStopCleared, audit.events[1].Action)
	assert.Equal(t, db.SeverityWarning, audit.events[1].Severity)
}

func TestRegistryRepeatedActivateIsAuditedEachTime(t *testing.T) {
	reg, _, audit := newRedisRegistry(t)
	ctx := context.Background()

	first, err := reg.Activate(ctx, "a", "one")
	require.NoError(t, err)
	second, err := reg.Activate(ctx, "b", "two")
	require.NoError(t, err)

	assert.True(t, reg.IsStopped(ctx))
	assert.Equal(t, 2, audit.count(ActionStopActivated))
	assert.Equal(t, "b", second.Actor)
	assert.True(t, first.Since.Equal(second.Since), "since should stick while already active")
}

func TestRegistrySharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := NewRegistry(NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()})), nil, nil)
	b := NewRegistry(NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()})), nil, nil)
	ctx := context.Background()

	assert.False(t, b.IsStopped(ctx))
	_, err := a.Activate(ctx, "ops", "halt")
	require.NoError(t, err)

	// b still holds a cached "not stopped" until the cache window passes.
	b.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	assert.True(t, b.IsStopped(ctx))
}

func TestRegistryFailsClosed(t *testing.T) {
	reg := NewRegistry(brokenStore{NewMemoryStore()}, nil, nil)
	assert.True(t, reg.IsStopped(context.Background()))
}

func TestRegistryOnChange(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	var seen []bool
	reg.OnChange(func(f Flag) { seen = append(seen, f.Active) })

	_, err := reg.Activate(ctx, "x", "r")
	require.NoError(t, err)
	_, err = reg.Clear(ctx, "x", "r")
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, seen)
}

func TestBaselineEquity(t *testing.T) {
	reg, _, audit := newRedisRegistry(t)
	ctx := context.Background()

	_, ok, err := reg.BaselineEquity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	set, err := reg.SetBaselineIfUnset(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, set)

	set, err = reg.SetBaselineIfUnset(ctx, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.False(t, set)

	v, ok, err := reg.BaselineEquity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(10000)))

	require.NoError(t, reg.ResetBaseline(ctx, "admin"))
	_, ok, err = reg.BaselineEquity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, audit.count(ActionBaselineReset))
}
