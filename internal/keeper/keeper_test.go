package keeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/oracle"
	"github.com/atmx/contest-engine/internal/rail"
	"github.com/atmx/contest-engine/internal/retry"
	"github.com/atmx/contest-engine/internal/store"
	"github.com/atmx/contest-engine/internal/venue"
)

const (
	admin = "admin"
	btc   = "Crypto.BTC/USD"
	eth   = "Crypto.ETH/USD"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type env struct {
	ctx    context.Context
	clock  *clock
	rail   *rail.MemoryRail
	oracle *oracle.StaticOracle
	engine *contest.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:    context.Background(),
		clock:  &clock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)},
		rail:   rail.NewMemoryRail(6),
		oracle: oracle.NewStaticOracle(),
	}
	e.engine = contest.New(store.NewMemoryStore(), e.rail, e.oracle,
		contest.WithClock(e.clock.Now),
		contest.WithLogger(zaptest.NewLogger(t)),
	)
	_, err := e.engine.Initialize(e.ctx, admin, 10, "USDC")
	require.NoError(t, err)
	return e
}

func (e *env) contest(t *testing.T, entrants ...string) *model.Contest {
	t.Helper()
	now := e.clock.Now()
	c, err := e.engine.CreateContest(e.ctx, "creator", contest.ContestParams{
		StartTime:        now.Add(time.Hour),
		EndTime:          now.Add(3 * time.Hour),
		EntryFee:         10,
		MaxEntries:       10,
		Assets:           []string{btc, eth},
		RewardAllocation: []uint8{70, 30},
	})
	require.NoError(t, err)
	for i, who := range entrants {
		e.rail.Deposit(who, 100)
		_, err := e.engine.Enter(e.ctx, who, c.ID, []uint8{uint8(100 - 25*i), uint8(25 * i)})
		require.NoError(t, err)
	}
	return c
}

func (e *env) prices(at time.Time, b, h float64) {
	e.oracle.SetPrice(btc, b, at)
	e.oracle.SetPrice(eth, h, at)
}

func (e *env) load(t *testing.T, id uint64) *model.Contest {
	t.Helper()
	c, err := e.engine.Contest(e.ctx, id)
	require.NoError(t, err)
	return c
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func TestSweep_DrivesLifecycle(t *testing.T) {
	e := newEnv(t)
	k := New(e.engine, nil, Config{Retry: fastRetry()}, zaptest.NewLogger(t))

	var seen []string
	k.OnChange(func(action string, _ *model.Contest) { seen = append(seen, action) })

	c := e.contest(t, "alice", "bob", "carol")

	// Open: nothing to do.
	require.NoError(t, k.Sweep(e.ctx))
	assert.False(t, e.load(t, c.ID).PricesLocked())

	e.clock.Set(c.StartTime.Add(30 * time.Second))
	e.prices(c.StartTime, 100, 200)
	require.NoError(t, k.Sweep(e.ctx))
	got := e.load(t, c.ID)
	assert.Equal(t, []float64{100, 200}, got.StartPrices)
	assert.False(t, got.IsResolved)

	e.clock.Set(c.EndTime)
	e.prices(c.EndTime, 120, 180)
	require.NoError(t, k.Sweep(e.ctx))
	got = e.load(t, c.ID)
	require.True(t, got.IsResolved)
	assert.Equal(t, contest.PrimaryResolver, got.ResolvedBy)
	// alice is all BTC, the only asset that rose.
	assert.Equal(t, []uint32{0, 1}, got.WinnerIDs)

	assert.Equal(t, []string{ActionLock, ActionResolve}, seen)

	// Resolved contests are left alone.
	require.NoError(t, k.Sweep(e.ctx))
	assert.Len(t, seen, 2)
}

func TestSweep_LocksAndResolvesAfterEnd(t *testing.T) {
	e := newEnv(t)
	k := New(e.engine, nil, Config{Retry: fastRetry()}, zaptest.NewLogger(t))
	c := e.contest(t, "alice", "bob")

	// The keeper missed the whole window; the lock uses a sample taken
	// after the start.
	e.clock.Set(c.EndTime.Add(time.Second))
	e.prices(c.EndTime, 100, 200)
	require.NoError(t, k.Sweep(e.ctx))

	got := e.load(t, c.ID)
	assert.True(t, got.PricesLocked())
	assert.True(t, got.IsResolved)
}

func TestSweep_MissingPriceIsRetriedThenReported(t *testing.T) {
	e := newEnv(t)
	k := New(e.engine, nil, Config{Retry: fastRetry()}, zaptest.NewLogger(t))
	c := e.contest(t, "alice")

	e.clock.Set(c.StartTime)
	e.oracle.SetPrice(btc, 100, c.StartTime)

	err := k.Sweep(e.ctx)
	require.Error(t, err)
	assert.Equal(t, contest.KindMissingData, contest.KindOf(err))
	assert.Contains(t, err.Error(), "failed after 2 attempts")
	assert.False(t, e.load(t, c.ID).PricesLocked())

	// The next sweep picks it up once the feed recovers.
	e.oracle.SetPrice(eth, 200, c.StartTime)
	require.NoError(t, k.Sweep(e.ctx))
	assert.True(t, e.load(t, c.ID).PricesLocked())
}

func TestSweep_SkipsDelegatedContests(t *testing.T) {
	e := newEnv(t)
	k := New(e.engine, nil, Config{Retry: fastRetry()}, zaptest.NewLogger(t))
	c := e.contest(t, "alice")

	_, err := e.engine.Delegate(e.ctx, admin, c.ID, "elsewhere")
	require.NoError(t, err)

	e.clock.Set(c.StartTime)
	e.prices(c.StartTime, 100, 200)
	require.NoError(t, k.Sweep(e.ctx))
	assert.False(t, e.load(t, c.ID).PricesLocked())
}

func TestSweep_LargeContestsGoToVenue(t *testing.T) {
	e := newEnv(t)
	v := venue.New("venue-1", e.engine, 2, 2, zaptest.NewLogger(t))
	defer v.Close()

	k := New(e.engine, v, Config{Admin: admin, DelegateThreshold: 3, Retry: fastRetry()}, zaptest.NewLogger(t))
	small := e.contest(t, "alice", "bob")
	large := e.contest(t, "alice", "bob", "carol", "dave")

	e.clock.Set(small.StartTime)
	e.prices(small.StartTime, 100, 200)
	require.NoError(t, k.Sweep(e.ctx))

	e.clock.Set(small.EndTime)
	e.prices(small.EndTime, 90, 260)
	require.NoError(t, k.Sweep(e.ctx))

	assert.Equal(t, contest.PrimaryResolver, e.load(t, small.ID).ResolvedBy)
	gotLarge := e.load(t, large.ID)
	assert.Equal(t, "venue-1", gotLarge.ResolvedBy)
	assert.True(t, gotLarge.FeePending)
	assert.False(t, gotLarge.IsDelegated())
}

func TestSweep_NoAdminResolvesOnPrimary(t *testing.T) {
	e := newEnv(t)
	v := venue.New("venue-1", e.engine, 2, 2, zaptest.NewLogger(t))
	defer v.Close()

	k := New(e.engine, v, Config{DelegateThreshold: 3, Retry: fastRetry()}, zaptest.NewLogger(t))
	large := e.contest(t, "alice", "bob", "carol", "dave")

	e.clock.Set(large.StartTime)
	e.prices(large.StartTime, 100, 200)
	require.NoError(t, k.Sweep(e.ctx))

	e.clock.Set(large.EndTime)
	e.prices(large.EndTime, 90, 260)
	require.NoError(t, k.Sweep(e.ctx))

	got := e.load(t, large.ID)
	assert.True(t, got.IsResolved)
	assert.Equal(t, contest.PrimaryResolver, got.ResolvedBy)
	assert.False(t, got.IsDelegated())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(contest.ErrStalePrice))
	assert.True(t, Retryable(contest.ErrPriceUnavailable))
	assert.True(t, Retryable(contest.ErrVersionMismatch))
	assert.False(t, Retryable(contest.ErrAlreadyResolved))
	assert.False(t, Retryable(contest.ErrUnauthorized))
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	k := New(e.engine, nil, Config{Schedule: "@every 1h"}, zaptest.NewLogger(t))
	require.NoError(t, k.Start(e.ctx))
	k.Stop()

	bad := New(e.engine, nil, Config{Schedule: "not a schedule"}, zaptest.NewLogger(t))
	require.Error(t, bad.Start(e.ctx))
}
