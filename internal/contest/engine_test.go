package contest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/oracle"
	"github.com/atmx/contest-engine/internal/rail"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/store"
)

const (
	btc   = "Crypto.BTC/USD"
	eth   = "Crypto.ETH/USD"
	admin = "admin"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	clock  *testClock
	store  store.Store
	rail   *rail.MemoryRail
	oracle *oracle.StaticOracle
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWithStore(t, store.NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		clock:  &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:  st,
		rail:   rail.NewMemoryRail(6),
		oracle: oracle.NewStaticOracle(),
	}
	all := append([]Option{
		WithClock(f.clock.Now),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	f.engine = New(f.store, f.rail, f.oracle, all...)
	return f
}

func (f *fixture) init(feePercent uint8) {
	f.t.Helper()
	_, err := f.engine.Initialize(f.ctx, admin, feePercent, "USDC")
	require.NoError(f.t, err)
}

func (f *fixture) params() ContestParams {
	now := f.clock.Now()
	return ContestParams{
		StartTime:        now.Add(time.Hour),
		EndTime:          now.Add(2 * time.Hour),
		EntryFee:         10,
		MaxEntries:       10,
		Assets:           []string{btc, eth},
		RewardAllocation: []uint8{70, 30},
	}
}

func (f *fixture) create(p ContestParams) *model.Contest {
	f.t.Helper()
	c, err := f.engine.CreateContest(f.ctx, "creator", p)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) enter(id uint64, who string, alloc ...uint8) *model.Entry {
	f.t.Helper()
	f.rail.Deposit(who, 1000)
	en, err := f.engine.Enter(f.ctx, who, id, alloc)
	require.NoError(f.t, err)
	return en
}

// lock moves the clock to the contest start and locks BTC=100, ETH=200.
func (f *fixture) lock(c *model.Contest) {
	f.t.Helper()
	f.clock.Set(c.StartTime)
	f.oracle.SetPrice(btc, 100, c.StartTime)
	f.oracle.SetPrice(eth, 200, c.StartTime)
	_, err := f.engine.LockPrices(f.ctx, c.ID)
	require.NoError(f.t, err)
}

// settle moves the clock to the contest end with BTC +10% and ETH -5%.
func (f *fixture) settle(c *model.Contest) {
	f.t.Helper()
	f.clock.Set(c.EndTime)
	f.oracle.SetPrice(btc, 110, c.EndTime)
	f.oracle.SetPrice(eth, 190, c.EndTime)
}

func (f *fixture) contest(id uint64) *model.Contest {
	f.t.Helper()
	c, err := f.engine.Contest(f.ctx, id)
	require.NoError(f.t, err)
	return c
}

// fourEntrantContest runs the worked example: fee 10, four entries, 10%
// protocol fee, reward tiers [70, 30].
func (f *fixture) fourEntrantContest() *model.Contest {
	f.t.Helper()
	f.init(10)
	c := f.create(f.params())
	f.enter(c.ID, "alice", 60, 40) // 4.0
	f.enter(c.ID, "bob", 100, 0)   // 10.0
	f.enter(c.ID, "carol", 0, 100) // -5.0
	f.enter(c.ID, "dave", 50, 50)  // 2.5
	f.lock(c)
	f.settle(c)
	return c
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Initialize(f.ctx, admin, 100, "USDC")
	require.ErrorIs(t, err, ErrInvalidFeePercent)

	cfg, err := f.engine.Initialize(f.ctx, admin, 5, "USDC")
	require.NoError(t, err)
	assert.Equal(t, admin, cfg.Admin)
	assert.True(t, cfg.Initialized)

	_, err = f.engine.Initialize(f.ctx, admin, 5, "USDC")
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	meta, err := f.engine.Metadata(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), meta.FeePercent)
	assert.Zero(t, meta.NextContestID)
}

func TestInitialize_ConfiguredAdmin(t *testing.T) {
	f := newFixture(t, WithAdmin("root"))

	_, err := f.engine.Initialize(f.ctx, "mallory", 5, "USDC")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, KindAuthorization, KindOf(err))

	_, err = f.engine.Initialize(f.ctx, "root", 5, "USDC")
	require.NoError(t, err)
}

func TestCreateContest_RequiresInitialize(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateContest(f.ctx, "creator", f.params())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestCreateContest_SequentialIDs(t *testing.T) {
	f := newFixture(t)
	f.init(10)

	a := f.create(f.params())
	b := f.create(f.params())
	assert.Equal(t, uint64(0), a.ID)
	assert.Equal(t, uint64(1), b.ID)
	assert.Equal(t, model.StageOpen, b.Stage(f.clock.Now()))

	all, err := f.engine.Contests(f.ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(0), all[0].ID)

	meta, err := f.engine.Metadata(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.NextContestID)
}

func TestCreateContest_Validation(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	now := f.clock.Now()

	tests := []struct {
		name   string
		modify func(p *ContestParams)
		want   error
	}{
		{"start in past", func(p *ContestParams) { p.StartTime = now.Add(-time.Minute) }, ErrInvalidTimeWindow},
		{"start now", func(p *ContestParams) { p.StartTime = now }, ErrInvalidTimeWindow},
		{"end before start", func(p *ContestParams) { p.EndTime = p.StartTime }, ErrInvalidTimeWindow},
		{"no assets", func(p *ContestParams) { p.Assets = nil }, ErrInvalidAssets},
		{"too many assets", func(p *ContestParams) {
			p.Assets = []string{"Crypto.A/USD", "Crypto.B/USD", "Crypto.C/USD", "Crypto.D/USD", "Crypto.E/USD", "Crypto.F/USD"}
		}, ErrInvalidAssets},
		{"duplicate asset", func(p *ContestParams) { p.Assets = []string{btc, btc} }, ErrInvalidAssets},
		{"malformed asset", func(p *ContestParams) { p.Assets = []string{"bitcoin"} }, ErrInvalidAssets},
		{"no reward tiers", func(p *ContestParams) { p.RewardAllocation = nil }, ErrInvalidRewardAllocation},
		{"increasing tiers", func(p *ContestParams) { p.RewardAllocation = []uint8{30, 70} }, ErrInvalidRewardAllocation},
		{"zero tier", func(p *ContestParams) { p.RewardAllocation = []uint8{100, 0} }, ErrInvalidRewardAllocation},
		{"tiers sum", func(p *ContestParams) { p.RewardAllocation = []uint8{60, 30} }, ErrInvalidRewardAllocation},
		{"max entries below tiers", func(p *ContestParams) { p.MaxEntries = 1 }, ErrInvalidMaxEntries},
		{"pool overflows", func(p *ContestParams) { p.EntryFee = 1 << 62 }, ErrInvalidMaxEntries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := f.params()
			tt.modify(&p)
			_, err := f.engine.CreateContest(f.ctx, "creator", p)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}

	meta, err := f.engine.Metadata(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, meta.NextContestID)
}

func TestEnter(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())

	a := f.enter(c.ID, "alice", 60, 40)
	b := f.enter(c.ID, "bob", 0, 100)
	assert.Equal(t, uint32(0), a.Index)
	assert.Equal(t, uint32(1), b.Index)

	assert.Equal(t, uint64(20), f.rail.Balance(EscrowAccount(c.ID)))
	assert.Equal(t, uint64(990), f.rail.Balance("alice"))
	assert.Equal(t, uint32(2), f.contest(c.ID).NumEntries)

	entries, err := f.engine.Entries(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Participant)
	assert.Equal(t, []uint8{0, 100}, entries[1].CreditAllocation)
}

func TestEnter_InvalidAllocationLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())
	f.rail.Deposit("alice", 100)

	for _, alloc := range [][]uint8{{50, 49}, {100}, {40, 40, 20}, {101, 0}} {
		_, err := f.engine.Enter(f.ctx, "alice", c.ID, alloc)
		require.ErrorIs(t, err, ErrInvalidAllocation, "alloc %v", alloc)
	}

	assert.Zero(t, f.contest(c.ID).NumEntries)
	assert.Equal(t, uint64(100), f.rail.Balance("alice"))
	_, err := f.engine.Entry(f.ctx, c.ID, "alice")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestEnter_ExactlyOncePerParticipant(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())
	f.enter(c.ID, "alice", 60, 40)

	_, err := f.engine.Enter(f.ctx, "alice", c.ID, []uint8{50, 50})
	require.ErrorIs(t, err, ErrAlreadyEntered)
	assert.Equal(t, KindConflict, KindOf(err))

	assert.Equal(t, uint32(1), f.contest(c.ID).NumEntries)
	assert.Equal(t, uint64(10), f.rail.Balance(EscrowAccount(c.ID)))
}

func TestEnter_StateGuards(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	p := f.params()
	p.MaxEntries = 2
	c := f.create(p)
	f.enter(c.ID, "alice", 60, 40)
	f.enter(c.ID, "bob", 60, 40)

	f.rail.Deposit("carol", 100)
	_, err := f.engine.Enter(f.ctx, "carol", c.ID, []uint8{60, 40})
	require.ErrorIs(t, err, ErrContestFull)

	d := f.create(f.params())
	f.clock.Set(d.StartTime)
	_, err = f.engine.Enter(f.ctx, "carol", d.ID, []uint8{60, 40})
	require.ErrorIs(t, err, ErrContestNotOpen)
	assert.Equal(t, KindState, KindOf(err))

	_, err = f.engine.Enter(f.ctx, "carol", 99, []uint8{60, 40})
	require.ErrorIs(t, err, ErrContestNotFound)
}

func TestEnter_DebitFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())

	// No deposit: the rail rejects the debit.
	_, err := f.engine.Enter(f.ctx, "alice", c.ID, []uint8{60, 40})
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, rail.ErrInsufficientFunds)
	assert.Equal(t, KindPayment, KindOf(err))

	assert.Zero(t, f.contest(c.ID).NumEntries)
	_, err = f.engine.Entry(f.ctx, c.ID, "alice")
	require.ErrorIs(t, err, ErrEntryNotFound)

	// The same participant can enter once funded.
	en := f.enter(c.ID, "alice", 60, 40)
	assert.Equal(t, uint32(0), en.Index)
}

var errCommit = errors.New("commit failed")

// commitFailStore runs transactions to completion and then refuses to
// commit them.
type commitFailStore struct {
	store.Store
	fail bool
}

func (s *commitFailStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.Update(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if s.fail {
			return errCommit
		}
		return nil
	})
}

func TestEnter_CommitFailureRefundsDebit(t *testing.T) {
	st := &commitFailStore{Store: store.NewMemoryStore()}
	f := newFixtureWithStore(t, st)
	f.init(10)
	c := f.create(f.params())
	f.rail.Deposit("alice", 100)

	st.fail = true
	_, err := f.engine.Enter(f.ctx, "alice", c.ID, []uint8{60, 40})
	require.ErrorIs(t, err, errCommit)

	assert.Equal(t, uint64(100), f.rail.Balance("alice"))
	assert.Zero(t, f.rail.Balance(EscrowAccount(c.ID)))
	assert.Zero(t, f.contest(c.ID).NumEntries)
}

func TestLockPrices(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())

	_, err := f.engine.LockPrices(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrContestNotStarted)

	f.clock.Set(c.StartTime.Add(5 * time.Minute))

	_, err = f.engine.LockPrices(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Equal(t, KindMissingData, KindOf(err))

	// Published before the window opened.
	f.oracle.SetPrice(btc, 100, c.StartTime.Add(-time.Second))
	f.oracle.SetPrice(eth, 200, c.StartTime.Add(5*time.Minute))
	_, err = f.engine.LockPrices(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrStalePrice)

	// Inside the window but older than the max age.
	f.oracle.SetPrice(btc, 100, c.StartTime)
	_, err = f.engine.LockPrices(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrStalePrice)
	assert.False(t, f.contest(c.ID).PricesLocked())

	f.oracle.SetPrice(btc, 100, c.StartTime.Add(5*time.Minute))
	locked, err := f.engine.LockPrices(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 200}, locked.StartPrices)
	assert.Equal(t, model.StageLocked, locked.Stage(f.clock.Now()))

	_, err = f.engine.LockPrices(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrPricesAlreadyLocked)
}

func TestLockPrices_StalenessDisabled(t *testing.T) {
	f := newFixture(t, WithPricePolicy(oracle.Policy{}))
	f.init(10)
	c := f.create(f.params())

	f.clock.Set(c.EndTime)
	f.oracle.SetPrice(btc, 100, c.StartTime)
	f.oracle.SetPrice(eth, 200, c.StartTime)
	_, err := f.engine.LockPrices(f.ctx, c.ID)
	require.NoError(t, err)
}

func TestResolve_Guards(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())
	f.enter(c.ID, "alice", 60, 40)

	f.clock.Set(c.EndTime)
	_, err := f.engine.Resolve(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrPricesNotLocked)

	f.lock(c)
	_, err = f.engine.Resolve(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrContestNotEnded)

	f.clock.Set(c.EndTime)
	f.oracle.Remove(eth)
	f.oracle.SetPrice(btc, 110, c.EndTime)
	_, err = f.engine.Resolve(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrPriceUnavailable)

	got := f.contest(c.ID)
	assert.False(t, got.IsResolved)
	assert.Empty(t, got.WinnerIDs)
}

func TestResolve_WorkedExample(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()

	res, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)

	assert.True(t, res.IsResolved)
	assert.Equal(t, PrimaryResolver, res.ResolvedBy)
	require.Len(t, res.ROIs, 2)
	assert.InDelta(t, 10.0, res.ROIs[0], 1e-9)
	assert.InDelta(t, -5.0, res.ROIs[1], 1e-9)
	assert.Equal(t, []uint32{1, 0}, res.WinnerIDs) // bob 10.0, alice 4.0
	assert.Equal(t, uint64(40), res.PoolAmount)
	assert.Equal(t, uint64(4), res.FeeAmount)
	assert.Equal(t, uint64(36), res.Distributable)
	assert.False(t, res.FeePending)

	// Transfer mode moves the fee at resolution.
	assert.Equal(t, uint64(4), f.rail.Balance(FeeVault))
	assert.Equal(t, uint64(36), f.rail.Balance(EscrowAccount(c.ID)))

	meta, err := f.engine.Metadata(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), meta.AccruedFees)

	bob, err := f.engine.Claim(f.ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), bob.Payout)
	alice, err := f.engine.Claim(f.ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), alice.Payout)

	// One unit of rounding dust stays in escrow.
	assert.Equal(t, uint64(1), f.rail.Balance(EscrowAccount(c.ID)))
	assert.Equal(t, uint64(1015), f.rail.Balance("bob"))
}

func TestResolve_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()

	first, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)

	// Different prices on the second attempt must not matter.
	f.oracle.SetPrice(btc, 50, c.EndTime)
	_, err = f.engine.Resolve(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrAlreadyResolved)

	got := f.contest(c.ID)
	assert.Equal(t, first.WinnerIDs, got.WinnerIDs)
	assert.Equal(t, first.ROIs, got.ROIs)
	assert.Equal(t, uint64(4), f.rail.Balance(FeeVault))
}

func TestResolve_TieBreakLowerIndexWins(t *testing.T) {
	f := newFixture(t)
	f.init(0)
	p := f.params()
	p.RewardAllocation = []uint8{100}
	c := f.create(p)
	f.enter(c.ID, "alice", 50, 50)
	f.enter(c.ID, "bob", 50, 50)
	f.enter(c.ID, "carol", 50, 50)
	f.lock(c)
	f.settle(c)

	res, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, res.WinnerIDs)
}

func TestResolve_FewerEntriesThanTiers(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())
	f.enter(c.ID, "alice", 60, 40)
	f.lock(c)
	f.settle(c)

	res, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, res.WinnerIDs)

	en, err := f.engine.Claim(f.ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), en.Payout) // floor(0.7 × 9)
	assert.Equal(t, uint64(3), f.rail.Balance(EscrowAccount(c.ID)))
}

func TestResolve_NoEntries(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())
	f.lock(c)
	f.settle(c)

	res, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, res.WinnerIDs)
	assert.Zero(t, res.PoolAmount)
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()

	_, err := f.engine.Claim(f.ctx, "bob", c.ID)
	require.ErrorIs(t, err, ErrNotResolved)

	_, err = f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)

	_, err = f.engine.Claim(f.ctx, "carol", c.ID)
	require.ErrorIs(t, err, ErrNotWinner)
	assert.Equal(t, KindAuthorization, KindOf(err))

	_, err = f.engine.Claim(f.ctx, "zed", c.ID)
	require.ErrorIs(t, err, ErrEntryNotFound)

	_, err = f.engine.Claim(f.ctx, "bob", c.ID)
	require.NoError(t, err)
	receipts := len(f.rail.Receipts())

	_, err = f.engine.Claim(f.ctx, "bob", c.ID)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Len(t, f.rail.Receipts(), receipts)
	assert.Equal(t, uint64(1015), f.rail.Balance("bob"))

	en, err := f.engine.Entry(f.ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.True(t, en.HasClaimed)
	require.NotNil(t, en.ClaimedAt)
}

func TestClaim_LargePoolPaysExactEscrow(t *testing.T) {
	f := newFixture(t)
	f.init(0)

	const fee = 1<<53 + 3
	p := f.params()
	p.EntryFee = fee
	p.RewardAllocation = []uint8{100}
	c := f.create(p)

	f.rail.Deposit("alice", fee)
	_, err := f.engine.Enter(f.ctx, "alice", c.ID, []uint8{100, 0})
	require.NoError(t, err)
	f.lock(c)
	f.settle(c)

	resolved, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(fee), resolved.Distributable)

	en, err := f.engine.Claim(f.ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(fee), en.Payout)
	assert.Equal(t, uint64(fee), f.rail.Balance("alice"))
	assert.Zero(t, f.rail.Balance(EscrowAccount(c.ID)))
}

func TestClaim_TransferFailureLeavesUnclaimed(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()
	_, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)

	// Drain the escrow behind the engine's back.
	_, err = f.rail.Transfer(f.ctx, rail.Transfer{
		From: EscrowAccount(c.ID), To: "elsewhere", Authority: Authority, Amount: 36,
	})
	require.NoError(t, err)

	_, err = f.engine.Claim(f.ctx, "bob", c.ID)
	require.ErrorIs(t, err, ErrTransferFailed)

	en, err := f.engine.Entry(f.ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.False(t, en.HasClaimed)

	f.rail.Deposit(EscrowAccount(c.ID), 36)
	en, err = f.engine.Claim(f.ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), en.Payout)
}

func TestWithdrawFee_AccumulateMode(t *testing.T) {
	f := newFixture(t, WithFeeMode(settlement.FeeModeAccumulate))
	c := f.fourEntrantContest()

	res, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.FeePending)
	assert.Zero(t, f.rail.Balance(FeeVault))
	assert.Equal(t, uint64(40), f.rail.Balance(EscrowAccount(c.ID)))

	_, err = f.engine.WithdrawFee(f.ctx, "mallory", "")
	require.ErrorIs(t, err, ErrUnauthorized)

	amount, err := f.engine.WithdrawFee(f.ctx, admin, "treasury")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), amount)
	assert.Equal(t, uint64(4), f.rail.Balance("treasury"))
	assert.Equal(t, uint64(36), f.rail.Balance(EscrowAccount(c.ID)))
	assert.False(t, f.contest(c.ID).FeePending)

	meta, err := f.engine.Metadata(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, meta.AccruedFees)

	amount, err = f.engine.WithdrawFee(f.ctx, admin, "treasury")
	require.NoError(t, err)
	assert.Zero(t, amount)
}

func TestWithdrawFee_TransferMode(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()
	_, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)

	amount, err := f.engine.WithdrawFee(f.ctx, admin, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), amount)
	assert.Equal(t, uint64(4), f.rail.Balance(admin))
	assert.Zero(t, f.rail.Balance(FeeVault))
}

func TestWithdrawFee_PayoutFailureRestoresEscrow(t *testing.T) {
	f := newFixture(t, WithFeeMode(settlement.FeeModeAccumulate))
	c := f.fourEntrantContest()
	_, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)

	// The vault cannot pay itself, so the sweep is the only movement.
	_, err = f.engine.WithdrawFee(f.ctx, admin, FeeVault)
	require.ErrorIs(t, err, ErrTransferFailed)

	assert.Equal(t, uint64(40), f.rail.Balance(EscrowAccount(c.ID)))
	assert.Zero(t, f.rail.Balance(FeeVault))
	assert.True(t, f.contest(c.ID).FeePending)

	meta, err := f.engine.Metadata(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), meta.AccruedFees)
}

func TestDelegation(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()

	_, err := f.engine.Delegate(f.ctx, "mallory", c.ID, "venue-1")
	require.ErrorIs(t, err, ErrUnauthorized)

	snap, err := f.engine.Delegate(f.ctx, admin, c.ID, "venue-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), snap.Contest.NumEntries)
	assert.Equal(t, 4, snap.Ledger.Len())

	_, err = f.engine.Delegate(f.ctx, admin, c.ID, "venue-2")
	require.ErrorIs(t, err, ErrDelegated)

	// Every primary mutation is blocked while delegated.
	_, err = f.engine.Resolve(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrDelegated)
	_, err = f.engine.CreateContest(f.ctx, "creator", ContestParams{
		StartTime: c.EndTime.Add(time.Hour), EndTime: c.EndTime.Add(2 * time.Hour),
		MaxEntries: 1, Assets: []string{btc}, RewardAllocation: []uint8{100},
	})
	require.ErrorIs(t, err, ErrDelegated)
	_, err = f.engine.WithdrawFee(f.ctx, admin, "")
	require.ErrorIs(t, err, ErrDelegated)

	// Wrong holder.
	err = f.engine.Commit(f.ctx, "venue-2", snap, true)
	require.ErrorIs(t, err, ErrUnauthorized)

	// Venue resolves its copy and commits back.
	ledger := snap.Ledger
	res, err := Compute(f.ctx, &snap.Contest, &ledger, []float64{110, 190}, snap.Metadata.FeePercent, SequentialScores)
	require.NoError(t, err)
	res.Apply(&snap.Contest, &snap.Metadata, settlement.FeeModeAccumulate, "venue-1", f.clock.Now())

	stale := *snap
	require.NoError(t, f.engine.Commit(f.ctx, "venue-1", snap, false))

	// A snapshot older than the latest commit is refused.
	err = f.engine.Commit(f.ctx, "venue-1", &stale, true)
	require.ErrorIs(t, err, ErrVersionMismatch)

	require.NoError(t, f.engine.Commit(f.ctx, "venue-1", snap, true))

	got := f.contest(c.ID)
	assert.False(t, got.IsDelegated())
	assert.True(t, got.IsResolved)
	assert.Equal(t, "venue-1", got.ResolvedBy)
	assert.Equal(t, []uint32{1, 0}, got.WinnerIDs)
	assert.True(t, got.FeePending)

	meta, err := f.engine.Metadata(f.ctx)
	require.NoError(t, err)
	assert.False(t, meta.IsDelegated())
	assert.Equal(t, uint64(4), meta.AccruedFees)

	// Primary claims and withdrawals work on the committed state.
	bob, err := f.engine.Claim(f.ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), bob.Payout)
	amount, err := f.engine.WithdrawFee(f.ctx, admin, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), amount)
}

func TestDelegation_BlocksEntryAndLock(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())

	_, err := f.engine.Delegate(f.ctx, admin, c.ID, "venue-1")
	require.NoError(t, err)

	f.rail.Deposit("alice", 100)
	_, err = f.engine.Enter(f.ctx, "alice", c.ID, []uint8{60, 40})
	require.ErrorIs(t, err, ErrDelegated)

	f.clock.Set(c.StartTime)
	f.oracle.SetPrice(btc, 100, c.StartTime)
	f.oracle.SetPrice(eth, 200, c.StartTime)
	_, err = f.engine.LockPrices(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrDelegated)

	require.NoError(t, f.engine.Undelegate(f.ctx, admin, c.ID))
	_, err = f.engine.LockPrices(f.ctx, c.ID)
	require.NoError(t, err)

	err = f.engine.Undelegate(f.ctx, admin, c.ID)
	require.ErrorIs(t, err, ErrNotDelegated)
}

func TestDelegate_ResolvedContest(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()
	_, err := f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)

	_, err = f.engine.Delegate(f.ctx, admin, c.ID, "venue-1")
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestLeaderboard(t *testing.T) {
	f := newFixture(t)
	c := f.fourEntrantContest()

	live, err := f.engine.Leaderboard(f.ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, live.Provisional)
	require.Len(t, live.Standings, 4)
	assert.Equal(t, "bob", live.Standings[0].Participant)
	assert.False(t, live.Standings[0].Winner)

	_, err = f.engine.Resolve(f.ctx, c.ID)
	require.NoError(t, err)
	_, err = f.engine.Claim(f.ctx, "bob", c.ID)
	require.NoError(t, err)

	lb, err := f.engine.Leaderboard(f.ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, lb.Provisional)
	assert.Equal(t, model.StageResolved, lb.Stage)

	want := []struct {
		who    string
		winner bool
		payout uint64
	}{
		{"bob", true, 25},
		{"alice", true, 10},
		{"dave", false, 0},
		{"carol", false, 0},
	}
	for i, w := range want {
		s := lb.Standings[i]
		assert.Equal(t, i+1, s.Position)
		assert.Equal(t, w.who, s.Participant)
		assert.Equal(t, w.winner, s.Winner)
		assert.Equal(t, w.payout, s.Payout)
	}
	assert.True(t, lb.Standings[0].HasClaimed)
	assert.InDelta(t, 2.5, lb.Standings[2].ROI, 1e-9)
}

func TestLeaderboard_RequiresLockedPrices(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	c := f.create(f.params())
	_, err := f.engine.Leaderboard(f.ctx, c.ID)
	require.ErrorIs(t, err, ErrPricesNotLocked)
}

func TestConcurrentEntries(t *testing.T) {
	f := newFixture(t)
	f.init(10)
	p := f.params()
	p.MaxEntries = 50
	c := f.create(p)

	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		who := "p" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		f.rail.Deposit(who, 100)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Enter(f.ctx, who, c.ID, []uint8{50, 50})
		}()
	}
	wg.Wait()

	got := f.contest(c.ID)
	assert.Equal(t, uint32(50), got.NumEntries)
	assert.Equal(t, uint64(500), f.rail.Balance(EscrowAccount(c.ID)))

	entries, err := f.engine.Entries(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, entries, 50)
	for i, en := range entries {
		assert.Equal(t, uint32(i), en.Index)
	}
}
