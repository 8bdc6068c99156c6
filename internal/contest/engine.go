// Package contest implements the token-draft contest engine: contest
// creation, entry with fee escrow, price locking, resolution with top-K
// ranking, claims, protocol fee withdrawal, and delegation of a contest
// to a secondary resolution venue.
//
// Every operation runs as one store transaction. Mutations of a single
// contest are serialized by a per-contest lock; different contests proceed
// concurrently. Transfers on the rail are the last step inside a
// transaction, so a failed transfer rolls the whole operation back.
package contest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/oracle"
	"github.com/atmx/contest-engine/internal/rail"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/store"
)

const (
	// Authority is the rail identity that controls escrow and vault accounts.
	Authority = "engine"

	// FeeVault receives protocol fees until the admin withdraws them.
	FeeVault = "fee-vault"

	// PrimaryResolver marks contests resolved by the engine itself.
	PrimaryResolver = "primary"
)

// EscrowAccount is the rail account holding a contest's entry fees.
func EscrowAccount(contestID uint64) string {
	return "escrow/" + strconv.FormatUint(contestID, 10)
}

// Engine executes contest operations against a record store, a value
// transfer rail and a price oracle.
type Engine struct {
	store   store.Store
	rail    rail.Rail
	oracle  oracle.Oracle
	policy  oracle.Policy
	feeMode settlement.FeeMode
	admin   string
	now     func() time.Time
	logger  *zap.Logger

	locks  *xsync.Map[uint64, *sync.Mutex]
	metaMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFeeMode selects how resolved fees reach the vault.
func WithFeeMode(m settlement.FeeMode) Option {
	return func(e *Engine) { e.feeMode = m }
}

// WithPricePolicy sets the oracle sample policy.
func WithPricePolicy(p oracle.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithAdmin restricts Initialize to one identity. Without it the first
// caller of Initialize becomes the administrator.
func WithAdmin(id string) Option {
	return func(e *Engine) { e.admin = id }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine.
func New(st store.Store, r rail.Rail, o oracle.Oracle, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		rail:    r,
		oracle:  o,
		policy:  oracle.Policy{MaxAge: oracle.DefaultMaxAge},
		feeMode: settlement.FeeModeTransfer,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zap.NewNop(),
		locks:   xsync.NewMap[uint64, *sync.Mutex](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Policy returns the oracle sample policy.
func (e *Engine) Policy() oracle.Policy {
	return e.policy
}

// Oracle returns the engine's price source.
func (e *Engine) Oracle() oracle.Oracle {
	return e.oracle
}

func (e *Engine) lockContest(id uint64) func() {
	mu, ok := e.locks.Load(id)
	if !ok {
		mu, _ = e.locks.LoadOrStore(id, &sync.Mutex{})
	}
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) lockMetadata() func() {
	e.metaMu.Lock()
	return e.metaMu.Unlock
}

// Initialize creates the Config and ContestMetadata records. It succeeds
// once; the caller becomes the administrator.
func (e *Engine) Initialize(ctx context.Context, caller string, feePercent uint8, settlementAsset string) (*model.Config, error) {
	if caller == "" || (e.admin != "" && caller != e.admin) {
		return nil, ErrUnauthorized
	}
	if feePercent >= 100 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFeePercent, feePercent)
	}

	defer e.lockMetadata()()

	cfg := &model.Config{
		Admin:           caller,
		SettlementAsset: settlementAsset,
		Initialized:     true,
		CreatedAt:       e.now(),
	}
	err := e.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.Create(ctx, store.ConfigKey(), cfg); err != nil {
			if errors.Is(err, store.ErrExists) {
				return ErrAlreadyInitialized
			}
			return err
		}
		meta := &model.ContestMetadata{FeePercent: feePercent}
		if err := tx.Create(ctx, store.MetadataKey(), meta); err != nil {
			return err
		}
		return e.rail.OpenAccount(ctx, FeeVault, Authority)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("engine initialized",
		zap.String("admin", caller),
		zap.Uint8("fee_percent", feePercent),
		zap.String("settlement_asset", settlementAsset),
	)
	return cfg, nil
}

// CreateContest validates params and creates a contest with the next id.
func (e *Engine) CreateContest(ctx context.Context, creator string, p ContestParams) (*model.Contest, error) {
	if creator == "" {
		return nil, ErrInvalidParticipant
	}
	now := e.now()
	assets, err := p.Validate(now)
	if err != nil {
		return nil, err
	}

	defer e.lockMetadata()()

	var c *model.Contest
	err = e.store.Update(ctx, func(tx store.Tx) error {
		if _, err := loadConfig(ctx, tx); err != nil {
			return err
		}
		meta, err := loadMetadata(ctx, tx)
		if err != nil {
			return err
		}
		if meta.IsDelegated() {
			return fmt.Errorf("%w: metadata held by %s", ErrDelegated, meta.Delegation.Venue)
		}

		c = &model.Contest{
			ID:               meta.NextContestID,
			Creator:          creator,
			StartTime:        p.StartTime.UTC(),
			EndTime:          p.EndTime.UTC(),
			EntryFee:         p.EntryFee,
			MaxEntries:       p.MaxEntries,
			Assets:           assets,
			RewardAllocation: append([]uint8(nil), p.RewardAllocation...),
			CreatedAt:        now,
		}
		meta.NextContestID++
		meta.Version++

		if err := tx.Create(ctx, store.ContestKey(c.ID), c); err != nil {
			return fmt.Errorf("create contest %d: %w", c.ID, err)
		}
		ledger := &model.CreditLedger{ContestID: c.ID, Width: len(assets)}
		if err := tx.Create(ctx, store.CreditsKey(c.ID), ledger); err != nil {
			return fmt.Errorf("create ledger %d: %w", c.ID, err)
		}
		if err := tx.Put(ctx, store.MetadataKey(), meta); err != nil {
			return err
		}
		return e.rail.OpenAccount(ctx, EscrowAccount(c.ID), Authority)
	})
	if err != nil {
		return nil, err
	}

	metrics.ContestsCreated.Inc()
	e.logger.Info("contest created",
		zap.Uint64("contest_id", c.ID),
		zap.String("creator", creator),
		zap.Strings("assets", c.Assets),
		zap.Uint64("entry_fee", c.EntryFee),
		zap.Uint32("max_entries", c.MaxEntries),
		zap.Time("start", c.StartTime),
		zap.Time("end", c.EndTime),
	)
	return c, nil
}

// Enter records participant's allocation in an open contest and debits the
// entry fee into the contest escrow.
func (e *Engine) Enter(ctx context.Context, participant string, contestID uint64, alloc []uint8) (*model.Entry, error) {
	if participant == "" {
		return nil, ErrInvalidParticipant
	}

	defer e.lockContest(contestID)()

	now := e.now()
	var entry *model.Entry
	var debit rail.Transfer
	err := e.store.Update(ctx, func(tx store.Tx) error {
		c, err := loadContest(ctx, tx, contestID)
		if err != nil {
			return err
		}
		if c.IsDelegated() {
			return fmt.Errorf("%w: contest %d held by %s", ErrDelegated, c.ID, c.Delegation.Venue)
		}
		if c.Stage(now) != model.StageOpen {
			return fmt.Errorf("%w: contest %d is %s", ErrContestNotOpen, c.ID, c.Stage(now))
		}
		if c.IsFull() {
			return fmt.Errorf("%w: %d/%d", ErrContestFull, c.NumEntries, c.MaxEntries)
		}
		if err := ValidateAllocation(alloc, len(c.Assets)); err != nil {
			return err
		}

		entry = &model.Entry{
			Participant:      participant,
			Index:            c.NumEntries,
			ContestID:        c.ID,
			CreditAllocation: append([]uint8(nil), alloc...),
			CreatedAt:        now,
		}
		if err := tx.Create(ctx, store.EntryKey(c.ID, participant), entry); err != nil {
			if errors.Is(err, store.ErrExists) {
				return fmt.Errorf("%w: %s in contest %d", ErrAlreadyEntered, participant, c.ID)
			}
			return err
		}

		ledger, err := loadLedger(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		ledger.Append(alloc)
		if err := tx.Put(ctx, store.CreditsKey(c.ID), ledger); err != nil {
			return err
		}

		c.NumEntries++
		c.Version++
		if err := tx.Put(ctx, store.ContestKey(c.ID), c); err != nil {
			return err
		}

		debit = rail.Transfer{
			From:      participant,
			To:        EscrowAccount(c.ID),
			Authority: participant,
			Amount:    c.EntryFee,
		}
		return e.transfer(ctx, debit)
	})
	if err != nil {
		if debit.Amount > 0 && !isPreTransfer(err) {
			e.refund(ctx, debit, err)
		}
		return nil, err
	}

	metrics.EntriesTotal.Inc()
	metrics.EntryFeesCollected.Add(float64(debit.Amount))
	e.logger.Info("entry created",
		zap.Uint64("contest_id", contestID),
		zap.String("participant", participant),
		zap.Uint32("index", entry.Index),
		zap.Uint64("fee", debit.Amount),
	)
	return entry, nil
}

// Claim pays a winning entry its reward tier. A claim succeeds at most
// once per entry.
func (e *Engine) Claim(ctx context.Context, participant string, contestID uint64) (*model.Entry, error) {
	defer e.lockContest(contestID)()

	now := e.now()
	var entry model.Entry
	var payout rail.Transfer
	err := e.store.Update(ctx, func(tx store.Tx) error {
		c, err := loadContest(ctx, tx, contestID)
		if err != nil {
			return err
		}
		if !c.IsResolved {
			return fmt.Errorf("%w: contest %d", ErrNotResolved, c.ID)
		}
		if err := tx.Get(ctx, store.EntryKey(c.ID, participant), &entry); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s in contest %d", ErrEntryNotFound, participant, c.ID)
			}
			return err
		}
		if entry.HasClaimed {
			return fmt.Errorf("%w: %s in contest %d", ErrAlreadyClaimed, participant, c.ID)
		}
		rank := c.RankOf(entry.Index)
		if rank < 0 {
			return fmt.Errorf("%w: entry %d in contest %d", ErrNotWinner, entry.Index, c.ID)
		}

		amount := settlement.PayoutAt(c.RewardAllocation, c.Distributable, rank)
		entry.HasClaimed = true
		entry.Payout = amount
		entry.ClaimedAt = &now
		if err := tx.Put(ctx, store.EntryKey(c.ID, participant), &entry); err != nil {
			return err
		}

		payout = rail.Transfer{
			From:      EscrowAccount(c.ID),
			To:        participant,
			Authority: Authority,
			Amount:    amount,
		}
		return e.transfer(ctx, payout)
	})
	if err != nil {
		if payout.Amount > 0 && !isPreTransfer(err) {
			e.logger.Error("claim paid but not recorded",
				zap.Uint64("contest_id", contestID),
				zap.String("participant", participant),
				zap.Uint64("amount", payout.Amount),
				zap.Error(err),
			)
		}
		return nil, err
	}

	metrics.ClaimsTotal.Inc()
	metrics.PayoutVolume.Add(float64(entry.Payout))
	e.logger.Info("reward claimed",
		zap.Uint64("contest_id", contestID),
		zap.String("participant", participant),
		zap.Uint32("index", entry.Index),
		zap.Uint64("payout", entry.Payout),
	)
	return &entry, nil
}

// transfer executes t on the rail. Zero-amount transfers are skipped.
func (e *Engine) transfer(ctx context.Context, t rail.Transfer) error {
	if t.Amount == 0 {
		return nil
	}
	if _, err := e.rail.Transfer(ctx, t); err != nil {
		return &transferFailure{err: transferError(err)}
	}
	return nil
}

// transferFailure marks an error raised by the rail itself, as opposed to
// a store commit failure after the rail has already moved funds.
type transferFailure struct{ err error }

func (f *transferFailure) Error() string { return f.err.Error() }
func (f *transferFailure) Unwrap() error { return f.err }

// isPreTransfer reports whether the rail itself rejected the transfer, so
// no funds moved. Callers only consult it once the final transfer has been
// built, which happens after every other step of the transaction.
func isPreTransfer(err error) bool {
	var f *transferFailure
	return errors.As(err, &f)
}

// refund reverses an engine-controlled credit after the store failed to
// commit the transaction that made it.
func (e *Engine) refund(ctx context.Context, t rail.Transfer, cause error) {
	rev := rail.Transfer{From: t.To, To: t.From, Authority: Authority, Amount: t.Amount}
	if _, err := e.rail.Transfer(ctx, rev); err != nil {
		e.logger.Error("compensating transfer failed",
			zap.String("from", rev.From),
			zap.String("to", rev.To),
			zap.Uint64("amount", rev.Amount),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	e.logger.Warn("transfer reversed after commit failure",
		zap.String("from", rev.From),
		zap.String("to", rev.To),
		zap.Uint64("amount", rev.Amount),
		zap.Error(cause),
	)
}
