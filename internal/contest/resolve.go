package contest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/oracle"
	"github.com/atmx/contest-engine/internal/rail"
	"github.com/atmx/contest-engine/internal/ranking"
	"github.com/atmx/contest-engine/internal/roi"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/store"
)

// ScoreFunc computes the weighted ROI of the first n ledger entries.
type ScoreFunc func(ctx context.Context, ledger *model.CreditLedger, n int, rois []float64) ([]ranking.Score, error)

// SequentialScores is the single-goroutine ScoreFunc.
func SequentialScores(_ context.Context, ledger *model.CreditLedger, n int, rois []float64) ([]ranking.Score, error) {
	return ranking.WeightedScores(ledger, n, rois), nil
}

// Resolution is the computed outcome of one contest.
type Resolution struct {
	SettlePrices []float64            `json:"settle_prices"`
	ROIs         []float64            `json:"rois"`
	Winners      []ranking.Score      `json:"winners"`
	Settlement   settlement.Breakdown `json:"settlement"`
}

// CheckResolvable applies the resolution guards in order: not resolved,
// prices locked, end time reached.
func CheckResolvable(c *model.Contest, now time.Time) error {
	if c.IsResolved {
		return fmt.Errorf("%w: contest %d", ErrAlreadyResolved, c.ID)
	}
	if !c.PricesLocked() {
		return fmt.Errorf("%w: contest %d", ErrPricesNotLocked, c.ID)
	}
	if now.Before(c.EndTime) {
		return fmt.Errorf("%w: contest %d ends %s", ErrContestNotEnded, c.ID, c.EndTime.Format(time.RFC3339))
	}
	return nil
}

// FetchPrices reads one validated sample per contest asset and converts
// them to positive float prices.
func FetchPrices(ctx context.Context, o oracle.Oracle, p oracle.Policy, assets []string, now, notBefore time.Time) ([]float64, error) {
	samples, err := oracle.Fetch(ctx, o, p, assets, now, notBefore)
	if err != nil {
		return nil, priceError(err)
	}
	prices := make([]float64, len(samples))
	for i, s := range samples {
		v := s.Value()
		if v <= 0 {
			return nil, fmt.Errorf("%w: %s has non-positive price %s", ErrPriceUnavailable, s.AssetID, s.Decimal())
		}
		prices[i] = v
	}
	return prices, nil
}

// Compute ranks every entry of c by weighted ROI and settles the pool.
func Compute(ctx context.Context, c *model.Contest, ledger *model.CreditLedger, settles []float64, feePercent uint8, score ScoreFunc) (*Resolution, error) {
	rois, err := roi.AssetROIs(c.StartPrices, settles)
	if err != nil {
		return nil, wrap(ErrPriceUnavailable, err)
	}
	n := int(c.NumEntries)
	if ledger.Len() < n {
		return nil, fmt.Errorf("contest %d: ledger holds %d of %d entries", c.ID, ledger.Len(), n)
	}
	scores, err := score(ctx, ledger, n, rois)
	if err != nil {
		return nil, fmt.Errorf("contest %d: score entries: %w", c.ID, err)
	}
	winners := ranking.TopK(scores, len(c.RewardAllocation))

	return &Resolution{
		SettlePrices: settles,
		ROIs:         rois,
		Winners:      winners,
		Settlement:   settlement.Settle(c.EntryFee, c.NumEntries, feePercent, c.RewardAllocation, len(winners)),
	}, nil
}

// Apply writes the outcome into the contest and accrues the fee into the
// metadata. Versions are left to the caller.
func (r *Resolution) Apply(c *model.Contest, meta *model.ContestMetadata, mode settlement.FeeMode, resolvedBy string, now time.Time) {
	c.ROIs = r.ROIs
	c.WinnerIDs = ranking.Indices(r.Winners)
	c.IsResolved = true
	c.PoolAmount = r.Settlement.Pool
	c.FeeAmount = r.Settlement.Fee
	c.Distributable = r.Settlement.Distributable
	c.FeePending = mode == settlement.FeeModeAccumulate && r.Settlement.Fee > 0
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy

	meta.AccruedFees += r.Settlement.Fee
}

// LockPrices captures the start price of every contest asset. Allowed once,
// at or after the start time and before resolution. Samples published
// before the start time are rejected.
func (e *Engine) LockPrices(ctx context.Context, contestID uint64) (*model.Contest, error) {
	defer e.lockContest(contestID)()

	now := e.now()
	guard := func(c *model.Contest) error {
		if c.IsDelegated() {
			return fmt.Errorf("%w: contest %d held by %s", ErrDelegated, c.ID, c.Delegation.Venue)
		}
		if c.IsResolved {
			return fmt.Errorf("%w: contest %d", ErrAlreadyResolved, c.ID)
		}
		if c.PricesLocked() {
			return fmt.Errorf("%w: contest %d", ErrPricesAlreadyLocked, c.ID)
		}
		if now.Before(c.StartTime) {
			return fmt.Errorf("%w: contest %d starts %s", ErrContestNotStarted, c.ID, c.StartTime.Format(time.RFC3339))
		}
		return nil
	}

	var c *model.Contest
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if c, err = loadContest(ctx, tx, contestID); err != nil {
			return err
		}
		return guard(c)
	})
	if err != nil {
		return nil, err
	}

	prices, err := FetchPrices(ctx, e.oracle, e.policy, c.Assets, now, c.StartTime)
	if err != nil {
		return nil, err
	}

	err = e.store.Update(ctx, func(tx store.Tx) error {
		var err error
		if c, err = loadContest(ctx, tx, contestID); err != nil {
			return err
		}
		if err := guard(c); err != nil {
			return err
		}
		c.StartPrices = prices
		c.PricesLockedAt = &now
		c.Version++
		return tx.Put(ctx, store.ContestKey(c.ID), c)
	})
	if err != nil {
		return nil, err
	}

	metrics.PricesLocked.Inc()
	e.logger.Info("prices locked",
		zap.Uint64("contest_id", c.ID),
		zap.Strings("assets", c.Assets),
		zap.Float64s("start_prices", prices),
	)
	return c, nil
}

// Resolve computes ROIs, winners and the fee split of an ended contest.
// A contest resolves exactly once.
func (e *Engine) Resolve(ctx context.Context, contestID uint64) (*model.Contest, error) {
	defer e.lockContest(contestID)()
	defer e.lockMetadata()()

	started := time.Now()
	now := e.now()
	guard := func(c *model.Contest, meta *model.ContestMetadata) error {
		if c.IsDelegated() {
			return fmt.Errorf("%w: contest %d held by %s", ErrDelegated, c.ID, c.Delegation.Venue)
		}
		if err := CheckResolvable(c, now); err != nil {
			return err
		}
		if meta.IsDelegated() {
			return fmt.Errorf("%w: metadata held by %s", ErrDelegated, meta.Delegation.Venue)
		}
		return nil
	}

	var (
		c      *model.Contest
		meta   *model.ContestMetadata
		ledger *model.CreditLedger
	)
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if c, err = loadContest(ctx, tx, contestID); err != nil {
			return err
		}
		if meta, err = loadMetadata(ctx, tx); err != nil {
			return err
		}
		if err := guard(c, meta); err != nil {
			return err
		}
		ledger, err = loadLedger(ctx, tx, contestID)
		return err
	})
	if err != nil {
		return nil, err
	}

	settles, err := FetchPrices(ctx, e.oracle, e.policy, c.Assets, now, c.EndTime)
	if err != nil {
		return nil, err
	}
	res, err := Compute(ctx, c, ledger, settles, meta.FeePercent, SequentialScores)
	if err != nil {
		return nil, err
	}

	viewed := c.Version
	var feeMove rail.Transfer
	err = e.store.Update(ctx, func(tx store.Tx) error {
		var err error
		if c, err = loadContest(ctx, tx, contestID); err != nil {
			return err
		}
		if meta, err = loadMetadata(ctx, tx); err != nil {
			return err
		}
		if err := guard(c, meta); err != nil {
			return err
		}
		if c.Version != viewed {
			return fmt.Errorf("%w: contest %d changed during resolution", ErrVersionMismatch, c.ID)
		}

		res.Apply(c, meta, e.feeMode, PrimaryResolver, now)
		c.Version++
		meta.Version++
		if err := tx.Put(ctx, store.ContestKey(c.ID), c); err != nil {
			return err
		}
		if err := tx.Put(ctx, store.MetadataKey(), meta); err != nil {
			return err
		}

		if e.feeMode == settlement.FeeModeTransfer {
			feeMove = rail.Transfer{
				From:      EscrowAccount(c.ID),
				To:        FeeVault,
				Authority: Authority,
				Amount:    c.FeeAmount,
			}
			return e.transfer(ctx, feeMove)
		}
		return nil
	})
	if err != nil {
		if feeMove.Amount > 0 && !isPreTransfer(err) {
			e.refund(ctx, feeMove, err)
		}
		return nil, err
	}

	metrics.ContestsResolved.WithLabelValues(PrimaryResolver).Inc()
	metrics.ResolutionLatency.WithLabelValues(PrimaryResolver).Observe(time.Since(started).Seconds())
	metrics.FeesAccrued.Add(float64(c.FeeAmount))

	e.logger.Info("contest resolved",
		zap.Uint64("contest_id", c.ID),
		zap.Uint32("entries", c.NumEntries),
		zap.Uint32s("winners", c.WinnerIDs),
		zap.Float64s("rois", c.ROIs),
		zap.Uint64("pool", c.PoolAmount),
		zap.Uint64("fee", c.FeeAmount),
		zap.Uint64("dust", res.Settlement.Dust),
		zap.String("fee_mode", string(e.feeMode)),
	)
	return c, nil
}
