// Package venue is a secondary resolution venue. It takes a contest on
// loan from the primary engine, ranks the entrants on a worker pool, and
// commits the resolved contest back.
package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/ranking"
	"github.com/atmx/contest-engine/internal/roi"
	"github.com/atmx/contest-engine/internal/settlement"
)

// DefaultChunkSize is the number of entries scored per pool task.
const DefaultChunkSize = 1024

// Venue resolves delegated contests.
type Venue struct {
	id        string
	engine    *contest.Engine
	pool      pond.Pool
	chunkSize int
	logger    *zap.Logger
}

// New creates a venue with a pool of workers goroutines.
func New(id string, engine *contest.Engine, workers, chunkSize int, logger *zap.Logger) *Venue {
	if workers <= 0 {
		workers = 4
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Venue{
		id:        id,
		engine:    engine,
		pool:      pond.NewPool(workers),
		chunkSize: chunkSize,
		logger:    logger.With(zap.String("venue", id)),
	}
}

// ID returns the venue's delegation identity.
func (v *Venue) ID() string {
	return v.id
}

// Close stops the worker pool after queued tasks finish.
func (v *Venue) Close() {
	v.pool.StopAndWait()
}

// Resolve delegates the contest to this venue, resolves the venue copy and
// commits it back, releasing the delegation. On any failure after
// delegation the loan is revoked so the primary regains control.
func (v *Venue) Resolve(ctx context.Context, caller string, contestID uint64) (*model.Contest, error) {
	started := time.Now()

	snap, err := v.engine.Delegate(ctx, caller, contestID, v.id)
	if err != nil {
		return nil, err
	}

	c, err := v.resolve(ctx, snap)
	if err != nil {
		if uerr := v.engine.Undelegate(context.WithoutCancel(ctx), caller, contestID); uerr != nil {
			v.logger.Error("undelegate after failed resolution",
				zap.Uint64("contest_id", contestID),
				zap.NamedError("cause", err),
				zap.Error(uerr),
			)
		}
		return nil, err
	}

	metrics.ContestsResolved.WithLabelValues(v.id).Inc()
	metrics.ResolutionLatency.WithLabelValues(v.id).Observe(time.Since(started).Seconds())
	metrics.FeesAccrued.Add(float64(c.FeeAmount))

	v.logger.Info("contest resolved",
		zap.Uint64("contest_id", c.ID),
		zap.Uint32("entries", c.NumEntries),
		zap.Uint32s("winners", c.WinnerIDs),
		zap.Uint64("pool", c.PoolAmount),
		zap.Uint64("fee", c.FeeAmount),
		zap.Duration("elapsed", time.Since(started)),
	)
	return c, nil
}

func (v *Venue) resolve(ctx context.Context, snap *contest.Snapshot) (*model.Contest, error) {
	now := v.engine.Now()
	c := &snap.Contest
	if err := contest.CheckResolvable(c, now); err != nil {
		return nil, err
	}

	settles, err := contest.FetchPrices(ctx, v.engine.Oracle(), v.engine.Policy(), c.Assets, now, c.EndTime)
	if err != nil {
		return nil, err
	}
	res, err := contest.Compute(ctx, c, &snap.Ledger, settles, snap.Metadata.FeePercent, v.Scores)
	if err != nil {
		return nil, err
	}

	// The venue has no access to the rail, so the fee stays in escrow until
	// the primary sweeps it.
	res.Apply(c, &snap.Metadata, settlement.FeeModeAccumulate, v.id, now)

	if err := v.engine.Commit(ctx, v.id, snap, true); err != nil {
		return nil, fmt.Errorf("commit contest %d: %w", c.ID, err)
	}
	return &snap.Contest, nil
}

// Scores computes weighted ROIs in chunks on the venue's pool. It
// satisfies contest.ScoreFunc.
func (v *Venue) Scores(ctx context.Context, ledger *model.CreditLedger, n int, rois []float64) ([]ranking.Score, error) {
	out := make([]ranking.Score, n)

	group := v.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for lo := 0; lo < n; lo += v.chunkSize {
		hi := min(lo+v.chunkSize, n)
		group.SubmitErr(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				out[i] = ranking.Score{Index: uint32(i), ROI: roi.Weighted(ledger.At(i), rois)}
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
