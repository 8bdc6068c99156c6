// Package keeper drives contests through their lifecycle on a schedule:
// it locks start prices once a contest starts and resolves it once it
// ends, handing large contests to a resolution venue.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/retry"
)

// DefaultSchedule runs a sweep every 15 seconds. The seconds field is
// optional.
const DefaultSchedule = "*/15 * * * * *"

const (
	ActionLock    = "lock"
	ActionResolve = "resolve"
)

// VenueResolver resolves a contest off the primary. venue.Venue
// satisfies it.
type VenueResolver interface {
	ID() string
	Resolve(ctx context.Context, caller string, contestID uint64) (*model.Contest, error)
}

// Listener observes contests the keeper changed.
type Listener func(action string, c *model.Contest)

// Config controls a Keeper.
type Config struct {
	Schedule string

	// Admin is the identity used for venue delegation.
	Admin string

	// DelegateThreshold is the entry count at which resolution moves to
	// the venue. Zero keeps every resolution on the primary.
	DelegateThreshold uint32

	SweepTimeout time.Duration
	Retry        retry.Config
}

// Keeper sweeps all unresolved contests.
type Keeper struct {
	engine   *contest.Engine
	venue    VenueResolver
	cfg      Config
	cron     *cron.Cron
	listener Listener
	logger   *zap.Logger
}

// New creates a keeper. venue may be nil.
func New(engine *contest.Engine, venue VenueResolver, cfg Config, logger *zap.Logger) *Keeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 25 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Retryable = Retryable
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("keeper")
	if venue != nil && cfg.DelegateThreshold > 0 && cfg.Admin == "" {
		logger.Warn("no admin identity configured, large contests resolve on the primary",
			zap.Uint32("delegate_threshold", cfg.DelegateThreshold),
		)
	}
	return &Keeper{
		engine: engine,
		venue:  venue,
		cfg:    cfg,
		logger: logger,
	}
}

// OnChange registers a listener for keeper-driven changes.
func (k *Keeper) OnChange(l Listener) {
	k.listener = l
}

// Retryable reports whether a failed keeper action may succeed later
// without any other change: missing oracle data or a lost version race.
func Retryable(err error) bool {
	return contest.KindOf(err) == contest.KindMissingData || errors.Is(err, contest.ErrVersionMismatch)
}

// Start schedules sweeps until ctx is done or Stop is called.
func (k *Keeper) Start(ctx context.Context) error {
	cl := cronLogger{k.logger.Sugar()}
	k.cron = cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := k.cron.AddFunc(k.cfg.Schedule, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, k.cfg.SweepTimeout)
		defer cancel()
		if err := k.Sweep(rctx); err != nil {
			k.logger.Warn("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", k.cfg.Schedule, err)
	}
	k.cron.Start()
	k.logger.Info("keeper started",
		zap.String("schedule", k.cfg.Schedule),
		zap.Uint32("delegate_threshold", k.cfg.DelegateThreshold),
	)
	return nil
}

// Stop waits for a running sweep to finish.
func (k *Keeper) Stop() {
	if k.cron != nil {
		<-k.cron.Stop().Done()
	}
}

// Sweep makes one pass over every unresolved contest. Failures on one
// contest do not stop the pass; the last one is returned.
func (k *Keeper) Sweep(ctx context.Context) error {
	contests, err := k.engine.Contests(ctx)
	if err != nil {
		return fmt.Errorf("list contests: %w", err)
	}

	var lastErr error
	for i := range contests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := k.advance(ctx, &contests[i]); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (k *Keeper) advance(ctx context.Context, c *model.Contest) error {
	if c.IsResolved || c.IsDelegated() {
		return nil
	}
	stage := c.Stage(k.engine.Now())
	if stage != model.StageLocked && stage != model.StageEnded {
		return nil
	}

	if !c.PricesLocked() {
		locked, err := k.run(ctx, ActionLock, c.ID, func() (*model.Contest, error) {
			return k.engine.LockPrices(ctx, c.ID)
		})
		if err != nil || locked == nil {
			return err
		}
		c = locked
	}

	if stage != model.StageEnded {
		return nil
	}
	_, err := k.run(ctx, ActionResolve, c.ID, func() (*model.Contest, error) {
		if k.delegates(c) {
			return k.venue.Resolve(ctx, k.cfg.Admin, c.ID)
		}
		return k.engine.Resolve(ctx, c.ID)
	})
	return err
}

// delegates reports whether c is large enough for the venue. Delegation
// needs the admin identity.
func (k *Keeper) delegates(c *model.Contest) bool {
	return k.venue != nil && k.cfg.Admin != "" &&
		k.cfg.DelegateThreshold > 0 && c.NumEntries >= k.cfg.DelegateThreshold
}

// run retries op and records the outcome. State errors mean another actor
// got there first and yield (nil, nil).
func (k *Keeper) run(ctx context.Context, action string, contestID uint64, op func() (*model.Contest, error)) (*model.Contest, error) {
	var out *model.Contest
	name := fmt.Sprintf("%s contest %d", action, contestID)
	err := retry.WithBackoff(ctx, k.cfg.Retry, k.logger, name, func() error {
		var err error
		out, err = op()
		return err
	})

	switch {
	case err == nil:
		metrics.KeeperActions.WithLabelValues(action, "ok").Inc()
		if k.listener != nil {
			k.listener(action, out)
		}
		return out, nil
	case contest.KindOf(err) == contest.KindState:
		metrics.KeeperActions.WithLabelValues(action, "skipped").Inc()
		k.logger.Debug("action skipped",
			zap.String("action", action),
			zap.Uint64("contest_id", contestID),
			zap.Error(err),
		)
		return nil, nil
	default:
		metrics.KeeperActions.WithLabelValues(action, "failed").Inc()
		k.logger.Warn("action failed",
			zap.String("action", action),
			zap.Uint64("contest_id", contestID),
			zap.Error(err),
		)
		return nil, err
	}
}

// cronLogger routes scheduler messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
