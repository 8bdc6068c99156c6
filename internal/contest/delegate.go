package contest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/store"
)

// Snapshot is a venue's working copy of a delegated contest. The base
// versions identify the primary state the copy was taken from.
type Snapshot struct {
	Contest         model.Contest         `json:"contest"`
	Metadata        model.ContestMetadata `json:"metadata"`
	Ledger          model.CreditLedger    `json:"ledger"`
	ContestVersion  uint64                `json:"contest_version"`
	MetadataVersion uint64                `json:"metadata_version"`
}

// Delegate loans the contest and the metadata to venue. Until the venue
// commits with release, or an admin undelegates, every primary mutation of
// either record fails with ErrDelegated.
func (e *Engine) Delegate(ctx context.Context, caller string, contestID uint64, venue string) (*Snapshot, error) {
	if venue == "" {
		return nil, fmt.Errorf("%w: empty venue", ErrInvalidParticipant)
	}

	defer e.lockContest(contestID)()
	defer e.lockMetadata()()

	now := e.now()
	var snap Snapshot
	err := e.store.Update(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, caller); err != nil {
			return err
		}
		c, err := loadContest(ctx, tx, contestID)
		if err != nil {
			return err
		}
		meta, err := loadMetadata(ctx, tx)
		if err != nil {
			return err
		}
		if c.IsResolved {
			return fmt.Errorf("%w: contest %d", ErrAlreadyResolved, c.ID)
		}
		if c.IsDelegated() {
			return fmt.Errorf("%w: contest %d held by %s", ErrDelegated, c.ID, c.Delegation.Venue)
		}
		if meta.IsDelegated() {
			return fmt.Errorf("%w: metadata held by %s", ErrDelegated, meta.Delegation.Venue)
		}

		c.Delegation = &model.Delegation{Venue: venue, Since: now}
		meta.Delegation = &model.Delegation{Venue: venue, Since: now}
		c.Version++
		meta.Version++
		if err := tx.Put(ctx, store.ContestKey(c.ID), c); err != nil {
			return err
		}
		if err := tx.Put(ctx, store.MetadataKey(), meta); err != nil {
			return err
		}

		ledger, err := loadLedger(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		snap = Snapshot{
			Contest:         *c,
			Metadata:        *meta,
			Ledger:          *ledger,
			ContestVersion:  c.Version,
			MetadataVersion: meta.Version,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Delegations.WithLabelValues("delegate").Inc()
	e.logger.Info("contest delegated",
		zap.Uint64("contest_id", contestID),
		zap.String("venue", venue),
	)
	return &snap, nil
}

// Commit writes a venue's contest and metadata back to the primary. The
// venue must hold the delegation and the snapshot must be based on the
// latest committed primary state. With release the delegation ends;
// without it the snapshot is rebased so the venue can commit again.
func (e *Engine) Commit(ctx context.Context, venue string, snap *Snapshot, release bool) error {
	contestID := snap.Contest.ID

	defer e.lockContest(contestID)()
	defer e.lockMetadata()()

	err := e.store.Update(ctx, func(tx store.Tx) error {
		c, err := loadContest(ctx, tx, contestID)
		if err != nil {
			return err
		}
		meta, err := loadMetadata(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkHolder(c.Delegation, venue, fmt.Sprintf("contest %d", c.ID)); err != nil {
			return err
		}
		if err := checkHolder(meta.Delegation, venue, "metadata"); err != nil {
			return err
		}
		if c.Version != snap.ContestVersion || meta.Version != snap.MetadataVersion {
			return fmt.Errorf("%w: contest v%d/%d metadata v%d/%d", ErrVersionMismatch,
				snap.ContestVersion, c.Version, snap.MetadataVersion, meta.Version)
		}

		nc := snap.Contest
		nm := snap.Metadata
		nc.Version = c.Version + 1
		nm.Version = meta.Version + 1
		if release {
			nc.Delegation = nil
			nm.Delegation = nil
		} else {
			nc.Delegation = c.Delegation
			nm.Delegation = meta.Delegation
		}
		if err := tx.Put(ctx, store.ContestKey(contestID), &nc); err != nil {
			return err
		}
		if err := tx.Put(ctx, store.MetadataKey(), &nm); err != nil {
			return err
		}

		snap.Contest, snap.Metadata = nc, nm
		snap.ContestVersion, snap.MetadataVersion = nc.Version, nm.Version
		return nil
	})
	if err != nil {
		return err
	}

	metrics.Delegations.WithLabelValues("commit").Inc()
	e.logger.Info("delegated state committed",
		zap.Uint64("contest_id", contestID),
		zap.String("venue", venue),
		zap.Bool("released", release),
		zap.Bool("resolved", snap.Contest.IsResolved),
	)
	return nil
}

// Undelegate ends a delegation without applying any venue state.
func (e *Engine) Undelegate(ctx context.Context, caller string, contestID uint64) error {
	defer e.lockContest(contestID)()
	defer e.lockMetadata()()

	var venue string
	err := e.store.Update(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, caller); err != nil {
			return err
		}
		c, err := loadContest(ctx, tx, contestID)
		if err != nil {
			return err
		}
		if !c.IsDelegated() {
			return fmt.Errorf("%w: contest %d", ErrNotDelegated, c.ID)
		}
		venue = c.Delegation.Venue
		c.Delegation = nil
		c.Version++
		if err := tx.Put(ctx, store.ContestKey(c.ID), c); err != nil {
			return err
		}

		meta, err := loadMetadata(ctx, tx)
		if err != nil {
			return err
		}
		if meta.IsDelegated() && meta.Delegation.Venue == venue {
			meta.Delegation = nil
			meta.Version++
			return tx.Put(ctx, store.MetadataKey(), meta)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.Delegations.WithLabelValues("undelegate").Inc()
	e.logger.Warn("delegation revoked",
		zap.Uint64("contest_id", contestID),
		zap.String("venue", venue),
		zap.String("admin", caller),
	)
	return nil
}

func checkHolder(d *model.Delegation, venue, what string) error {
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNotDelegated, what)
	}
	if d.Venue != venue {
		return fmt.Errorf("%w: %s is held by %s, not %s", ErrUnauthorized, what, d.Venue, venue)
	}
	return nil
}
