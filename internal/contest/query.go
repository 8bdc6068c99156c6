package contest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/ranking"
	"github.com/atmx/contest-engine/internal/roi"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/store"
)

// Config returns the administrative record.
func (e *Engine) Config(ctx context.Context) (*model.Config, error) {
	var cfg *model.Config
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		cfg, err = loadConfig(ctx, tx)
		return err
	})
	return cfg, err
}

// Metadata returns the contest counter and fee accumulator.
func (e *Engine) Metadata(ctx context.Context) (*model.ContestMetadata, error) {
	var meta *model.ContestMetadata
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		meta, err = loadMetadata(ctx, tx)
		return err
	})
	return meta, err
}

// Contest returns one contest.
func (e *Engine) Contest(ctx context.Context, id uint64) (*model.Contest, error) {
	var c *model.Contest
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		c, err = loadContest(ctx, tx, id)
		return err
	})
	return c, err
}

// Contests returns every contest in id order.
func (e *Engine) Contests(ctx context.Context) ([]model.Contest, error) {
	var out []model.Contest
	err := e.store.View(ctx, func(tx store.Tx) error {
		return tx.Scan(ctx, store.ContestPrefix(), func(_ store.Key, raw []byte) error {
			var c model.Contest
			if err := store.Decode(raw, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// Entry returns participant's entry in a contest.
func (e *Engine) Entry(ctx context.Context, contestID uint64, participant string) (*model.Entry, error) {
	var entry model.Entry
	err := e.store.View(ctx, func(tx store.Tx) error {
		if err := tx.Get(ctx, store.EntryKey(contestID, participant), &entry); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s in contest %d", ErrEntryNotFound, participant, contestID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Entries returns a contest's entries in entry-index order.
func (e *Engine) Entries(ctx context.Context, contestID uint64) ([]model.Entry, error) {
	var out []model.Entry
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := loadContest(ctx, tx, contestID); err != nil {
			return err
		}
		return scanEntries(ctx, tx, contestID, func(en model.Entry) {
			out = append(out, en)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func scanEntries(ctx context.Context, tx store.Tx, contestID uint64, fn func(model.Entry)) error {
	return tx.Scan(ctx, store.EntryPrefix(contestID), func(_ store.Key, raw []byte) error {
		var en model.Entry
		if err := store.Decode(raw, &en); err != nil {
			return err
		}
		fn(en)
		return nil
	})
}

// Standing is one entry's position on a leaderboard.
type Standing struct {
	Position    int     `json:"position"` // 1-based
	Index       uint32  `json:"index"`
	Participant string  `json:"participant"`
	ROI         float64 `json:"roi"`
	Winner      bool    `json:"winner"`
	Payout      uint64  `json:"payout"`
	HasClaimed  bool    `json:"has_claimed"`
}

// Leaderboard ranks every entry of a contest.
type Leaderboard struct {
	ContestID   uint64      `json:"contest_id"`
	Stage       model.Stage `json:"stage"`
	Provisional bool        `json:"provisional"`
	ROIs        []float64   `json:"rois"`
	Standings   []Standing  `json:"standings"`
}

// Leaderboard ranks a contest's entries. Resolved contests use the
// recorded ROIs and winners. A live contest with locked prices is ranked
// provisionally against current oracle prices.
func (e *Engine) Leaderboard(ctx context.Context, contestID uint64) (*Leaderboard, error) {
	var (
		c       *model.Contest
		ledger  *model.CreditLedger
		entries = make(map[uint32]model.Entry)
	)
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if c, err = loadContest(ctx, tx, contestID); err != nil {
			return err
		}
		if ledger, err = loadLedger(ctx, tx, contestID); err != nil {
			return err
		}
		return scanEntries(ctx, tx, contestID, func(en model.Entry) {
			entries[en.Index] = en
		})
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	lb := &Leaderboard{ContestID: c.ID, Stage: c.Stage(now), ROIs: c.ROIs}
	if !c.IsResolved {
		if !c.PricesLocked() {
			return nil, fmt.Errorf("%w: contest %d", ErrPricesNotLocked, c.ID)
		}
		current, err := FetchPrices(ctx, e.oracle, e.policy, c.Assets, now, c.StartTime)
		if err != nil {
			return nil, err
		}
		rois, err := roi.AssetROIs(c.StartPrices, current)
		if err != nil {
			return nil, wrap(ErrPriceUnavailable, err)
		}
		lb.Provisional = true
		lb.ROIs = rois
	}

	scores := ranking.WeightedScores(ledger, int(c.NumEntries), lb.ROIs)
	ranking.SortDescending(scores)
	lb.Standings = make([]Standing, len(scores))
	for i, s := range scores {
		en := entries[s.Index]
		st := Standing{
			Position:    i + 1,
			Index:       s.Index,
			Participant: en.Participant,
			ROI:         s.ROI,
			HasClaimed:  en.HasClaimed,
		}
		if c.IsResolved {
			if rank := c.RankOf(s.Index); rank >= 0 {
				st.Winner = true
				st.Payout = settlement.PayoutAt(c.RewardAllocation, c.Distributable, rank)
			}
		}
		lb.Standings[i] = st
	}
	return lb, nil
}
