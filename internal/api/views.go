package api

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/settlement"
)

// Units converts between integer base units and decimal token amounts.
type Units struct {
	Decimals int32
}

// Amount renders base units as a token amount.
func (u Units) Amount(base uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(base), -u.Decimals)
}

// Base converts a token amount to base units. Fractions finer than one
// base unit are rejected.
func (u Units) Base(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", amount)
	}
	base := amount.Shift(u.Decimals)
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, u.Decimals)
	}
	if base.BigInt().Cmp(new(big.Int).SetUint64(math.MaxUint64)) > 0 {
		return 0, fmt.Errorf("amount %s is too large", amount)
	}
	return base.BigInt().Uint64(), nil
}

// ContestView is the JSON form of a contest.
type ContestView struct {
	ID               uint64          `json:"id"`
	Creator          string          `json:"creator"`
	Stage            model.Stage     `json:"stage"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time"`
	EntryFee         decimal.Decimal `json:"entry_fee"`
	MaxEntries       uint32          `json:"max_entries"`
	NumEntries       uint32          `json:"num_entries"`
	Assets           []string        `json:"assets"`
	RewardAllocation []int           `json:"reward_allocation"`
	StartPrices      []float64       `json:"start_prices,omitempty"`
	PricesLockedAt   *time.Time      `json:"prices_locked_at,omitempty"`

	IsResolved    bool            `json:"is_resolved"`
	ROIs          []float64       `json:"rois,omitempty"`
	WinnerIDs     []uint32        `json:"winner_ids,omitempty"`
	Pool          decimal.Decimal `json:"pool"`
	Fee           decimal.Decimal `json:"fee"`
	Distributable decimal.Decimal `json:"distributable"`
	Payouts       []PayoutView    `json:"payouts,omitempty"`
	FeePending    bool            `json:"fee_pending,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	DelegatedTo   string          `json:"delegated_to,omitempty"`
}

// PayoutView is one placed entry's reward.
type PayoutView struct {
	Rank   int             `json:"rank"`
	Index  uint32          `json:"index"`
	Amount decimal.Decimal `json:"amount"`
}

func (u Units) contest(c *model.Contest, now time.Time) ContestView {
	v := ContestView{
		ID:               c.ID,
		Creator:          c.Creator,
		Stage:            c.Stage(now),
		StartTime:        c.StartTime,
		EndTime:          c.EndTime,
		EntryFee:         u.Amount(c.EntryFee),
		MaxEntries:       c.MaxEntries,
		NumEntries:       c.NumEntries,
		Assets:           c.Assets,
		RewardAllocation: ints(c.RewardAllocation),
		StartPrices:      c.StartPrices,
		PricesLockedAt:   c.PricesLockedAt,
		IsResolved:       c.IsResolved,
		ROIs:             c.ROIs,
		WinnerIDs:        c.WinnerIDs,
		Pool:             u.Amount(c.PoolAmount),
		Fee:              u.Amount(c.FeeAmount),
		Distributable:    u.Amount(c.Distributable),
		FeePending:       c.FeePending,
		ResolvedAt:       c.ResolvedAt,
		ResolvedBy:       c.ResolvedBy,
	}
	if !c.IsResolved {
		v.Pool = u.Amount(settlement.Pool(c.EntryFee, c.NumEntries))
	}
	if c.Delegation != nil {
		v.DelegatedTo = c.Delegation.Venue
	}
	for rank, idx := range c.WinnerIDs {
		v.Payouts = append(v.Payouts, PayoutView{
			Rank:   rank + 1,
			Index:  idx,
			Amount: u.Amount(settlement.PayoutAt(c.RewardAllocation, c.Distributable, rank)),
		})
	}
	return v
}

// EntryView is the JSON form of an entry.
type EntryView struct {
	ContestID        uint64          `json:"contest_id"`
	Index            uint32          `json:"index"`
	Participant      string          `json:"participant"`
	CreditAllocation []int           `json:"credit_allocation"`
	HasClaimed       bool            `json:"has_claimed"`
	Payout           decimal.Decimal `json:"payout"`
	CreatedAt        time.Time       `json:"created_at"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
}

func (u Units) entry(e *model.Entry) EntryView {
	return EntryView{
		ContestID:        e.ContestID,
		Index:            e.Index,
		Participant:      e.Participant,
		CreditAllocation: ints(e.CreditAllocation),
		HasClaimed:       e.HasClaimed,
		Payout:           u.Amount(e.Payout),
		CreatedAt:        e.CreatedAt,
		ClaimedAt:        e.ClaimedAt,
	}
}

// MetadataView is the JSON form of the contest metadata.
type MetadataView struct {
	NextContestID uint64          `json:"next_contest_id"`
	FeePercent    uint8           `json:"fee_percent"`
	AccruedFees   decimal.Decimal `json:"accrued_fees"`
	DelegatedTo   string          `json:"delegated_to,omitempty"`
}

func (u Units) metadata(m *model.ContestMetadata) MetadataView {
	v := MetadataView{
		NextContestID: m.NextContestID,
		FeePercent:    m.FeePercent,
		AccruedFees:   u.Amount(m.AccruedFees),
	}
	if m.Delegation != nil {
		v.DelegatedTo = m.Delegation.Venue
	}
	return v
}

// StandingView is one leaderboard row.
type StandingView struct {
	Position    int             `json:"position"`
	Index       uint32          `json:"index"`
	Participant string          `json:"participant"`
	ROI         float64         `json:"roi"`
	Winner      bool            `json:"winner,omitempty"`
	Payout      decimal.Decimal `json:"payout"`
	HasClaimed  bool            `json:"has_claimed,omitempty"`
}

// LeaderboardView is the JSON form of a leaderboard.
type LeaderboardView struct {
	ContestID   uint64         `json:"contest_id"`
	Stage       model.Stage    `json:"stage"`
	Provisional bool           `json:"provisional"`
	ROIs        []float64      `json:"rois"`
	Standings   []StandingView `json:"standings"`
}

func (u Units) leaderboard(lb *contest.Leaderboard) LeaderboardView {
	v := LeaderboardView{
		ContestID:   lb.ContestID,
		Stage:       lb.Stage,
		Provisional: lb.Provisional,
		ROIs:        lb.ROIs,
		Standings:   make([]StandingView, len(lb.Standings)),
	}
	for i, s := range lb.Standings {
		v.Standings[i] = StandingView{
			Position:    s.Position,
			Index:       s.Index,
			Participant: s.Participant,
			ROI:         s.ROI,
			Winner:      s.Winner,
			Payout:      u.Amount(s.Payout),
			HasClaimed:  s.HasClaimed,
		}
	}
	return v
}

func ints(b []uint8) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// uint8s converts a JSON percentage vector, rejecting values outside a
// byte.
func uint8s(vals []int) ([]uint8, error) {
	out := make([]uint8, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("value %d at position %d is out of range", v, i)
		}
		out[i] = uint8(v)
	}
	return out, nil
}
