// Package model defines the records persisted by the contest engine.
//
// Token amounts are integer base units (uint64). ROI and percentage math
// is float64 with floor truncation so payouts stay compatible with the
// settlement formulas in package settlement.
package model

import (
	"time"
)

const (
	// MaxAssets bounds the number of assets a contest can draft.
	MaxAssets = 5

	// TotalCredits is the budget every entrant spreads across the assets.
	TotalCredits = 100
)

// Config is the process-wide administrative record. Created once by init.
type Config struct {
	Admin           string    `json:"admin"`
	SettlementAsset string    `json:"settlement_asset"`
	Initialized     bool      `json:"initialized"`
	CreatedAt       time.Time `json:"created_at"`
}

// Delegation marks a record as on loan to a secondary execution venue.
// While set, only the venue may change the record, and only through a
// commit back to the primary.
type Delegation struct {
	Venue string    `json:"venue"`
	Since time.Time `json:"since"`
}

// ContestMetadata is the process-wide contest counter and fee accumulator.
type ContestMetadata struct {
	NextContestID uint64      `json:"next_contest_id"`
	FeePercent    uint8       `json:"fee_percent"`  // 0–99
	AccruedFees   uint64      `json:"accrued_fees"` // accrued but not withdrawn
	Delegation    *Delegation `json:"delegation,omitempty"`
	Version       uint64      `json:"version"`
}

// IsDelegated reports whether the metadata is currently on loan.
func (m *ContestMetadata) IsDelegated() bool {
	return m.Delegation != nil
}

// Contest is one draft competition over a fixed asset set and time window.
// Never deleted; Resolved is terminal.
type Contest struct {
	ID         uint64    `json:"id"`
	Creator    string    `json:"creator"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	EntryFee   uint64    `json:"entry_fee"`
	MaxEntries uint32    `json:"max_entries"`
	NumEntries uint32    `json:"num_entries"`

	Assets           []string  `json:"assets"`
	StartPrices      []float64 `json:"start_prices,omitempty"`
	ROIs             []float64 `json:"rois,omitempty"`
	RewardAllocation []uint8   `json:"reward_allocation"` // descending, sums to 100
	WinnerIDs        []uint32  `json:"winner_ids,omitempty"`

	IsResolved    bool   `json:"is_resolved"`
	PoolAmount    uint64 `json:"pool_amount"`
	FeeAmount     uint64 `json:"fee_amount"`
	Distributable uint64 `json:"distributable"`
	FeePending    bool   `json:"fee_pending"` // fee accrued but still held in escrow

	PricesLockedAt *time.Time `json:"prices_locked_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"` // "primary" or a venue id

	Delegation *Delegation `json:"delegation,omitempty"`
	Version    uint64      `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
}

// PricesLocked reports whether the start prices have been captured.
func (c *Contest) PricesLocked() bool {
	return len(c.StartPrices) > 0
}

// IsDelegated reports whether the contest is currently on loan.
func (c *Contest) IsDelegated() bool {
	return c.Delegation != nil
}

// IsFull reports whether the contest has reached its entry cap.
func (c *Contest) IsFull() bool {
	return c.NumEntries >= c.MaxEntries
}

// Stage derives the lifecycle stage at the given instant.
func (c *Contest) Stage(now time.Time) Stage {
	switch {
	case c.IsResolved:
		return StageResolved
	case now.Before(c.StartTime):
		return StageOpen
	case now.Before(c.EndTime):
		return StageLocked
	default:
		return StageEnded
	}
}

// RankOf returns the 0-based rank position of an entry index among the
// winners, or -1 if the entry did not place.
func (c *Contest) RankOf(entryIndex uint32) int {
	for p, id := range c.WinnerIDs {
		if id == entryIndex {
			return p
		}
	}
	return -1
}

// Entry is one participant's allocation in one contest.
type Entry struct {
	Participant      string     `json:"participant"`
	Index            uint32     `json:"index"`
	ContestID        uint64     `json:"contest_id"`
	CreditAllocation []uint8    `json:"credit_allocation"`
	HasClaimed       bool       `json:"has_claimed"`
	Payout           uint64     `json:"payout,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
}

// CreditLedger is the append-only, flattened record of every entry's
// allocation vector in entry-index order. Width is the contest's asset
// count, so entry i occupies Allocations[i*Width : (i+1)*Width].
type CreditLedger struct {
	ContestID   uint64  `json:"contest_id"`
	Width       int     `json:"width"`
	Allocations []uint8 `json:"allocations"`
}

// Len returns the number of allocation vectors in the ledger.
func (l *CreditLedger) Len() int {
	if l.Width == 0 {
		return 0
	}
	return len(l.Allocations) / l.Width
}

// At returns entry i's allocation vector. The slice aliases the ledger.
func (l *CreditLedger) At(i int) []uint8 {
	return l.Allocations[i*l.Width : (i+1)*l.Width]
}

// Append adds one allocation vector to the end of the ledger.
func (l *CreditLedger) Append(alloc []uint8) {
	l.Allocations = append(l.Allocations, alloc...)
}
