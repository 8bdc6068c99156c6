// Package settlement holds the pool, fee and payout formulas.
//
// Each payout is floored independently, so the payouts of a contest may
// sum to less than its distributable amount. The remainder (dust) stays
// in the contest escrow and is never redistributed.
package settlement

import (
	"fmt"
	"math"
	"strings"
)

// FeeMode selects how a resolved contest's fee reaches the protocol.
type FeeMode string

const (
	// FeeModeTransfer moves the fee from escrow to the fee vault at
	// resolution time.
	FeeModeTransfer FeeMode = "transfer"

	// FeeModeAccumulate leaves the fee in escrow and records it as
	// pending; withdrawal sweeps it.
	FeeModeAccumulate FeeMode = "accumulate"
)

// ParseFeeMode parses a fee mode name.
func ParseFeeMode(s string) (FeeMode, error) {
	switch FeeMode(strings.ToLower(strings.TrimSpace(s))) {
	case FeeModeTransfer, "":
		return FeeModeTransfer, nil
	case FeeModeAccumulate:
		return FeeModeAccumulate, nil
	}
	return "", fmt.Errorf("settlement: unknown fee mode %q", s)
}

// Pool returns the total entry fees collected.
func Pool(entryFee uint64, numEntries uint32) uint64 {
	return entryFee * uint64(numEntries)
}

// Fee returns floor(feePercent/100 × pool).
func Fee(feePercent uint8, pool uint64) uint64 {
	return percentOf(feePercent, pool)
}

// Payout returns floor(rewardPercent/100 × distributable).
func Payout(rewardPercent uint8, distributable uint64) uint64 {
	return percentOf(rewardPercent, distributable)
}

// percentOf evaluates floor(pct/100 × v) in double precision. Above 2^53
// the float product can round past v, so the result is capped at v.
func percentOf(pct uint8, v uint64) uint64 {
	f := math.Floor(float64(pct) / 100.0 * float64(v))
	if f >= float64(v) {
		return v
	}
	return uint64(f)
}

// Payouts returns the payout of each of the first n reward tiers. A tier
// never receives more than what earlier tiers left of distributable.
func Payouts(rewardAllocation []uint8, distributable uint64, n int) []uint64 {
	n = min(n, len(rewardAllocation))
	out := make([]uint64, 0, max(n, 0))
	var paid uint64
	for p := 0; p < n; p++ {
		amt := min(Payout(rewardAllocation[p], distributable), distributable-paid)
		out = append(out, amt)
		paid += amt
	}
	return out
}

// PayoutAt returns the payout of reward tier rank.
func PayoutAt(rewardAllocation []uint8, distributable uint64, rank int) uint64 {
	if rank < 0 || rank >= len(rewardAllocation) {
		return 0
	}
	return Payouts(rewardAllocation, distributable, rank+1)[rank]
}

// Breakdown is the settlement of one contest.
type Breakdown struct {
	Pool          uint64   `json:"pool"`
	Fee           uint64   `json:"fee"`
	Distributable uint64   `json:"distributable"`
	Payouts       []uint64 `json:"payouts"` // by rank position
	Dust          uint64   `json:"dust"`
}

// Settle computes the full breakdown. Payouts has one element per reward
// tier that has a winner; tiers without a winner are left in escrow with
// the dust.
func Settle(entryFee uint64, numEntries uint32, feePercent uint8, rewardAllocation []uint8, numWinners int) Breakdown {
	pool := Pool(entryFee, numEntries)
	fee := Fee(feePercent, pool)
	b := Breakdown{
		Pool:          pool,
		Fee:           fee,
		Distributable: pool - fee,
	}

	if numWinners > 0 {
		b.Payouts = Payouts(rewardAllocation, b.Distributable, numWinners)
	}
	var paid uint64
	for _, amt := range b.Payouts {
		paid += amt
	}
	if paid < b.Distributable {
		b.Dust = b.Distributable - paid
	}
	return b
}
