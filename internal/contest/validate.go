package contest

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/oracle"
)

// ContestParams is the creator-supplied definition of a new contest.
type ContestParams struct {
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	EntryFee         uint64    `json:"entry_fee"`
	MaxEntries       uint32    `json:"max_entries"`
	Assets           []string  `json:"assets"`
	RewardAllocation []uint8   `json:"reward_allocation"`
}

// Validate checks params against now and returns the normalized asset ids.
func (p ContestParams) Validate(now time.Time) ([]string, error) {
	if !p.StartTime.After(now) {
		return nil, fmt.Errorf("%w: start %s is not in the future", ErrInvalidTimeWindow, p.StartTime.Format(time.RFC3339))
	}
	if !p.EndTime.After(p.StartTime) {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidTimeWindow)
	}

	assets, err := NormalizeAssets(p.Assets)
	if err != nil {
		return nil, err
	}
	if err := ValidateRewardAllocation(p.RewardAllocation); err != nil {
		return nil, err
	}
	if p.MaxEntries == 0 || int(p.MaxEntries) < len(p.RewardAllocation) {
		return nil, fmt.Errorf("%w: %d entries for %d reward tiers",
			ErrInvalidMaxEntries, p.MaxEntries, len(p.RewardAllocation))
	}
	if hi, _ := bits.Mul64(p.EntryFee, uint64(p.MaxEntries)); hi != 0 {
		return nil, fmt.Errorf("%w: pool of %d entries at %d overflows", ErrInvalidMaxEntries, p.MaxEntries, p.EntryFee)
	}
	return assets, nil
}

// NormalizeAssets parses 1..MaxAssets distinct asset ids.
func NormalizeAssets(ids []string) ([]string, error) {
	if len(ids) == 0 || len(ids) > model.MaxAssets {
		return nil, fmt.Errorf("%w: need 1 to %d assets, got %d", ErrInvalidAssets, model.MaxAssets, len(ids))
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		norm, err := oracle.ParseAssetID(id)
		if err != nil {
			return nil, wrap(ErrInvalidAssets, err)
		}
		if seen[norm] {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrInvalidAssets, norm)
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out, nil
}

// ValidateRewardAllocation requires a non-empty, non-increasing list of
// positive percentages summing to 100.
func ValidateRewardAllocation(alloc []uint8) error {
	if len(alloc) == 0 {
		return fmt.Errorf("%w: no reward tiers", ErrInvalidRewardAllocation)
	}
	sum := 0
	for i, pct := range alloc {
		if pct == 0 {
			return fmt.Errorf("%w: tier %d is zero", ErrInvalidRewardAllocation, i)
		}
		if i > 0 && pct > alloc[i-1] {
			return fmt.Errorf("%w: tier %d exceeds tier %d", ErrInvalidRewardAllocation, i, i-1)
		}
		sum += int(pct)
	}
	if sum != 100 {
		return fmt.Errorf("%w: tiers sum to %d", ErrInvalidRewardAllocation, sum)
	}
	return nil
}

// ValidateAllocation requires one credit weight per asset summing to
// TotalCredits.
func ValidateAllocation(alloc []uint8, numAssets int) error {
	if len(alloc) != numAssets {
		return fmt.Errorf("%w: %d weights for %d assets", ErrInvalidAllocation, len(alloc), numAssets)
	}
	sum := 0
	for _, c := range alloc {
		sum += int(c)
	}
	if sum != model.TotalCredits {
		return fmt.Errorf("%w: credits sum to %d", ErrInvalidAllocation, sum)
	}
	return nil
}
