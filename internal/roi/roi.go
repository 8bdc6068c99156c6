// Package roi computes per-asset and allocation-weighted returns.
//
// ROI is a percentage: ((settle − start) / start) × 100, in float64.
package roi

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroStartPrice is returned when a start price is zero or negative,
	// which would make the ROI undefined.
	ErrZeroStartPrice = errors.New("roi: start price must be positive")

	// ErrLengthMismatch is returned when parallel slices differ in length.
	ErrLengthMismatch = errors.New("roi: length mismatch")
)

// AssetROI returns the percentage change from start to settle.
func AssetROI(start, settle float64) (float64, error) {
	if start <= 0 {
		return 0, fmt.Errorf("%w: got %v", ErrZeroStartPrice, start)
	}
	return ((settle - start) / start) * 100, nil
}

// AssetROIs computes AssetROI pairwise over parallel price lists.
func AssetROIs(starts, settles []float64) ([]float64, error) {
	if len(starts) != len(settles) {
		return nil, fmt.Errorf("%w: %d start prices, %d settlement prices",
			ErrLengthMismatch, len(starts), len(settles))
	}
	out := make([]float64, len(starts))
	for i := range starts {
		r, err := AssetROI(starts[i], settles[i])
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// Weighted returns Σ (alloc_i / 100) × rois_i. The caller guarantees the
// lengths match (the credit ledger is validated on entry).
func Weighted(alloc []uint8, rois []float64) float64 {
	var sum float64
	for i, a := range alloc {
		sum += (float64(a) / 100.0) * rois[i]
	}
	return sum
}
