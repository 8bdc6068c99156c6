// Package oracle supplies asset price samples to the contest engine and
// enforces the freshness policy applied to them.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoData is returned when the oracle has no sample for an asset.
	ErrNoData = errors.New("oracle: no price data")

	// ErrStale is returned when a sample is older than the policy allows.
	ErrStale = errors.New("oracle: price sample is stale")

	// ErrTooEarly is returned when a sample predates the required window.
	ErrTooEarly = errors.New("oracle: price sample predates observation window")
)

// DefaultMaxAge is the default freshness bound for samples.
const DefaultMaxAge = 60 * time.Second

// Sample is a fixed-point price observation: Price × 10^Exponent.
type Sample struct {
	AssetID     string    `json:"asset_id"`
	Price       int64     `json:"price"`
	Exponent    int32     `json:"exponent"`
	PublishTime time.Time `json:"publish_time"`
}

// Decimal returns the exact price.
func (s Sample) Decimal() decimal.Decimal {
	return decimal.New(s.Price, s.Exponent)
}

// Value returns the price as a double, the precision ROI math runs at.
func (s Sample) Value() float64 {
	return s.Decimal().InexactFloat64()
}

// Oracle returns the latest sample for an asset, or ErrNoData.
type Oracle interface {
	GetPrice(ctx context.Context, assetID string) (Sample, error)
}

// Policy bounds which samples are acceptable. MaxAge 0 disables the
// staleness check.
type Policy struct {
	MaxAge time.Duration
}

// Check validates a sample observed at now. notBefore, when non-zero,
// rejects samples published before it.
func (p Policy) Check(s Sample, now, notBefore time.Time) error {
	if !notBefore.IsZero() && s.PublishTime.Before(notBefore) {
		return fmt.Errorf("%w: %s published %s, window opens %s",
			ErrTooEarly, s.AssetID, s.PublishTime.Format(time.RFC3339), notBefore.Format(time.RFC3339))
	}
	if p.MaxAge > 0 && now.Sub(s.PublishTime) > p.MaxAge {
		return fmt.Errorf("%w: %s is %s old (max %s)",
			ErrStale, s.AssetID, now.Sub(s.PublishTime).Round(time.Second), p.MaxAge)
	}
	return nil
}

// Fetch reads one sample per asset, in order, and validates each.
func Fetch(ctx context.Context, o Oracle, p Policy, assets []string, now, notBefore time.Time) ([]Sample, error) {
	out := make([]Sample, 0, len(assets))
	for _, id := range assets {
		s, err := o.GetPrice(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", id, err)
		}
		if err := p.Check(s, now, notBefore); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// StaticOracle serves samples set by the caller. Used for testing and
// development.
type StaticOracle struct {
	mu      sync.RWMutex
	samples map[string]Sample
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{samples: make(map[string]Sample)}
}

// Set records the latest sample for s.AssetID.
func (o *StaticOracle) Set(s Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples[s.AssetID] = s
}

// SetPrice records a float price with 8 decimal places at publishTime.
func (o *StaticOracle) SetPrice(assetID string, price float64, publishTime time.Time) {
	o.Set(Sample{
		AssetID:     assetID,
		Price:       decimal.NewFromFloat(price).Shift(8).Round(0).IntPart(),
		Exponent:    -8,
		PublishTime: publishTime,
	})
}

// Remove forgets an asset's sample.
func (o *StaticOracle) Remove(assetID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.samples, assetID)
}

func (o *StaticOracle) GetPrice(_ context.Context, assetID string) (Sample, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.samples[assetID]
	if !ok {
		return Sample{}, fmt.Errorf("%w: %s", ErrNoData, assetID)
	}
	return s, nil
}
