package contest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/rail"
	"github.com/atmx/contest-engine/internal/store"
)

// WithdrawFee sends every accrued protocol fee to destination (the caller
// when empty). Fees still held in contest escrows are swept to the vault
// first. Returns the amount withdrawn; zero when nothing has accrued.
func (e *Engine) WithdrawFee(ctx context.Context, caller, destination string) (uint64, error) {
	if destination == "" {
		destination = caller
	}

	defer e.lockMetadata()()

	var (
		swept  []rail.Transfer
		payout rail.Transfer
		amount uint64
		nSwept int
	)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, caller); err != nil {
			return err
		}
		meta, err := loadMetadata(ctx, tx)
		if err != nil {
			return err
		}
		if meta.IsDelegated() {
			return fmt.Errorf("%w: metadata held by %s", ErrDelegated, meta.Delegation.Venue)
		}

		var pending []model.Contest
		err = tx.Scan(ctx, store.ContestPrefix(), func(_ store.Key, raw []byte) error {
			var c model.Contest
			if err := store.Decode(raw, &c); err != nil {
				return err
			}
			if c.FeePending && !c.IsDelegated() {
				pending = append(pending, c)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan contests: %w", err)
		}

		for i := range pending {
			c := &pending[i]
			c.FeePending = false
			c.Version++
			if err := tx.Put(ctx, store.ContestKey(c.ID), c); err != nil {
				return err
			}
			sweep := rail.Transfer{
				From:      EscrowAccount(c.ID),
				To:        FeeVault,
				Authority: Authority,
				Amount:    c.FeeAmount,
			}
			if err := e.transfer(ctx, sweep); err != nil {
				return err
			}
			swept = append(swept, sweep)
		}
		nSwept = len(pending)

		amount = meta.AccruedFees
		if amount == 0 {
			return nil
		}
		meta.AccruedFees = 0
		meta.Version++
		if err := tx.Put(ctx, store.MetadataKey(), meta); err != nil {
			return err
		}

		payout = rail.Transfer{
			From:      FeeVault,
			To:        destination,
			Authority: Authority,
			Amount:    amount,
		}
		return e.transfer(ctx, payout)
	})
	if err != nil {
		for i := len(swept) - 1; i >= 0; i-- {
			e.refund(ctx, swept[i], err)
		}
		if payout.Amount > 0 && !isPreTransfer(err) {
			e.logger.Error("fee withdrawn but not recorded",
				zap.String("destination", destination),
				zap.Uint64("amount", payout.Amount),
				zap.Error(err),
			)
		}
		return 0, err
	}

	metrics.FeesWithdrawn.Add(float64(amount))
	e.logger.Info("fees withdrawn",
		zap.String("admin", caller),
		zap.String("destination", destination),
		zap.Uint64("amount", amount),
		zap.Int("contests_swept", nSwept),
	)
	return amount, nil
}
