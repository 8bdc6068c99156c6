package contest

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/store"
)

func loadConfig(ctx context.Context, tx store.Tx) (*model.Config, error) {
	var cfg model.Config
	if err := tx.Get(ctx, store.ConfigKey(), &cfg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	return &cfg, nil
}

func loadMetadata(ctx context.Context, tx store.Tx) (*model.ContestMetadata, error) {
	var meta model.ContestMetadata
	if err := tx.Get(ctx, store.MetadataKey(), &meta); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	return &meta, nil
}

func loadContest(ctx context.Context, tx store.Tx, id uint64) (*model.Contest, error) {
	var c model.Contest
	if err := tx.Get(ctx, store.ContestKey(id), &c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrContestNotFound, id)
		}
		return nil, err
	}
	return &c, nil
}

func loadLedger(ctx context.Context, tx store.Tx, id uint64) (*model.CreditLedger, error) {
	var l model.CreditLedger
	if err := tx.Get(ctx, store.CreditsKey(id), &l); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: ledger %d", ErrContestNotFound, id)
		}
		return nil, err
	}
	return &l, nil
}

// requireAdmin loads the config and checks caller against its admin.
func requireAdmin(ctx context.Context, tx store.Tx, caller string) (*model.Config, error) {
	cfg, err := loadConfig(ctx, tx)
	if err != nil {
		return nil, err
	}
	if caller == "" || caller != cfg.Admin {
		return nil, fmt.Errorf("%w: %q is not the administrator", ErrUnauthorized, caller)
	}
	return cfg, nil
}
