package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// genKey is bumped by every committed Update. A View only refills the
// cache while the generation it started under is still current, so a
// refill racing a write cannot cache the pre-write record.
const genKey = "rec:gen"

var errStaleFill = errors.New("store: cache generation moved")

// CachedStore wraps a primary Store with a Redis read-through cache.
// Reads inside View check Redis first then fall back to the primary;
// Update always works against the primary and invalidates every key it
// wrote once the transaction has committed.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) View(ctx context.Context, fn func(tx Tx) error) error {
	// Read the generation before the primary snapshot is taken.
	gen, err := s.generation(ctx)
	fill := err == nil
	return s.primary.View(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, store: s, gen: gen, fill: fill})
	})
}

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var written []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		written = written[:0]
		return fn(&trackingTx{Tx: tx, written: &written})
	})
	if err != nil {
		return err
	}
	if len(written) > 0 {
		// Invalidate; next read will re-populate.
		_, _ = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Incr(ctx, genKey)
			p.Del(ctx, written...)
			return nil
		})
	}
	return nil
}

func (s *CachedStore) generation(ctx context.Context) (int64, error) {
	gen, err := s.rdb.Get(ctx, genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// refill caches raw under key unless a write committed since gen.
func (s *CachedStore) refill(ctx context.Context, key Key, raw []byte, gen int64) error {
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, cacheKey(key), raw, s.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (s *CachedStore) Close() error {
	err := s.primary.Close()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

// --- Read-through ---

type cachedTx struct {
	Tx
	store *CachedStore
	gen   int64
	fill  bool
}

func (t *cachedTx) Get(ctx context.Context, key Key, dst any) error {
	// Try cache.
	data, err := t.store.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err == nil {
		if Decode(data, dst) == nil {
			return nil
		}
	}

	// Cache miss: read from primary, then populate.
	var raw rawRecord
	if err := t.Tx.Get(ctx, key, &raw); err != nil {
		return err
	}
	if t.fill {
		_ = t.store.refill(ctx, key, []byte(raw), t.gen)
	}
	return Decode(raw, dst)
}

// --- Write tracking ---

type trackingTx struct {
	Tx
	written *[]string
}

func (t *trackingTx) Create(ctx context.Context, key Key, v any) error {
	if err := t.Tx.Create(ctx, key, v); err != nil {
		return err
	}
	*t.written = append(*t.written, cacheKey(key))
	return nil
}

func (t *trackingTx) Put(ctx context.Context, key Key, v any) error {
	if err := t.Tx.Put(ctx, key, v); err != nil {
		return err
	}
	*t.written = append(*t.written, cacheKey(key))
	return nil
}

// rawRecord captures an encoded record without interpreting it.
type rawRecord []byte

func (r *rawRecord) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func cacheKey(key Key) string { return "rec:" + string(key) }
