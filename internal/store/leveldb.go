package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ Store = (*LevelDBStore)(nil)

// LevelDBOptions options for creating a level db backed store.
type LevelDBOptions struct {
	CacheSize              int
	OpenFilesCacheCapacity int
}

// LevelDBStore implements Store on an embedded level db. Update uses a
// level db transaction, which excludes other writers until it commits or
// is discarded.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens a persistent level db at path, creating it if needed.
func NewLevelDBStore(path string, opts LevelDBOptions) (*LevelDBStore, error) {
	stg, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "open level db storage")
	}
	return openLevelDB(stg, opts.CacheSize, opts.OpenFilesCacheCapacity)
}

// NewMemLevelDBStore creates a level db store in memory.
func NewMemLevelDBStore() (*LevelDBStore, error) {
	return openLevelDB(storage.NewMemStorage(), 0, 0)
}

func openLevelDB(stg storage.Storage, cacheSize, openFilesCacheCapacity int) (*LevelDBStore, error) {
	if cacheSize < 16 {
		cacheSize = 16
	}
	if openFilesCacheCapacity < 16 {
		openFilesCacheCapacity = 16
	}

	db, err := leveldb.Open(stg, &opt.Options{
		OpenFilesCacheCapacity: openFilesCacheCapacity,
		BlockCacheCapacity:     cacheSize / 2 * opt.MiB,
		WriteBuffer:            cacheSize / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open level db")
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) View(ctx context.Context, fn func(tx Tx) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return errors.Wrap(err, "level db snapshot")
	}
	defer snap.Release()

	return fn(&levelDBTx{reader: snap})
}

func (s *LevelDBStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return errors.Wrap(err, "open level db transaction")
	}
	if err := fn(&levelDBTx{reader: tr, writer: tr}); err != nil {
		tr.Discard()
		return err
	}
	if err := ctx.Err(); err != nil {
		tr.Discard()
		return err
	}
	return errors.Wrap(tr.Commit(), "commit level db transaction")
}

// Close closes the level db. Later operations will all fail.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type levelDBTx struct {
	reader interface {
		Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
		Has(key []byte, ro *opt.ReadOptions) (bool, error)
	}
	writer *leveldb.Transaction // nil for read-only
}

func (t *levelDBTx) Get(_ context.Context, key Key, dst any) error {
	raw, err := t.reader.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "get %s", key)
	}
	return Decode(raw, dst)
}

func (t *levelDBTx) Create(ctx context.Context, key Key, v any) error {
	ok, err := t.reader.Has([]byte(key), nil)
	if err != nil {
		return errors.Wrapf(err, "has %s", key)
	}
	if ok {
		return ErrExists
	}
	return t.Put(ctx, key, v)
}

func (t *levelDBTx) Put(_ context.Context, key Key, v any) error {
	if t.writer == nil {
		return errReadOnly
	}
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	return errors.Wrapf(t.writer.Put([]byte(key), raw, nil), "put %s", key)
}

func (t *levelDBTx) Scan(_ context.Context, prefix Key, fn func(Key, []byte) error) error {
	var it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Release()
		Error() error
	}
	r := util.BytesPrefix([]byte(prefix))
	switch src := t.reader.(type) {
	case *leveldb.Snapshot:
		it = src.NewIterator(r, nil)
	case *leveldb.Transaction:
		it = src.NewIterator(r, nil)
	default:
		return errors.New("level db: unsupported reader")
	}
	defer it.Release()

	for it.Next() {
		// Iterator buffers are reused; copy before handing out.
		k := Key(append([]byte(nil), it.Key()...))
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "scan level db")
}
