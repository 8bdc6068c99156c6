// Package store defines the record store used by the contest engine.
// Records are addressed by a domain tag plus identifying fields and are
// encoded as JSON documents. Implementations include PostgreSQL, LevelDB,
// a Redis read-through cache, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

var (
	// ErrNotFound is returned by Get when the key holds no record.
	ErrNotFound = errors.New("store: record not found")

	// ErrExists is returned by Create when the key already holds a record.
	ErrExists = errors.New("store: record already exists")

	errReadOnly = errors.New("store: write in read-only transaction")
)

// Key addresses one record.
type Key string

// Domain tags.
const (
	TagConfig   = "config"
	TagMetadata = "metadata"
	TagContest  = "contest"
	TagEntry    = "entry"
	TagCredits  = "credits"
)

// NewKey joins a domain tag and identifying fields.
func NewKey(tag string, fields ...string) Key {
	if len(fields) == 0 {
		return Key(tag)
	}
	return Key(tag + "/" + strings.Join(fields, "/"))
}

// Contest ids are zero-padded so lexical prefix scans return id order.
func idField(id uint64) string { return fmt.Sprintf("%020d", id) }

func ConfigKey() Key              { return NewKey(TagConfig) }
func MetadataKey() Key            { return NewKey(TagMetadata) }
func ContestKey(id uint64) Key    { return NewKey(TagContest, idField(id)) }
func CreditsKey(id uint64) Key    { return NewKey(TagCredits, idField(id)) }
func ContestPrefix() Key          { return NewKey(TagContest) + "/" }
func EntryPrefix(id uint64) Key   { return NewKey(TagEntry, idField(id)) + "/" }
func EntryKey(id uint64, participant string) Key {
	return NewKey(TagEntry, idField(id), participant)
}

// Tx is a view of the store inside one transaction.
type Tx interface {
	// Get decodes the record at key into dst.
	Get(ctx context.Context, key Key, dst any) error

	// Create writes v at key only if the key is absent (insert-if-absent).
	Create(ctx context.Context, key Key, v any) error

	// Put writes v at key, replacing any existing record.
	Put(ctx context.Context, key Key, v any) error

	// Scan calls fn for every record whose key starts with prefix, in key
	// order. Use Decode to unpack the raw value.
	Scan(ctx context.Context, prefix Key, fn func(key Key, raw []byte) error) error
}

// Store is the persistence interface. Update runs fn in a read-write
// transaction that commits only if fn returns nil; View runs fn against a
// consistent read-only view.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Encode marshals a record.
func Encode(v any) ([]byte, error) {
	return sonnet.Marshal(v)
}

// Decode unmarshals a record.
func Decode(raw []byte, dst any) error {
	return sonnet.Unmarshal(raw, dst)
}
