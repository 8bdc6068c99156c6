package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every record lives in one row of the records table; write transactions
// lock the rows they read (SELECT ... FOR UPDATE) so mutations of one
// contest serialize across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the records table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS records (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return fn(&postgresTx{tx: tx})
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx, forUpdate: true})
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type postgresTx struct {
	tx        pgx.Tx
	forUpdate bool
}

func (t *postgresTx) Get(ctx context.Context, key Key, dst any) error {
	query := `SELECT value::TEXT FROM records WHERE key = $1`
	if t.forUpdate {
		query += ` FOR UPDATE`
	}

	var raw string
	err := t.tx.QueryRow(ctx, query, string(key)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return Decode([]byte(raw), dst)
}

func (t *postgresTx) Create(ctx context.Context, key Key, v any) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO records (key, value) VALUES ($1, $2::JSONB)
		 ON CONFLICT (key) DO NOTHING`,
		string(key), string(raw),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (t *postgresTx) Put(ctx context.Context, key Key, v any) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO records (key, value) VALUES ($1, $2::JSONB)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		string(key), string(raw),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *postgresTx) Scan(ctx context.Context, prefix Key, fn func(Key, []byte) error) error {
	rows, err := t.tx.Query(ctx,
		`SELECT key, value::TEXT FROM records
		 WHERE starts_with(key, $1) ORDER BY key`, string(prefix))
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	// Collect first: fn may issue queries on the same tx.
	type row struct {
		key Key
		raw []byte
	}
	var out []row
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		out = append(out, row{key: Key(k), raw: []byte(v)})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, r := range out {
		if err := fn(r.key, r.raw); err != nil {
			return err
		}
	}
	return nil
}
