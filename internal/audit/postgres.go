package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// execer is the subset of *pgxpool.Pool the recorder uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder inserts entries into a table.
type PostgresRecorder struct {
	db    execer
	table string
	close func()
}

// NewPostgresRecorder connects to dsn and makes sure the table exists.
func NewPostgresRecorder(ctx context.Context, dsn, table string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	r := newPostgresRecorder(pool, table)
	r.close = pool.Close
	if err := r.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func newPostgresRecorder(db execer, table string) *PostgresRecorder {
	return &PostgresRecorder{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the table if it does not exist.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+r.table+` (
	id          BIGSERIAL PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	mode        TEXT NOT NULL,
	game_id     TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	instrument  TEXT NOT NULL,
	action      TEXT NOT NULL,
	price_cents INTEGER NOT NULL,
	size        DOUBLE PRECISION NOT NULL,
	contracts   INTEGER NOT NULL,
	order_id    TEXT,
	status      TEXT NOT NULL,
	error       TEXT,
	payload     JSONB,
	response    JSONB
)`)
	if err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

// Record inserts one row.
func (r *PostgresRecorder) Record(ctx context.Context, e Entry) error {
	_, err := r.db.Exec(ctx, `INSERT INTO `+r.table+`
	(ts, mode, game_id, strategy, instrument, action, price_cents, size, contracts, order_id, status, error, payload, response)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.Time, e.Mode, e.GameID, e.Strategy, e.Instrument, e.Action, e.PriceCents,
		e.Size, e.Contracts, nullable(e.OrderID), e.Status, nullable(e.Error),
		jsonb(e.Payload), jsonb(e.Response))
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *PostgresRecorder) Close() error {
	if r.close != nil {
		r.close()
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonb(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
