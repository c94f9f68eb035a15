package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Postgres-backed implementation of Store. Pooling,
// timeouts, and the connect/migrate sequence follow the teacher's
// internal/database package; the schema itself is trimmed to exactly the
// Tunnel fields the core is allowed to read and mutate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to databaseURL and runs migrations.
func Connect(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Println("store: connected to postgres")
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tunnels (
	id              BIGSERIAL PRIMARY KEY,
	token           TEXT NOT NULL,
	local_port      INTEGER NOT NULL,
	public_port     INTEGER NOT NULL UNIQUE,
	protocol        VARCHAR(4) NOT NULL DEFAULT 'TCP',
	verified        BOOLEAN NOT NULL DEFAULT FALSE,
	verification_code VARCHAR(32) NOT NULL DEFAULT '',
	status          VARCHAR(8) NOT NULL DEFAULT 'inactive',
	last_connected  TIMESTAMP,
	created_at      TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tunnels_public_port ON tunnels(public_port);
CREATE INDEX IF NOT EXISTS idx_tunnels_status ON tunnels(status);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupTunnel(ctx context.Context, tunnelID int64, token string) (*Tunnel, error) {
	var t Tunnel
	err := s.pool.QueryRow(ctx,
		`SELECT id, token, local_port, public_port, protocol, verified, verification_code, status, last_connected, created_at
		 FROM tunnels WHERE id = $1 AND token = $2`,
		tunnelID, token,
	).Scan(&t.ID, &t.Token, &t.LocalPort, &t.PublicPort, &t.Protocol, &t.Verified, &t.VerificationCode, &t.Status, &t.LastConnected, &t.CreatedAt)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tunnel %d: %w", tunnelID, err)
	}
	return &t, nil
}

func (s *PostgresStore) MarkActive(ctx context.Context, tunnelID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tunnels SET status = $1, last_connected = NOW() WHERE id = $2`,
		StatusActive, tunnelID,
	)
	if err != nil {
		return fmt.Errorf("mark tunnel %d active: %w", tunnelID, err)
	}
	return nil
}

func (s *PostgresStore) MarkInactive(ctx context.Context, tunnelID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tunnels SET status = $1 WHERE id = $2`,
		StatusInactive, tunnelID,
	)
	if err != nil {
		return fmt.Errorf("mark tunnel %d inactive: %w", tunnelID, err)
	}
	return nil
}

func (s *PostgresStore) ListActiveTunnels(ctx context.Context) ([]Tunnel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, token, local_port, public_port, protocol, verified, verification_code, status, last_connected, created_at
		 FROM tunnels WHERE status = $1`,
		StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list active tunnels: %w", err)
	}
	defer rows.Close()

	var out []Tunnel
	for rows.Next() {
		var t Tunnel
		if err := rows.Scan(&t.ID, &t.Token, &t.LocalPort, &t.PublicPort, &t.Protocol, &t.Verified, &t.VerificationCode, &t.Status, &t.LastConnected, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tunnel row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
