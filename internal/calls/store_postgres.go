package calls

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initCallSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initCallSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_history (
			id TEXT PRIMARY KEY,
			peer_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			initiated_by TEXT NOT NULL,
			outcome TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_history_ended ON call_history (ended_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init call schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_history (
			id, peer_id, channel_id, initiated_by, outcome, created_at, started_at, ended_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8
		)
		ON CONFLICT (id) DO UPDATE SET
			outcome=EXCLUDED.outcome,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at`,
		rec.ID,
		rec.PeerID,
		rec.ChannelID,
		rec.InitiatedBy,
		rec.Outcome,
		rec.CreatedAt,
		nullableTime(rec.StartedAt),
		nullableTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, peer_id, channel_id, initiated_by, outcome, created_at, started_at, ended_at
		   FROM call_history ORDER BY ended_at DESC NULLS LAST LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list call history: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		var startedAt, endedAt *time.Time
		if err := rows.Scan(
			&rec.ID,
			&rec.PeerID,
			&rec.ChannelID,
			&rec.InitiatedBy,
			&rec.Outcome,
			&rec.CreatedAt,
			&startedAt,
			&endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		if startedAt != nil {
			rec.StartedAt = *startedAt
		}
		if endedAt != nil {
			rec.EndedAt = *endedAt
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM call_history WHERE ended_at IS NOT NULL AND ended_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune call history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
