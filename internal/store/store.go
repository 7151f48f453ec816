// Package store is the Postgres-backed persistence layer for bots, plans,
// users, and audit log entries. It follows the teacher's store.Open shape:
// a thin wrapper over *sql.DB, migrated once at construction with plain SQL.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type Store struct {
	db *sql.DB
}

// Open dials dsn (a postgres:// DSN) and runs migrations.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			suspended BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS plans (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			max_bots INTEGER NOT NULL,
			cpu_share TEXT NOT NULL,
			memory_limit TEXT NOT NULL
		);`,
		`INSERT INTO plans (id, name, max_bots, cpu_share, memory_limit)
		 VALUES (1, 'Free', 1, '0.5', '256m')
		 ON CONFLICT (id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS bots (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES users(id),
			plan_id BIGINT NOT NULL REFERENCES plans(id),
			name TEXT NOT NULL,
			runtime TEXT NOT NULL,
			start_cmd TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT '',
			sandbox_handle TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(owner_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			actor_id BIGINT NOT NULL,
			action TEXT NOT NULL,
			target_id BIGINT NOT NULL,
			source_ip TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
