// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package hostkeys persists trusted host keys. The transport layer consults
// this store during the SSH handshake; an unknown or mismatching key is never
// accepted silently, the decision is delegated to a HostKeyDecider capability.
package hostkeys

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store is the contract for the trusted host key store. Implementations must
// be safe for concurrent use; multiple sessions may verify keys at once.
type Store interface {
	// Get returns the trusted key for hostname in authorized_keys format,
	// or "" when the host is unknown. Unknown is a state, not an error.
	Get(ctx context.Context, hostname string) (string, error)
	// Put stores or replaces the trusted key for hostname.
	Put(ctx context.Context, hostname, key string) error
	// Delete forgets the trusted key for hostname.
	Delete(ctx context.Context, hostname string) error
	Close() error
}

// KnownHostModel maps the known_hosts table for Bun.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string    `bun:"hostname,pk"`
	Key           string    `bun:"key,notnull"`
	AddedAt       time.Time `bun:"added_at,nullzero,notnull,default:current_timestamp"`
}

// BunStore is the SQLite-backed Store.
type BunStore struct {
	db  *sql.DB
	bun *bun.DB
}

// Open initializes the host key database at the given DSN, creating the
// schema on first use. A DSN of ":memory:" keeps trust for the process
// lifetime only, which is what tests use.
func Open(dsn string) (*BunStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, fmt.Errorf("failed to create host key db directory: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open host key database: %w", err)
	}
	// In-memory SQLite databases are per-connection; force a single
	// connection so the schema stays visible.
	if dsn == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	bdb := bun.NewDB(sqlDB, sqlitedialect.New())
	s := &BunStore{db: sqlDB, bun: bdb}
	if err := s.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *BunStore) migrate(ctx context.Context) error {
	_, err := s.bun.NewCreateTable().
		Model((*KnownHostModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create known_hosts table: %w", err)
	}
	return nil
}

// Get returns the trusted key for hostname, or "" when unknown.
func (s *BunStore) Get(ctx context.Context, hostname string) (string, error) {
	var m KnownHostModel
	err := s.bun.NewSelect().Model(&m).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to query known_hosts: %w", err)
	}
	return m.Key, nil
}

// Put stores or replaces the trusted key. Replacement is deliberate: a host
// that was legitimately re-provisioned gets re-trusted through the same path.
func (s *BunStore) Put(ctx context.Context, hostname, key string) error {
	_, err := s.bun.NewInsert().
		Model(&KnownHostModel{Hostname: hostname, Key: key, AddedAt: time.Now()}).
		On("CONFLICT (hostname) DO UPDATE").
		Set("key = EXCLUDED.key").
		Set("added_at = EXCLUDED.added_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to store host key: %w", err)
	}
	return nil
}

// Delete forgets the trusted key for hostname.
func (s *BunStore) Delete(ctx context.Context, hostname string) error {
	_, err := s.bun.NewDelete().
		Model((*KnownHostModel)(nil)).
		Where("hostname = ?", hostname).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete host key: %w", err)
	}
	return nil
}

// Close releases the underlying database handles.
func (s *BunStore) Close() error {
	return s.bun.Close()
}
