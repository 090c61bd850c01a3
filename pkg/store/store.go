// Package store is the durable state of the bridge: message-id mappings,
// user display info, the media fingerprint cache, retry records and platform
// heartbeats. A single sqlite file backs one bridge instance; every public
// operation is atomic per call.
package store

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/meowcat-dev/qtbridge/pkg/store/upgrades"
)

// Store wraps the bridge database.
type Store struct {
	DB  *dbutil.Database
	log zerolog.Logger
}

// New opens (creating if necessary) the sqlite store at path and applies
// pending schema migrations. Errors here are fatal to startup.
func New(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewFromConfig("qtbridge", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3",
			URI:          fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path),
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		},
	}, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return wrap(ctx, db, log)
}

// NewWithDB wraps an already-open database, used by tests with :memory:
// sqlite handles.
func NewWithDB(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*Store, error) {
	return wrap(ctx, db, log)
}

func wrap(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*Store, error) {
	db.UpgradeTable = upgrades.Table
	db.VersionTable = "qtbridge_version"
	if err := db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrading schema: %w", err)
	}
	return &Store{DB: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}
