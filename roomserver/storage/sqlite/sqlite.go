// Package sqlite implements storage.Database over a local sqlite file,
// used in tests and single-process deployments, mirroring the teacher's
// roomserver/storage/sqlite backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshline-im/meshline/roomserver/internal/keyfetcher"
	"github.com/meshline-im/meshline/roomserver/internal/membership"
	"github.com/meshline-im/meshline/roomserver/storage"
	"github.com/meshline-im/meshline/roomserver/storage/shared"
)

// Database is the sqlite-backed storage.Database implementation.
type Database struct {
	*shared.Store
}

// Open opens (and migrates) a sqlite-backed Database at dataSourceName,
// e.g. "file:meshline.db?cache=shared" or ":memory:" for tests.
func Open(ctx context.Context, dataSourceName string) (*Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	// sqlite only supports one writer at a time; the engine already
	// serializes per-room writes via internal/lock, so a single
	// connection avoids SQLITE_BUSY without needing WAL-mode tuning here.
	db.SetMaxOpenConns(1)

	store := shared.New(db, shared.QuestionPlaceholder)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return &Database{Store: store}, nil
}

var _ storage.Database = (*Database)(nil)

func (d *Database) InternerBackend() storage.InternerBackend { return d.Store }
func (d *Database) SnapshotBackend() storage.SnapshotBackend { return d.Store }
func (d *Database) MembershipBackend() membership.Store       { return d.Store }
func (d *Database) KeyBackend() keyfetcher.Store              { return d.Store }
