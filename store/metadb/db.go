package metadb

import (
	"context"
	"io"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/querymetrics"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = depot.ErrNotFound

// MetaDB provides durable storage for query metrics and version records.
type MetaDB interface {
	querymetrics.Store

	// Lifecycle
	Open(path string) error
	Close() error

	// Version records
	PutVersion(ctx context.Context, c depot.Coordinate, publishedAt time.Time) (*depot.VersionRecord, error)
	GetVersion(ctx context.Context, c depot.Coordinate) (*depot.VersionRecord, error)
	ListVersions(ctx context.Context) ([]*depot.VersionRecord, error)
	FindVersions(ctx context.Context, groupID, artifactID string) ([]*depot.VersionRecord, error)
	SetState(ctx context.Context, c depot.Coordinate, state depot.VersionState) (*depot.VersionRecord, bool, error)
	DeleteVersion(ctx context.Context, c depot.Coordinate) error

	// Maintenance
	Stats(ctx context.Context) (*Stats, error)
	Backup(ctx context.Context, w io.Writer) (int64, error)
}

// New creates a new MetaDB backed by bbolt.
func New() MetaDB {
	return NewBoltDB()
}

var _ MetaDB = (*BoltDB)(nil)
