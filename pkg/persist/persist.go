// Package persist saves and restores outbound queue snapshots so that queued
// operations survive overflow and restarts.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/surrealdb/surrealsync/pkg/models"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = 1

var (
	// ErrNoSnapshot is returned by LoadSnapshot when nothing was persisted yet.
	ErrNoSnapshot = errors.New("persist: no snapshot")

	ErrUnsupportedVersion = errors.New("persist: unsupported snapshot version")
	ErrUnknownFormat      = errors.New("persist: unknown snapshot format")
)

// QueuePersistence stores the pending outbound operations.
type QueuePersistence interface {
	PersistToDisk(ctx context.Context, ops []*models.Operation) error
	LoadFromDisk(ctx context.Context) ([]*models.Operation, error)
}

// Clearer is implemented by persistence backends that can drop their snapshot.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Snapshot is the persisted document.
type Snapshot struct {
	Version    int                 `json:"version" cbor:"version"`
	Timestamp  time.Time           `json:"timestamp" cbor:"timestamp"`
	QueueSize  int                 `json:"queueSize" cbor:"queueSize"`
	Operations []*models.Operation `json:"operations" cbor:"operations"`
}

func NewSnapshot(ops []*models.Operation) *Snapshot {
	if ops == nil {
		ops = []*models.Operation{}
	}
	return &Snapshot{
		Version:    SnapshotVersion,
		Timestamp:  time.Now().UTC(),
		QueueSize:  len(ops),
		Operations: ops,
	}
}
