// Package storage defines the durable queue store boundary used by the
// dispatcher for crash recovery.
//
// The dispatcher is the only writer: it persists a record when a task is
// enqueued and removes it when the task is dequeued or completes. At startup
// ListPending returns every record that was never removed so the waiting set
// can be rehydrated before new work is accepted.
package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// ErrRecordNotFound is returned by Remove for an unknown store id.
var ErrRecordNotFound = errors.New("storage: record not found")

// Pending is one record returned by ListPending. Err is set when the record
// exists but cannot be decoded; the caller reports it and removes it.
type Pending struct {
	StoreID string
	Call    types.QueuedCall
	Err     error
}

// QueueStore persists serialized call requests.
type QueueStore interface {
	// Persist stores a record and returns an opaque id for Remove.
	Persist(ctx context.Context, rec types.QueuedCall) (string, error)
	// Remove deletes a record. Removing an unknown id returns ErrRecordNotFound.
	Remove(ctx context.Context, storeID string) error
	// ListPending returns every record not yet removed.
	ListPending(ctx context.Context) ([]Pending, error)
	// Close releases the store's resources.
	Close() error
}
