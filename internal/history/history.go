// Package history stores archived calls: the request and final report of
// every task submitted with the archive flag. Records outlive the dispatch
// queue's completed-task retention window.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// ErrNotFound is returned by Get for an unknown task id.
var ErrNotFound = errors.New("history: archived call not found")

// Archive is the history archive boundary.
type Archive interface {
	// Archive stores one record. Archiving the same task twice replaces it.
	Archive(ctx context.Context, rec types.ArchivedCall) error
	// Get returns the record of a task.
	Get(ctx context.Context, id types.TaskID) (types.ArchivedCall, error)
	// Find returns records whose report matches c, newest first. A limit of
	// zero or less means no limit.
	Find(ctx context.Context, c types.Criteria, limit int) ([]types.ArchivedCall, error)
	// Purge deletes records archived before the cutoff and returns how many
	// were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
	// Close releases the archive's resources.
	Close() error
}
