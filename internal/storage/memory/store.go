// Package memory provides in-process implementations of the queue store and
// the history archive. Nothing survives a restart; intended for tests and
// single-process development.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/history"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

var (
	_ storage.QueueStore = (*Store)(nil)
	_ history.Archive    = (*Archive)(nil)
)

type entry struct {
	id  string
	seq uint64
	rec types.QueuedCall
}

// Store is an in-memory queue store. Safe for concurrent access.
type Store struct {
	mu      sync.Mutex
	seq     uint64
	records map[string]entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]entry)}
}

// Persist stores a copy of rec.
func (s *Store) Persist(_ context.Context, rec types.QueuedCall) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("mem-%d", s.seq)
	s.records[id] = entry{id: id, seq: s.seq, rec: rec}
	return id, nil
}

// Remove deletes a record.
func (s *Store) Remove(_ context.Context, storeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[storeID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, storeID)
	}
	delete(s.records, storeID)
	return nil
}

// ListPending returns records in persist order.
func (s *Store) ListPending(_ context.Context) ([]storage.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]storage.Pending, 0, len(entries))
	for _, e := range entries {
		out = append(out, storage.Pending{StoreID: e.id, Call: e.rec})
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Archive is an in-memory history archive. Safe for concurrent access.
type Archive struct {
	mu      sync.RWMutex
	records map[types.TaskID]types.ArchivedCall
}

// NewArchive returns an empty Archive.
func NewArchive() *Archive {
	return &Archive{records: make(map[types.TaskID]types.ArchivedCall)}
}

// Archive stores rec keyed by its task id.
func (a *Archive) Archive(_ context.Context, rec types.ArchivedCall) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec.Report = rec.Report.Clone()
	a.records[rec.Report.TaskID] = rec
	return nil
}

// Get returns one record.
func (a *Archive) Get(_ context.Context, id types.TaskID) (types.ArchivedCall, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[id]
	if !ok {
		return types.ArchivedCall{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return rec, nil
}

// Find returns matching records, newest first.
func (a *Archive) Find(_ context.Context, c types.Criteria, limit int) ([]types.ArchivedCall, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []types.ArchivedCall
	for _, rec := range a.records {
		if c.Match(&rec.Report) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(x, y types.ArchivedCall) int {
		return y.ArchivedAt.Compare(x.ArchivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge removes records archived before the cutoff.
func (a *Archive) Purge(_ context.Context, before time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, rec := range a.records {
		if rec.ArchivedAt.Before(before) {
			delete(a.records, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (a *Archive) Close() error { return nil }
