// Package checkpoint persists the durable resume points of change feeds.
//
// A Checkpoint records, for a feed, the highest sequence through which every
// commit has completed, and the value associated with that sequence (such as
// a remote peer's sequence). Stores never regress a Checkpoint: saving a
// lower sequence than the one stored fails with ErrRegression.
package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Load if no Checkpoint exists for the feed.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrFenced is returned by Save if another Store instance has since
	// loaded the feed's Checkpoint, and now owns it.
	ErrFenced = errors.New("checkpoint fence was updated (ie, by a new owner)")
	// ErrRegression is returned by Save if the Checkpoint's sequence is
	// less than the one already stored.
	ErrRegression = errors.New("checkpoint sequence would regress")
)

// Checkpoint is the persisted resume point of a feed.
type Checkpoint struct {
	FeedID    string    `json:"feed_id" yaml:"feed_id"`
	Sequence  uint64    `json:"sequence" yaml:"sequence"`
	Value     string    `json:"value" yaml:"value"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Validate returns an error if the Checkpoint is not well-formed.
func (c Checkpoint) Validate() error {
	if c.FeedID == "" {
		return errors.New("expected FeedID")
	}
	return nil
}

// Store loads and saves Checkpoints.
type Store interface {
	// Load returns the Checkpoint of |feedID|, or ErrNotFound.
	Load(ctx context.Context, feedID string) (Checkpoint, error)
	// Save persists the Checkpoint, replacing any prior Checkpoint of its feed.
	Save(ctx context.Context, cp Checkpoint) error
}

// Lister is a Store which is able to enumerate its Checkpoints.
type Lister interface {
	Store
	// List returns all stored Checkpoints, ordered on FeedID.
	List(ctx context.Context) ([]Checkpoint, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

var _ Lister = &MemoryStore{} // MemoryStore is-a Lister.

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, feedID string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp, ok := s.cps[feedID]; ok {
		return cp, nil
	}
	return Checkpoint{FeedID: feedID}, ErrNotFound
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.cps[cp.FeedID]; ok && prev.Sequence > cp.Sequence {
		return errors.Wrapf(ErrRegression, "%d => %d", prev.Sequence, cp.Sequence)
	}
	s.cps[cp.FeedID] = cp
	savesTotal.WithLabelValues("memory").Inc()
	return nil
}

// List implements Lister.
func (s *MemoryStore) List(context.Context) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = make([]Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out, nil
}
