package feed

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.litesync.dev/core/batch"
	"go.litesync.dev/core/change"
	"go.litesync.dev/core/checkpoint"
	"go.litesync.dev/core/sequence"
)

func TestOutOfOrderCompletionSavesContiguousCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var store = checkpoint.NewMemoryStore()
	var f, rec = newTestFeed(t, Config{ID: "feed", Capacity: 100, Delay: time.Hour}, store)

	var c1, c2, c3 = f.Begin("remote-1"), f.Begin("remote-2"), f.Begin("remote-3")
	require.Equal(t, uint64(2), c2.Sequence())

	require.NoError(t, c3.Complete(rev("doc-c", "1-c"), true, false, nil))
	require.NoError(t, c1.Complete(rev("doc-a", "1-a"), true, false, nil))
	f.Flush()

	require.Equal(t, []string{"doc-c,doc-a"}, rec.batches())
	var seq, value, ok = f.Checkpoint()
	require.Equal(t, uint64(1), seq)
	require.Equal(t, "remote-1", value)
	require.True(t, ok)
	expectStored(t, store, 1, "remote-1")

	require.NoError(t, c2.Complete(rev("doc-b", "1-b"), true, false, nil))
	f.Flush()

	require.Equal(t, []string{"doc-c,doc-a", "doc-b"}, rec.batches())
	expectStored(t, store, 3, "remote-3")

	require.NoError(t, f.Close(ctx, true))
	require.Equal(t, Stats{
		Begun:     3,
		Enqueued:  3,
		Delivered: 3,
		Saved:     3,
	}, f.Stats())
}

func TestRestoreOffsetsSequences(t *testing.T) {
	var ctx = context.Background()
	var store = checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(ctx, checkpoint.Checkpoint{FeedID: "feed", Sequence: 10, Value: "remote-10"}))

	var f, _ = newTestFeed(t, Config{ID: "feed", Capacity: 100, Delay: time.Hour}, store)

	var cp, err = f.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), cp.Sequence)

	var seq, _, ok = f.Checkpoint()
	require.Equal(t, uint64(10), seq)
	require.False(t, ok)

	var c = f.Begin("remote-11")
	require.Equal(t, uint64(11), c.Sequence())

	_, err = f.Restore(ctx)
	require.EqualError(t, err, "Restore must be called before Begin")

	require.NoError(t, c.Complete(rev("doc", "1-a"), true, false, nil))
	require.NoError(t, f.Close(ctx, true))
	expectStored(t, store, 11, "remote-11")
	require.Equal(t, uint64(11), f.Stats().Saved)
}

func TestRestoreWithoutStoredCheckpoint(t *testing.T) {
	var ctx = context.Background()

	var f, _ = newTestFeed(t, Config{ID: "fresh", Capacity: 1}, checkpoint.NewMemoryStore())
	var cp, err = f.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, checkpoint.Checkpoint{FeedID: "fresh"}, cp)

	// A Feed without a Store tracks, but doesn't persist, its checkpoint.
	f, _ = newTestFeed(t, Config{ID: "no-store", Capacity: 1}, nil)
	cp, err = f.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, checkpoint.Checkpoint{FeedID: "no-store"}, cp)

	require.NoError(t, f.Begin("v").Complete(rev("doc", "1-a"), true, false, nil))
	var seq, value, _ = f.Checkpoint()
	require.Equal(t, uint64(1), seq)
	require.Equal(t, "v", value)
	require.Equal(t, uint64(0), f.Stats().Saved)
}

func TestDuplicateRevisionsAreSuppressed(t *testing.T) {
	var ctx = context.Background()
	var f, rec = newTestFeed(t, Config{ID: "dedupe", Capacity: 100, Delay: time.Hour, DedupeSize: 8}, nil)

	require.NoError(t, f.Begin("1").Complete(rev("doc", "1-a"), true, false, nil))
	require.NoError(t, f.Begin("2").Complete(rev("doc", "1-a"), true, false, nil))
	require.NoError(t, f.Begin("3").Complete(rev("doc", "2-b"), true, false, nil))
	require.NoError(t, f.Close(ctx, true))

	require.Equal(t, []string{"doc,doc"}, rec.batches())
	var stats = f.Stats()
	require.Equal(t, int64(1), stats.Duplicates)
	require.Equal(t, int64(2), stats.Enqueued)
	require.Equal(t, 0, stats.Pending)

	// Duplicates still complete their sequence.
	var seq, value, _ = f.Checkpoint()
	require.Equal(t, uint64(3), seq)
	require.Equal(t, "3", value)

	// With deduplication disabled, every completion is delivered.
	f, rec = newTestFeed(t, Config{ID: "no-dedupe", Capacity: 100, Delay: time.Hour}, nil)
	require.NoError(t, f.Begin("1").Complete(rev("doc", "1-a"), true, false, nil))
	require.NoError(t, f.Begin("2").Complete(rev("doc", "1-a"), true, false, nil))
	require.NoError(t, f.Close(ctx, true))
	require.Equal(t, []string{"doc,doc"}, rec.batches())
	require.Equal(t, int64(0), f.Stats().Duplicates)
}

func TestAbandonAndMisuse(t *testing.T) {
	var ctx = context.Background()
	var f, rec = newTestFeed(t, Config{ID: "misuse", Capacity: 100, Delay: time.Hour}, nil)

	var c1, c2, c3 = f.Begin("1"), f.Begin("2"), f.Begin("3")

	// An abandoned commit completes without an Event.
	require.NoError(t, c1.Abandon())
	// Repeated completion of a Commit is a no-op.
	require.NoError(t, c1.Complete(rev("doc-1", "1-a"), true, false, nil))
	require.NoError(t, c1.Abandon())

	// A malformed Revision completes the commit, and is returned.
	require.EqualError(t, c2.Complete(change.Revision{DocID: "doc-2"}, true, false, nil),
		"Revision: expected RevID")
	require.NoError(t, c2.Complete(rev("doc-2", "1-a"), true, false, nil))

	var seq, _, _ = f.Checkpoint()
	require.Equal(t, uint64(2), seq)

	// Completion of a never-issued sequence is surfaced.
	var err = (&Commit{feed: f, seq: 99}).Abandon()
	require.True(t, errors.Is(err, sequence.ErrInvalidSequence))

	var peer, _ = url.Parse("https://peer.example/db")
	require.NoError(t, c3.Complete(rev("doc-3", "1-a"), true, false, peer))
	require.NoError(t, f.Close(ctx, true))

	require.Equal(t, []string{"doc-3"}, rec.batches())
	require.True(t, rec.events()[0].IsExternal())
	require.Equal(t, int64(2), f.Stats().Abandoned)
}

func TestListenerFailuresDontStallCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var store = checkpoint.NewMemoryStore()
	var f, rec = newTestFeed(t, Config{ID: "failing", Capacity: 2, Delay: time.Hour}, store)

	f.Register(func([]change.Event) error { return errors.New("boom") }, change.WithName("failing"))
	f.Register(func([]change.Event) error { panic("kaboom") }, change.WithName("panicking"))

	require.NoError(t, f.Begin("1").Complete(rev("doc-1", "1-a"), true, false, nil))
	require.NoError(t, f.Begin("2").Complete(rev("doc-2", "1-a"), true, false, nil)) // Reaches capacity.

	require.Equal(t, []string{"doc-1,doc-2"}, rec.batches())
	expectStored(t, store, 2, "2")

	require.NoError(t, f.Close(ctx, true))
	require.Equal(t, int64(2), f.Stats().Delivered)
}

func TestDelayedDeliverySavesCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var clk = testclock.NewClock(time.Now())
	var store = checkpoint.NewMemoryStore()

	var f, err = New(Config{ID: "delayed", Capacity: 100, Delay: time.Second}, store, clk)
	require.NoError(t, err)

	var delivered = make(chan []change.Event, 1)
	f.Register(func(events []change.Event) error {
		delivered <- events
		return nil
	})

	require.NoError(t, f.Begin("1").Complete(rev("doc", "1-a"), true, false, nil))
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))

	select {
	case events := <-delivered:
		require.Len(t, events, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("expected delayed delivery")
	}
	require.NoError(t, f.Close(ctx, true))
	expectStored(t, store, 1, "1")
}

func TestCloseWithoutDrain(t *testing.T) {
	var ctx = context.Background()
	var store = checkpoint.NewMemoryStore()
	var f, rec = newTestFeed(t, Config{ID: "closed", Capacity: 100, Delay: time.Hour}, store)

	var c1, c2 = f.Begin("1"), f.Begin("2")
	require.NoError(t, c1.Complete(rev("doc-1", "1-a"), true, false, nil))
	require.NoError(t, f.Close(ctx, false))

	// The commit completes, but its Event is rejected.
	require.Equal(t, batch.ErrClosed, c2.Complete(rev("doc-2", "1-a"), true, false, nil))
	var seq, _, _ = f.Checkpoint()
	require.Equal(t, uint64(2), seq)

	// Queued Events may still be flushed.
	f.Flush()
	require.Equal(t, []string{"doc-1"}, rec.batches())
	expectStored(t, store, 2, "2")
}

func TestCheckpointSaveFailures(t *testing.T) {
	var ctx = context.Background()
	var store = &failingStore{Store: checkpoint.NewMemoryStore()}
	var f, rec = newTestFeed(t, Config{ID: "save-failures", Capacity: 1}, store)

	store.fail(true)
	require.NoError(t, f.Begin("1").Complete(rev("doc-1", "1-a"), true, false, nil))

	// The batch was delivered, despite the failed Save.
	require.Equal(t, []string{"doc-1"}, rec.batches())
	require.Equal(t, uint64(0), f.Stats().Saved)
	require.EqualError(t, f.Close(ctx, true), "saving checkpoint: store unavailable")

	store.fail(false)
	require.NoError(t, f.Close(ctx, true))
	expectStored(t, store, 1, "1")
}

func TestStaleFeedCannotRegressCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var store = checkpoint.NewMemoryStore()

	var first, _ = newTestFeed(t, Config{ID: "shared", Capacity: 1}, store)
	var second, _ = newTestFeed(t, Config{ID: "shared", Capacity: 1}, store)

	require.NoError(t, first.Begin("a").Complete(rev("doc", "1-a"), true, false, nil))
	require.NoError(t, first.Begin("b").Complete(rev("doc", "2-a"), true, false, nil))
	expectStored(t, store, 2, "b")

	// |second| didn't Restore, and may not regress the stored checkpoint.
	require.NoError(t, second.Begin("x").Complete(rev("doc", "3-a"), true, false, nil))
	var err = second.Close(ctx, true)
	require.True(t, errors.Is(err, checkpoint.ErrRegression))
	expectStored(t, store, 2, "b")
}

func TestConcurrentCommitsReachFinalCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var store = checkpoint.NewMemoryStore()
	var f, rec = newTestFeed(t, Config{ID: "concurrent", Capacity: 16, Delay: time.Millisecond}, store)

	const writers, commits = 8, 250
	var wg sync.WaitGroup

	for w := 0; w != writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var rnd = rand.New(rand.NewSource(int64(w)))

			var inflight []*Commit
			for i := 0; i != commits; i++ {
				inflight = append(inflight, f.Begin(fmt.Sprintf("%d-%d", w, i)))

				// Complete a random subset of in-flight commits, out of order.
				for len(inflight) != 0 && rnd.Intn(3) == 0 {
					var j = rnd.Intn(len(inflight))
					var docID = fmt.Sprintf("doc-%d-%d", w, inflight[j].Sequence())
					assert.NoError(t, inflight[j].Complete(rev(docID, "1-a"), true, false, nil))
					inflight = append(inflight[:j], inflight[j+1:]...)
				}
			}
			for _, c := range inflight {
				var docID = fmt.Sprintf("doc-%d-%d", w, c.Sequence())
				assert.NoError(t, c.Complete(rev(docID, "1-a"), true, false, nil))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, f.Close(ctx, true))

	var seq, _, ok = f.Checkpoint()
	require.True(t, ok)
	require.Equal(t, uint64(writers*commits), seq)
	require.Len(t, rec.events(), writers*commits)
	require.Equal(t, int64(writers*commits), f.Stats().Delivered)

	var cp, err = store.Load(ctx, "concurrent")
	require.NoError(t, err)
	require.Equal(t, uint64(writers*commits), cp.Sequence)
}

func TestConfigValidation(t *testing.T) {
	var _, err = New(Config{Capacity: 0}, nil, nil)
	require.EqualError(t, err, "batch.Config: invalid Capacity (0; expected > 0)")

	_, err = New(Config{Capacity: 1, DedupeSize: -1}, nil, nil)
	require.EqualError(t, err, "invalid DedupeSize (-1; expected >= 0)")

	// A Feed ID is generated if not provided.
	f, err := New(Config{Capacity: 1}, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, f.ID())
}

type recorder struct {
	mu  sync.Mutex
	all [][]change.Event
}

func (r *recorder) batches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, events := range r.all {
		var s string
		for i, ev := range events {
			if i != 0 {
				s += ","
			}
			s += ev.DocID()
		}
		out = append(out, s)
	}
	return out
}

func (r *recorder) events() []change.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []change.Event
	for _, events := range r.all {
		out = append(out, events...)
	}
	return out
}

func newTestFeed(t *testing.T, cfg Config, store checkpoint.Store) (*Feed, *recorder) {
	var f, err = New(cfg, store, testclock.NewClock(time.Now()))
	require.NoError(t, err)

	var rec = new(recorder)
	f.Register(func(events []change.Event) error {
		rec.mu.Lock()
		rec.all = append(rec.all, events)
		rec.mu.Unlock()
		return nil
	}, change.WithName("recorder"))

	return f, rec
}

// failingStore is a Store whose Saves may be made to fail.
type failingStore struct {
	checkpoint.Store

	mu      sync.Mutex
	failing bool
}

func (s *failingStore) fail(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *failingStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	var failing = s.failing
	s.mu.Unlock()

	if failing {
		return errors.New("store unavailable")
	}
	return s.Store.Save(ctx, cp)
}

func rev(docID, revID string) change.Revision {
	return change.Revision{DocID: docID, RevID: revID}
}

func expectStored(t *testing.T, store checkpoint.Store, seq uint64, value string) {
	if fs, ok := store.(*failingStore); ok {
		store = fs.Store
	}
	var all, err = store.(checkpoint.Lister).List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, seq, all[0].Sequence)
	require.Equal(t, value, all[0].Value)
}
