// Package feed composes a sequence Tracker, a Batcher and a change Notifier
// into the change feed of a database: commits of the storage engine are
// tracked to completion, coalesced into batches of change Events delivered
// to Listeners, and the feed's checkpoint is persisted to a checkpoint Store.
package feed

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	lru "github.com/hashicorp/golang-lru"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.litesync.dev/core/batch"
	"go.litesync.dev/core/change"
	"go.litesync.dev/core/checkpoint"
	"go.litesync.dev/core/sequence"
)

// Config configures a Feed.
type Config struct {
	ID         string        `long:"id" env:"ID" description:"Unique ID of the feed, under which its checkpoint is persisted. Auto-generated if not set"`
	Capacity   int           `long:"capacity" env:"CAPACITY" default:"100" description:"Number of queued change events at which a batch is immediately delivered"`
	Delay      time.Duration `long:"delay" env:"DELAY" default:"500ms" description:"Delay after a first queued change event at which a batch is delivered"`
	DedupeSize int           `long:"dedupe-size" env:"DEDUPE_SIZE" default:"1024" description:"Number of recent revisions remembered to suppress duplicate change events. Zero disables"`
}

// Stats are cumulative statistics of a Feed.
type Stats struct {
	Begun      int64  // Commits begun.
	Enqueued   int64  // Change events enqueued for delivery.
	Duplicates int64  // Completions suppressed as duplicate revisions.
	Abandoned  int64  // Commits abandoned without a change event.
	Delivered  int64  // Change events delivered to Listeners.
	Saved      uint64 // Sequence of the last saved checkpoint.
	Pending    int    // Commits begun but not yet completed.
}

// Feed is the change feed of a database. Commits are begun by the storage
// engine in commit order via Begin, and are completed (possibly out of order)
// via Commit.Complete or Commit.Abandon.
//
// The Feed checkpoint is the sequence through which every begun commit has
// completed, offset by the sequence of the checkpoint which was restored.
// It's independent of whether Listeners successfully processed delivered
// events.
type Feed struct {
	id       string
	tracker  *sequence.Tracker[string]
	batcher  *batch.Batcher[change.Event]
	notifier *change.Notifier
	store    checkpoint.Store
	seen     *lru.Cache // Recent revisions, or nil if disabled.

	// base is the restored checkpoint sequence, which offsets Tracker sequences.
	base uint64

	saveMu sync.Mutex
	saved  uint64 // Guarded by |saveMu|.

	begun, enqueued, duplicates, abandoned, delivered atomic.Int64
}

// New returns a Feed of the Config. |store| may be nil, in which case the
// feed checkpoint is tracked but not persisted. |clk| may be nil, in which
// case clock.WallClock is used.
func New(cfg Config, store checkpoint.Store, clk clock.Clock) (*Feed, error) {
	if cfg.DedupeSize < 0 {
		return nil, errors.Errorf("invalid DedupeSize (%d; expected >= 0)", cfg.DedupeSize)
	} else if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	var f = &Feed{
		id:       cfg.ID,
		tracker:  sequence.NewTracker[string](),
		notifier: change.NewNotifier(),
		store:    store,
	}
	var err error

	if f.batcher, err = batch.New(batch.Config[change.Event]{
		Name:     cfg.ID,
		Capacity: cfg.Capacity,
		Delay:    cfg.Delay,
		Process:  f.process,
		Clock:    clk,
	}); err != nil {
		return nil, err
	}
	if cfg.DedupeSize > 0 {
		if f.seen, err = lru.New(cfg.DedupeSize); err != nil {
			return nil, errors.WithMessage(err, "building dedupe cache")
		}
	}
	return f, nil
}

// ID returns the Feed ID.
func (f *Feed) ID() string { return f.id }

// Restore loads the Feed's persisted checkpoint, from which Feed checkpoint
// sequences then continue. It must be called before the first Begin.
// If no checkpoint is stored, Restore returns a zero-valued Checkpoint.
func (f *Feed) Restore(ctx context.Context) (checkpoint.Checkpoint, error) {
	if f.tracker.LastIssued() != 0 {
		return checkpoint.Checkpoint{}, errors.New("Restore must be called before Begin")
	} else if f.store == nil {
		return checkpoint.Checkpoint{FeedID: f.id}, nil
	}

	var cp, err = f.store.Load(ctx, f.id)
	if err == checkpoint.ErrNotFound {
		log.WithField("feed", f.id).Info("no stored checkpoint; starting from scratch")
		return cp, nil
	} else if err != nil {
		return cp, errors.WithMessage(err, "loading checkpoint")
	}

	f.saveMu.Lock()
	f.base, f.saved = cp.Sequence, cp.Sequence
	f.saveMu.Unlock()

	checkpointGauge.WithLabelValues(f.id).Set(float64(cp.Sequence))
	log.WithFields(log.Fields{
		"feed":     f.id,
		"sequence": cp.Sequence,
		"value":    cp.Value,
	}).Info("restored checkpoint")
	return cp, nil
}

// Register a Listener of delivered change Events. A Listener must not
// synchronously Flush, Close, or Complete a Commit of the Feed: each may
// await the delivery which is invoking the Listener.
func (f *Feed) Register(fn change.Listener, opts ...change.RegisterOption) (cancel func()) {
	return f.notifier.Register(fn, opts...)
}

// Begin a commit which is associated with checkpoint |value|. The value
// becomes the Feed's checkpoint value once this commit, and all commits
// begun before it, have completed.
func (f *Feed) Begin(value string) *Commit {
	f.begun.Add(1)
	return &Commit{feed: f, seq: f.tracker.AddPending(value)}
}

// Commit is a begun commit of the storage engine. Exactly one of Complete or
// Abandon should be called. Subsequent calls are no-ops.
type Commit struct {
	feed *Feed
	seq  uint64
	done atomic.Bool
}

// Sequence returns the Feed sequence of the Commit.
func (c *Commit) Sequence() uint64 { return c.feed.base + c.seq }

// Complete the Commit, which committed Revision |rev|, and enqueue its
// change Event for delivery. |isCurrent| and |isConflict| are as determined
// by the storage engine, and |source| locates the peer from which the
// Revision was replicated (or nil, if it's a local write).
//
// The Commit completes even if an error is returned.
func (c *Commit) Complete(rev change.Revision, isCurrent, isConflict bool, source *url.URL) error {
	if !c.done.CompareAndSwap(false, true) {
		return nil
	}
	var f = c.feed

	var ev, evErr = change.NewEvent(rev, isCurrent, isConflict, source)
	if err := f.remove(c.seq); err != nil {
		return err
	} else if evErr != nil {
		f.abandoned.Add(1)
		return evErr
	}

	if f.seen != nil {
		if ok, _ := f.seen.ContainsOrAdd(rev.DocID+"\x00"+rev.RevID, struct{}{}); ok {
			f.duplicates.Add(1)
			duplicatesTotal.WithLabelValues(f.id).Inc()
			return nil
		}
	}
	if err := f.batcher.Enqueue(ev); err != nil {
		return err
	}
	f.enqueued.Add(1)
	return nil
}

// Abandon the Commit without a change Event, as when the storage engine
// failed to apply it.
func (c *Commit) Abandon() error {
	if !c.done.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.feed.remove(c.seq); err != nil {
		return err
	}
	c.feed.abandoned.Add(1)
	return nil
}

func (f *Feed) remove(seq uint64) error {
	var err = f.tracker.RemovePending(seq)
	if err != nil {
		log.WithFields(log.Fields{
			"feed":     f.id,
			"sequence": seq,
			"err":      err,
		}).Warn("completion of invalid sequence")
	}
	return err
}

// Flush delivers queued change Events now, rather than awaiting the
// Feed's capacity or delay.
func (f *Feed) Flush() { f.batcher.Flush() }

// Checkpoint returns the Feed checkpoint sequence and its value. The value is
// false if no commit has completed since the restored checkpoint.
func (f *Feed) Checkpoint() (uint64, string, bool) {
	var seq, value, ok = f.tracker.Checkpoint()
	return f.base + seq, value, ok
}

// Stats returns current Stats of the Feed.
func (f *Feed) Stats() Stats {
	f.saveMu.Lock()
	var saved = f.saved
	f.saveMu.Unlock()

	return Stats{
		Begun:      f.begun.Load(),
		Enqueued:   f.enqueued.Load(),
		Duplicates: f.duplicates.Load(),
		Abandoned:  f.abandoned.Load(),
		Delivered:  f.delivered.Load(),
		Saved:      saved,
		Pending:    f.tracker.Pending(),
	}
}

// Close the Feed, after which Complete of a non-duplicate revision fails with
// batch.ErrClosed. If |drain|, queued change Events are first delivered and
// a final checkpoint is saved.
func (f *Feed) Close(ctx context.Context, drain bool) error {
	f.batcher.Close(drain)
	if !drain {
		return nil
	}
	return f.save(ctx)
}

// process is the batch.Batcher processor of the Feed.
func (f *Feed) process(events []change.Event) error {
	if err := f.notifier.Notify(events); err != nil {
		log.WithFields(log.Fields{
			"feed":   f.id,
			"events": len(events),
			"err":    err,
		}).Warn("change listeners failed")
	}
	f.delivered.Add(int64(len(events)))

	if err := f.save(context.Background()); err != nil {
		log.WithFields(log.Fields{
			"feed": f.id,
			"err":  err,
		}).Error("failed to save checkpoint")
	}
	return nil
}

// save the current checkpoint to the Store, if it's advanced.
func (f *Feed) save(ctx context.Context) error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	var seq, value, _ = f.Checkpoint()
	if f.store == nil || seq <= f.saved {
		checkpointGauge.WithLabelValues(f.id).Set(float64(seq))
		return nil
	}

	if err := f.store.Save(ctx, checkpoint.Checkpoint{
		FeedID:    f.id,
		Sequence:  seq,
		Value:     value,
		UpdatedAt: time.Now(),
	}); err != nil {
		saveFailuresTotal.WithLabelValues(f.id).Inc()
		return errors.WithMessage(err, "saving checkpoint")
	}
	f.saved = seq
	checkpointGauge.WithLabelValues(f.id).Set(float64(seq))
	return nil
}
