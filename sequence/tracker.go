// Package sequence tracks the completion of asynchronous units of work which
// are issued in order but may complete out of order, and maintains the
// checkpoint: the highest sequence through which all work has completed.
//
// A storage engine commits revisions through a concurrent executor, so the
// revision issued third may finish before the revision issued first. Tracker
// answers "through which point is everything done?", and retains the payload
// associated with that point (typically a remote sequence or other resume
// token) so it may be persisted as a replication or indexing checkpoint.
package sequence

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrInvalidSequence is returned by RemovePending when the sequence was
// never issued by the Tracker.
var ErrInvalidSequence = errors.New("invalid sequence")

// Tracker issues monotonic sequence numbers, beginning at 1, to pending units
// of work and records their out-of-order completion. Its checkpoint is one
// less than the smallest still-pending sequence or, if no work is pending,
// the last issued sequence.
//
// Every sequence returned by AddPending must eventually be passed to
// RemovePending. A sequence which never completes pins the checkpoint,
// though retained payloads remain bounded by the number of pending sequences.
type Tracker[V any] struct {
	mu sync.Mutex
	// next is the sequence to be issued by the next AddPending.
	next uint64
	// low is a lower bound of the smallest pending sequence: all sequences
	// less than |low| have completed. If |low| == |next|, nothing is pending.
	low uint64
	// pending is the set of issued but not yet completed sequences.
	pending map[uint64]struct{}
	// values retains payloads which may be (or later become) the checkpoint:
	// the payload of sequence S is held iff S+1 is pending, or S is the last
	// issued sequence.
	values map[uint64]V
}

// NewTracker returns an empty Tracker.
func NewTracker[V any]() *Tracker[V] {
	return &Tracker[V]{
		next:    1,
		low:     1,
		pending: make(map[uint64]struct{}),
		values:  make(map[uint64]V),
	}
}

// AddPending issues the next sequence, marks it pending, and associates
// |value| with it.
func (t *Tracker[V]) AddPending(value V) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var seq = t.next
	t.next++

	t.pending[seq] = struct{}{}
	t.values[seq] = value

	pendingGauge.Inc()
	issuedTotal.Inc()
	return seq
}

// RemovePending marks |seq| as completed. Completing a sequence which has
// already completed is a no-op. Completing a sequence which was never issued
// returns ErrInvalidSequence.
func (t *Tracker[V]) RemovePending(seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seq == 0 || seq >= t.next {
		invalidTotal.Inc()
		return errors.Wrapf(ErrInvalidSequence, "sequence %d (last issued %d)", seq, t.next-1)
	}
	if _, ok := t.pending[seq]; !ok {
		duplicateTotal.Inc()
		return nil
	}
	delete(t.pending, seq)
	pendingGauge.Dec()

	// With |seq| complete, seq-1 can no longer become the checkpoint.
	// Neither can |seq| unless seq+1 is still pending or |seq| is the
	// last issued sequence.
	delete(t.values, seq-1)
	if _, ok := t.pending[seq+1]; !ok && seq+1 != t.next {
		delete(t.values, seq)
	}

	for t.low != t.next {
		if _, ok := t.pending[t.low]; ok {
			break
		}
		t.low++
	}
	return nil
}

// IsEmpty returns true iff no sequences are pending.
func (t *Tracker[V]) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending) == 0
}

// CheckpointSequence returns the highest sequence such that it, and every
// sequence before it, has completed. It's zero if no sequence has.
// Successive calls never return a smaller value.
func (t *Tracker[V]) CheckpointSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.low - 1
}

// CheckpointValue returns the payload of the CheckpointSequence, or false if
// there is none (eg, because the checkpoint is zero).
func (t *Tracker[V]) CheckpointValue() (V, bool) {
	var _, value, ok = t.Checkpoint()
	return value, ok
}

// Checkpoint returns the CheckpointSequence and its payload, observed
// atomically with respect to one another.
func (t *Tracker[V]) Checkpoint() (uint64, V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var seq = t.low - 1
	var value, ok = t.values[seq]
	return seq, value, ok
}

// Pending returns the number of pending sequences.
func (t *Tracker[V]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// Retained returns the number of payloads currently held by the Tracker.
func (t *Tracker[V]) Retained() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.values)
}

// LastIssued returns the most recently issued sequence, or zero if none has been.
func (t *Tracker[V]) LastIssued() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.next - 1
}
