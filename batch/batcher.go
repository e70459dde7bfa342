// Package batch coalesces a push stream of items into bulk deliveries to a
// processor, bounding latency by a quiescence delay and memory by a capacity.
package batch

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Enqueue after the Batcher has been closed.
var ErrClosed = errors.New("batcher closed")

// Config configures a Batcher.
type Config[T any] struct {
	// Name identifies the Batcher in logs and metrics.
	Name string
	// Capacity is the inbox size at which an enqueue synchronously flushes.
	Capacity int
	// Delay after the first item enters an empty inbox, at which the inbox
	// is flushed even if under Capacity. May be zero.
	Delay time.Duration
	// Process is invoked with each flushed batch. It's never invoked
	// concurrently with itself, nor while internal locks are held.
	// A batch for which Process fails is dropped.
	//
	// Process may Enqueue items which don't fill the inbox to Capacity. It
	// must not otherwise Enqueue, Flush, or Close(true), as these wait for
	// a delivery which can begin only after Process returns.
	Process func([]T) error
	// Clock schedules delayed flushes. If nil, clock.WallClock is used.
	Clock clock.Clock
}

// Validate returns an error if the Config is not well-formed.
func (c Config[T]) Validate() error {
	if c.Capacity <= 0 {
		return errors.Errorf("invalid Capacity (%d; expected > 0)", c.Capacity)
	} else if c.Delay < 0 {
		return errors.Errorf("invalid Delay (%s; expected >= 0)", c.Delay)
	} else if c.Process == nil {
		return errors.New("expected Process")
	}
	return nil
}

// Batcher queues items until its inbox fills to capacity or a delay elapses,
// and then passes all queued items at once to a processor.
//
// Items are delivered at most once, and in the order they were enqueued:
// each batch taken from the inbox is issued a ticket, and batches are
// delivered one at a time in ticket order.
//
// The goroutine which takes a batch also delivers it, waiting for earlier
// batches to be delivered first. A producer whose Enqueue fills the inbox is
// thus held until its batch has been processed, and a stalled processor
// stalls producers rather than growing buffered memory: at most one batch
// per waiting producer, plus a partial inbox, is buffered. A delayed flush
// never waits. If it fires while a delivery is underway, it's re-armed once
// the last waiting batch has been delivered.
type Batcher[T any] struct {
	cfg Config[T]

	mu sync.Mutex
	// inbox of queued items not yet taken for delivery.
	inbox []T
	// timer of the scheduled flush of |inbox|, or nil if none is scheduled.
	timer clock.Timer
	// epoch is incremented each time |inbox| is taken. A scheduled flush
	// armed in an earlier epoch is stale and does nothing.
	epoch uint64
	// overdue is set when the scheduled flush fired during a delivery.
	overdue bool
	// nextTicket is issued to the next taken batch, and |turn| is the ticket
	// of the batch now being (or next to be) delivered.
	nextTicket, turn uint64
	// undelivered is the number of items taken but not yet delivered.
	undelivered int
	// turnCond is signaled when |turn| advances.
	turnCond *sync.Cond
	closed   bool
}

// New returns a Batcher of the validated Config.
func New[T any](cfg Config[T]) (*Batcher[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "batch.Config")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	var b = &Batcher[T]{cfg: cfg}
	b.turnCond = sync.NewCond(&b.mu)
	return b, nil
}

// Enqueue appends |item| to the inbox. If the inbox reaches capacity it's
// taken and delivered before Enqueue returns, which first waits for the
// delivery of batches taken before it. Otherwise if |item| is the first of
// an empty inbox, a flush is scheduled after the configured delay.
func (b *Batcher[T]) Enqueue(item T) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.inbox = append(b.inbox, item)
	enqueuedTotal.WithLabelValues(b.cfg.Name).Inc()

	if len(b.inbox) >= b.cfg.Capacity {
		b.deliverAndUnlock(b.take("capacity"))
		return nil
	}
	if b.timer == nil && !b.overdue {
		b.arm(b.cfg.Delay)
	}
	b.mu.Unlock()
	return nil
}

// Flush takes the current inbox, if non-empty, and delivers it. Flush
// returns after the batch is delivered.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()

	if len(b.inbox) == 0 {
		b.mu.Unlock()
		return
	}
	b.deliverAndUnlock(b.take("flush"))
}

// Count returns the number of items in the inbox.
func (b *Batcher[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.inbox)
}

// Close marks the Batcher as closed, after which Enqueue fails with ErrClosed.
// A scheduled flush is not cancelled, and Flush may still be called.
//
// If |drain|, Close also flushes the inbox and blocks until every batch
// taken from the inbox has been delivered.
func (b *Batcher[T]) Close(drain bool) {
	b.mu.Lock()
	b.closed = true

	if !drain {
		b.mu.Unlock()
		return
	}
	if len(b.inbox) != 0 {
		b.deliverAndUnlock(b.take("close"))
		b.mu.Lock()
	}
	for b.turn != b.nextTicket {
		b.turnCond.Wait()
	}
	b.mu.Unlock()
}

// arm a scheduled flush of the current inbox epoch. |b.mu| must be held.
func (b *Batcher[T]) arm(delay time.Duration) {
	var epoch = b.epoch
	b.timer = b.cfg.Clock.AfterFunc(delay, func() { b.onTimer(epoch) })
}

// onTimer is the scheduled flush of the inbox of |epoch|.
func (b *Batcher[T]) onTimer(epoch uint64) {
	b.mu.Lock()

	if epoch != b.epoch || len(b.inbox) == 0 {
		// The inbox was already taken by Flush or by reaching capacity.
		b.mu.Unlock()
		return
	}
	b.timer = nil

	if b.turn != b.nextTicket {
		// A delivery is underway. Rather than wait, leave the inbox to be
		// re-armed after the final waiting batch is delivered.
		b.overdue = true
		b.mu.Unlock()
		return
	}
	b.deliverAndUnlock(b.take("delay"))
}

// take the inbox for delivery, returning it and its ticket. |b.mu| must be held.
func (b *Batcher[T]) take(trigger string) ([]T, uint64) {
	if b.timer != nil {
		_ = b.timer.Stop() // If already firing, it will observe a stale epoch.
		b.timer = nil
	}
	flushesTotal.WithLabelValues(b.cfg.Name, trigger).Inc()
	batchSize.WithLabelValues(b.cfg.Name).Observe(float64(len(b.inbox)))

	var batch, ticket = b.inbox, b.nextTicket
	b.inbox = nil
	b.epoch++
	b.overdue = false
	b.nextTicket++
	b.undelivered += len(batch)
	return batch, ticket
}

// deliverAndUnlock awaits the turn of |ticket| and delivers |batch|.
// |b.mu| must be held, and is released upon return.
func (b *Batcher[T]) deliverAndUnlock(batch []T, ticket uint64) {
	for b.turn != ticket {
		b.turnCond.Wait()
	}
	b.mu.Unlock()
	b.invoke(batch)
	b.mu.Lock()

	b.turn++
	b.undelivered -= len(batch)

	if b.overdue && b.turn == b.nextTicket {
		b.overdue = false
		b.arm(0)
	}
	b.turnCond.Broadcast()
	b.mu.Unlock()
}

// invoke the processor with |batch|, containing any failure.
func (b *Batcher[T]) invoke(batch []T) {
	var err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("processor panic: %v", r)
			}
		}()
		return b.cfg.Process(batch)
	}()

	if err != nil {
		processFailuresTotal.WithLabelValues(b.cfg.Name).Inc()
		log.WithFields(log.Fields{
			"batcher": b.cfg.Name,
			"size":    len(batch),
			"err":     err,
		}).Error("batch processor failed (dropping batch)")
		return
	}
	deliveredTotal.WithLabelValues(b.cfg.Name).Add(float64(len(batch)))
}
