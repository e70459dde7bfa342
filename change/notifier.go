package change

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Listener is notified of batches of committed Events. Each Listener receives
// its own copy of a batch, which it may retain.
type Listener func([]Event) error

// RegisterOption configures a Listener registration.
type RegisterOption func(*registration)

// WithFilter delivers to the Listener only Events for which |fn| returns
// true. Batches which are empty after filtering are not delivered.
func WithFilter(fn func(Event) bool) RegisterOption {
	return func(r *registration) { r.filter = fn }
}

// WithName names the Listener in logs and errors.
func WithName(name string) RegisterOption {
	return func(r *registration) { r.name = name }
}

// Notifier delivers batches of Events to registered Listeners, in the order
// of their registration.
type Notifier struct {
	mu        sync.RWMutex
	listeners []*registration
	nextID    int
}

type registration struct {
	id     int
	name   string
	fn     Listener
	filter func(Event) bool
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier { return new(Notifier) }

// Register the Listener, returning a function which unregisters it.
// Unregistering is idempotent, and may be done from within a Listener.
func (n *Notifier) Register(fn Listener, opts ...RegisterOption) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	var r = &registration{id: n.nextID, fn: fn}
	for _, opt := range opts {
		opt(r)
	}
	if r.name == "" {
		r.name = "listener-" + strconv.Itoa(r.id)
	}
	n.listeners = append(n.listeners, r)
	listenersGauge.Inc()

	return func() { n.unregister(r.id) }
}

func (n *Notifier) unregister(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, r := range n.listeners {
		if r.id == id {
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			listenersGauge.Dec()
			return
		}
	}
}

// Len returns the number of registered Listeners.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.listeners)
}

// Notify synchronously delivers |events| once to each Listener registered at
// the time of the call. A failing or panicking Listener doesn't prevent
// delivery to those which follow it: failures are instead combined into
// the returned error.
func (n *Notifier) Notify(events []Event) error {
	n.mu.RLock()
	var listeners = append([]*registration(nil), n.listeners...)
	n.mu.RUnlock()

	var err error
	for _, r := range listeners {
		if lErr := r.deliver(events); lErr != nil {
			notifyFailuresTotal.Inc()
			log.WithFields(log.Fields{
				"listener": r.name,
				"events":   len(events),
				"err":      lErr,
			}).Warn("change listener failed")

			err = multierr.Append(err, errors.WithMessage(lErr, r.name))
		}
	}
	notifiedTotal.Add(float64(len(events)))
	return err
}

// apply the registration's filter to a copy of |events|.
func (r *registration) apply(events []Event) []Event {
	var out = make([]Event, 0, len(events))
	for _, ev := range events {
		if r.filter == nil || r.filter(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// deliver |events| to the Listener, recovering a panic of the Listener
// or its filter as an error.
func (r *registration) deliver(events []Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()
	if batch := r.apply(events); len(batch) != 0 {
		err = r.fn(batch)
	}
	return err
}
