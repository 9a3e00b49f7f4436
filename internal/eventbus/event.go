// Package eventbus implements the per-producer publish/subscribe primitive
// that decouples the transfer layer from its consumers. Events are confined
// to the controller goroutine: Publish runs handlers synchronously on the
// caller and is safe to reenter (handlers may publish other events or
// mutate subscriptions mid-delivery).
package eventbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Done is returned by a handler that has finished its work and wants to be
// unsubscribed. Equivalent to subscribing with Once, decided at delivery
// time instead of subscription time.
var Done = errors.New("eventbus: done")

// Handler receives the event and its payload. A non-nil error other than
// Done is logged and the subscription is retained.
type Handler func(e *Event, data map[string]any) error

// Filter suppresses delivery when it returns false. A filtered delivery
// does not update the subscription's throttle clock.
type Filter func(e *Event, data map[string]any) bool

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	fn       Handler
	interval time.Duration
	once     bool
	filter   Filter
	last     time.Time
	removed  bool
}

// Option configures a subscription.
type Option func(*Subscription)

// WithInterval sets the minimum time between deliveries to this subscriber.
// Deliveries inside the window are suppressed, not queued.
func WithInterval(d time.Duration) Option {
	return func(s *Subscription) { s.interval = d }
}

// Once unsubscribes after the first delivery where the handler ran cleanly.
func Once() Option {
	return func(s *Subscription) { s.once = true }
}

// WithFilter attaches a delivery predicate.
func WithFilter(f Filter) Option {
	return func(s *Subscription) { s.filter = f }
}

// Event is a single named event with an ordered subscriber list.
type Event struct {
	Name        string
	Description string
	Owner       string

	log  zerolog.Logger
	subs []*Subscription
	now  func() time.Time
}

// New creates an event. Owner names the component that publishes it.
func New(name, description, owner string, log zerolog.Logger) *Event {
	return &Event{
		Name:        name,
		Description: description,
		Owner:       owner,
		log:         log.With().Str("event", name).Logger(),
		now:         time.Now,
	}
}

// Subscribe appends a subscription. Deliveries happen in registration
// order. The same handler may be subscribed more than once; each
// subscription is independent.
func (e *Event) Subscribe(fn Handler, opts ...Option) *Subscription {
	s := &Subscription{fn: fn}
	for _, opt := range opts {
		opt(s)
	}
	e.subs = append(e.subs, s)
	return s
}

// Unsubscribe removes a subscription. Safe to call from within a handler,
// including for the subscription currently being delivered to.
func (e *Event) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.removed {
		return
	}
	sub.removed = true
	kept := e.subs[:0]
	for _, s := range e.subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	e.subs = kept
}

// Subscribers returns the current number of subscriptions.
func (e *Event) Subscribers() int { return len(e.subs) }

// Publish delivers data to every current subscriber in registration order.
// Throttled and filtered subscribers are skipped without touching their
// throttle clock. A handler error is logged and the subscription retained;
// returning Done unsubscribes. Iteration works on a snapshot, so handlers
// may subscribe, unsubscribe, or publish reentrantly.
func (e *Event) Publish(data map[string]any) {
	now := e.now()
	snapshot := make([]*Subscription, len(e.subs))
	copy(snapshot, e.subs)

	for _, s := range snapshot {
		if s.removed {
			continue
		}
		if s.interval > 0 && !s.last.IsZero() && now.Sub(s.last) < s.interval {
			continue
		}
		if s.filter != nil && !s.filter(e, data) {
			continue
		}
		err := e.invoke(s, data)
		switch {
		case err == nil:
			s.last = now
			if s.once {
				e.Unsubscribe(s)
			}
		case errors.Is(err, Done):
			e.Unsubscribe(s)
		default:
			e.log.Error().Err(err).Str("owner", e.Owner).Msg("event handler failed")
		}
	}
}

func (e *Event) invoke(s *Subscription, data map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.fn(e, data)
}
