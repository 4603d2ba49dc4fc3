// Package broadcast pushes counter snapshots to live subscribers.
//
// Every subscription owns one goroutine. It wakes on Notify (fed from the
// change bus) and on a poll ticker, re-reads the counter and delivers the
// snapshot only if it is strictly newer than the last one delivered. Undelivered
// snapshots are coalesced: a slow reader only ever sees the latest.
package broadcast

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"ticket-counter-backend/internal/pubsub"
	"ticket-counter-backend/internal/store"
)

// Kind is the type of an Event.
type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindHeartbeat Kind = "heartbeat"
	KindClosed    Kind = "closed"
)

// Event is delivered on a Subscription's channel.
type Event struct {
	Kind  Kind
	State store.CounterState
	Err   error
}

// StateReader is the part of the counter store the broadcaster reads.
type StateReader interface {
	GetState(ctx context.Context, slug string) (store.CounterState, error)
}

// Options tunes a Broadcaster.
type Options struct {
	PollInterval time.Duration
	Keepalive    time.Duration
	ReadAttempts int
	ReadDelay    time.Duration
}

// Broadcaster fans counter changes out to subscribers.
type Broadcaster struct {
	states StateReader
	opts   Options
	nextID atomic.Uint64

	// slug -> copy-on-write set of wake channels
	hubs *xsync.MapOf[string, map[uint64]chan struct{}]
}

// New creates a Broadcaster.
func New(states StateReader, opts Options) *Broadcaster {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 15 * time.Second
	}
	if opts.ReadAttempts <= 0 {
		opts.ReadAttempts = 5
	}
	if opts.ReadDelay <= 0 {
		opts.ReadDelay = 100 * time.Millisecond
	}
	return &Broadcaster{
		states: states,
		opts:   opts,
		hubs:   xsync.NewMapOf[string, map[uint64]chan struct{}](),
	}
}

// Subscription is one live stream of snapshots for a counter.
type Subscription struct {
	slug   string
	id     uint64
	events chan Event
	wake   chan struct{}
}

// Events yields the initial snapshot, then changes and heartbeats. It is closed
// when the subscription ends; a KindClosed event precedes closure on read failure.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Slug returns the counter the subscription follows.
func (s *Subscription) Slug() string {
	return s.slug
}

// Subscribe starts a stream for slug. It ends when ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, slug string) (*Subscription, error) {
	initial, err := b.read(ctx, slug)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		slug:   slug,
		id:     b.nextID.Add(1),
		events: make(chan Event, 1),
		wake:   make(chan struct{}, 1),
	}
	b.register(sub)
	sub.events <- Event{Kind: KindSnapshot, State: initial}

	go b.run(ctx, sub, initial)
	return sub, nil
}

// Notify wakes every subscriber of slug.
func (b *Broadcaster) Notify(slug string) {
	set, ok := b.hubs.Load(slug)
	if !ok {
		return
	}
	for _, wake := range set {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Listen feeds Notify from the change bus until the returned subscription is closed.
func (b *Broadcaster) Listen(ctx context.Context, bus pubsub.PubSub, prefix string) (pubsub.Subscription, error) {
	return bus.Subscribe(ctx, pubsub.AllCountersTopic(prefix), func(payload []byte) error {
		msg, err := pubsub.ParseCounterChanged(payload)
		if err != nil {
			return err
		}
		b.Notify(msg.Slug)
		return nil
	})
}

// Subscribers returns how many live subscriptions follow slug.
func (b *Broadcaster) Subscribers(slug string) int {
	set, _ := b.hubs.Load(slug)
	return len(set)
}

func (b *Broadcaster) register(sub *Subscription) {
	b.hubs.Compute(sub.slug, func(old map[uint64]chan struct{}, _ bool) (map[uint64]chan struct{}, bool) {
		set := make(map[uint64]chan struct{}, len(old)+1)
		for id, ch := range old {
			set[id] = ch
		}
		set[sub.id] = sub.wake
		return set, false
	})
}

func (b *Broadcaster) unregister(sub *Subscription) {
	b.hubs.Compute(sub.slug, func(old map[uint64]chan struct{}, _ bool) (map[uint64]chan struct{}, bool) {
		set := make(map[uint64]chan struct{}, len(old))
		for id, ch := range old {
			if id != sub.id {
				set[id] = ch
			}
		}
		return set, len(set) == 0
	})
}

func (b *Broadcaster) run(ctx context.Context, sub *Subscription, last store.CounterState) {
	ticker := time.NewTicker(b.opts.PollInterval)
	heartbeat := time.NewTimer(b.opts.Keepalive)
	defer func() {
		ticker.Stop()
		heartbeat.Stop()
		b.unregister(sub)
		close(sub.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			sub.offer(Event{Kind: KindHeartbeat})
			heartbeat.Reset(b.opts.Keepalive)
			continue
		case <-sub.wake:
		case <-ticker.C:
		}

		st, err := b.read(ctx, sub.slug)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("slug", sub.slug).Msg("closing counter stream")
			sub.deliver(Event{Kind: KindClosed, Err: err})
			return
		}
		if !st.Consistent() {
			log.Warn().Str("slug", sub.slug).Int64("issued", st.LastIssued).Int64("called", st.LastCalled).Msg("skipping inconsistent snapshot")
			continue
		}
		if !st.After(last) {
			continue
		}
		last = st
		sub.deliver(Event{Kind: KindSnapshot, State: st})
		if !heartbeat.Stop() {
			select {
			case <-heartbeat.C:
			default:
			}
		}
		heartbeat.Reset(b.opts.Keepalive)
	}
}

func (b *Broadcaster) read(ctx context.Context, slug string) (store.CounterState, error) {
	var st store.CounterState
	err := retry.Do(
		func() error {
			var err error
			st, err = b.states.GetState(ctx, slug)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(b.opts.ReadAttempts)),
		retry.Delay(b.opts.ReadDelay),
		retry.MaxDelay(2*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, store.ErrCounterNotFound)
		}),
	)
	return st, err
}

// deliver puts ev in the mailbox, replacing whatever is still pending.
// Only the subscription's goroutine sends, so the second send cannot block.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case <-s.events:
	default:
	}
	s.events <- ev
}

// offer puts ev in the mailbox only if it is empty.
func (s *Subscription) offer(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
