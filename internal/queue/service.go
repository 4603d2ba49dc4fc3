// Package queue issues tickets and calls them, one counter at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"ticket-counter-backend/internal/guard"
	"ticket-counter-backend/internal/notification"
	"ticket-counter-backend/internal/pubsub"
	"ticket-counter-backend/internal/store"
)

const defaultNudgeMessage = "It's your turn: please come to the counter."

// commitTimeout bounds the follow-up writes made after a number has been taken.
const commitTimeout = 5 * time.Second

// detach keeps the values of ctx but not its cancellation, so work after a
// committed advance finishes even when the client has gone away.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

// Pusher accepts push jobs for ticket holders.
type Pusher interface {
	Dispatch(job notification.Job)
}

// Options tunes a Service.
type Options struct {
	// MaxAttempts bounds compare-and-swap retries when writers race on one counter.
	MaxAttempts    int
	IdempotencyTTL time.Duration
	TopicPrefix    string
	Now            func() time.Time
}

// Service orchestrates the admission guard and the counter store.
type Service struct {
	store     store.Store
	guard     *guard.Guard
	publisher pubsub.Publisher
	pusher    Pusher

	counterLocks *keyedMutex
	requestLocks *keyedMutex

	maxAttempts    int
	idempotencyTTL time.Duration
	topicPrefix    string
	now            func() time.Time
}

// NewService wires the issuer and dispatcher. pusher may be nil.
func NewService(s store.Store, g *guard.Guard, publisher pubsub.Publisher, pusher Pusher, opts Options) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "counters"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:          s,
		guard:          g,
		publisher:      publisher,
		pusher:         pusher,
		counterLocks:   newKeyedMutex(),
		requestLocks:   newKeyedMutex(),
		maxAttempts:    opts.MaxAttempts,
		idempotencyTTL: opts.IdempotencyTTL,
		topicPrefix:    opts.TopicPrefix,
		now:            opts.Now,
	}
}

// StateView is the public read model of a counter.
type StateView struct {
	LastIssued   int64
	LastCalled   int64
	WaitingAhead int64
	Epoch        int64
}

// State returns the current numbering of a counter.
func (s *Service) State(ctx context.Context, slug string) (StateView, error) {
	st, err := s.readState(ctx, slug)
	if err != nil {
		return StateView{}, err
	}
	return StateView{
		LastIssued:   st.LastIssued,
		LastCalled:   st.LastCalled,
		WaitingAhead: st.Waiting(),
		Epoch:        st.Epoch,
	}, nil
}

// Reset zeroes a counter. Tickets issued before the reset are void.
func (s *Service) Reset(ctx context.Context, slug string) error {
	unlock := s.counterLocks.Lock(slug)
	defer unlock()

	if err := s.store.Reset(ctx, slug); err != nil {
		return err
	}
	log.Info().Str("slug", slug).Msg("counter reset")

	ctx, cancel := detach(ctx)
	defer cancel()
	st, err := s.store.GetState(ctx, slug)
	if err != nil {
		// The reset is committed; subscribers still catch it on their next poll.
		log.Warn().Err(err).Str("slug", slug).Msg("failed to read counter after reset")
		return nil
	}
	s.publish(ctx, st)
	return nil
}

// readState loads a counter and enforces 0 <= called <= issued.
func (s *Service) readState(ctx context.Context, slug string) (store.CounterState, error) {
	st, err := s.store.GetState(ctx, slug)
	if err != nil {
		return store.CounterState{}, err
	}
	if st.NeedsReconciliation {
		return st, fmt.Errorf("%w: counter %s awaits reconciliation", ErrInvariantViolation, slug)
	}
	if !st.Consistent() {
		log.Error().
			Str("slug", slug).
			Int64("issued", st.LastIssued).
			Int64("called", st.LastCalled).
			Msg("counter invariant violated; flagging for manual reconciliation")
		if err := s.store.FlagReconciliation(ctx, slug); err != nil {
			log.Error().Err(err).Str("slug", slug).Msg("failed to flag counter")
		}
		return st, fmt.Errorf("%w: counter %s has called %d > issued %d", ErrInvariantViolation, slug, st.LastCalled, st.LastIssued)
	}
	return st, nil
}

// advance moves one number of a counter forward by one. Writers in this process
// are serialized per slug; writers elsewhere are caught by the store's CAS and retried.
// It returns the state the winning attempt was based on and the new value.
func (s *Service) advance(ctx context.Context, slug string, field store.Field) (store.CounterState, int64, error) {
	unlock := s.counterLocks.Lock(slug)
	defer unlock()

	var (
		base store.CounterState
		next int64
	)
	err := retry.Do(
		func() error {
			st, err := s.readState(ctx, slug)
			if err != nil {
				return err
			}
			base = st

			expected := st.LastIssued
			if field == store.FieldCalled {
				if st.LastCalled >= st.LastIssued {
					return errNothingWaiting
				}
				expected = st.LastCalled
			}

			next, err = s.store.CompareAndAdvance(ctx, slug, field, expected)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.maxAttempts)),
		retry.Delay(2*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.MaxDelay(50*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, store.ErrConflict)
		}),
	)
	if errors.Is(err, store.ErrConflict) {
		return base, 0, fmt.Errorf("%w: counter %s is contended: %w", store.ErrStoreUnavailable, slug, err)
	}
	if err != nil {
		return base, 0, err
	}
	return base, next, nil
}

func (s *Service) publish(ctx context.Context, st store.CounterState) {
	if s.publisher == nil {
		return
	}
	msg := pubsub.CounterChanged{
		Slug:   st.Slug,
		Issued: st.LastIssued,
		Called: st.LastCalled,
		Epoch:  st.Epoch,
	}
	if err := s.publisher.Publish(ctx, pubsub.CounterTopic(s.topicPrefix, st.Slug), msg.Marshal()); err != nil {
		log.Warn().Err(err).Str("slug", st.Slug).Msg("failed to publish counter change")
	}
}

func (s *Service) push(job notification.Job) {
	if s.pusher == nil {
		return
	}
	s.pusher.Dispatch(job)
}
