package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ticket-counter-backend/internal/model"
	"ticket-counter-backend/internal/notification"
	"ticket-counter-backend/internal/store"
)

// CallResult describes the counter after a call-next.
type CallResult struct {
	CalledNumber int64
	LastIssued   int64
	WaitingAhead int64
	HasNext      bool
}

// CallNext calls the lowest waiting ticket. With nobody waiting it changes nothing
// and reports HasNext=false.
func (s *Service) CallNext(ctx context.Context, slug string) (CallResult, error) {
	base, called, err := s.advance(ctx, slug, store.FieldCalled)
	if errors.Is(err, errNothingWaiting) {
		return CallResult{
			CalledNumber: base.LastCalled,
			LastIssued:   base.LastIssued,
			WaitingAhead: 0,
			HasNext:      false,
		}, nil
	}
	if err != nil {
		return CallResult{}, err
	}

	waiting := base.LastIssued - called
	if waiting < 0 {
		waiting = 0
	}
	log.Info().Str("slug", slug).Int64("called", called).Int64("waiting_ahead", waiting).Msg("ticket called")

	after := base
	after.LastCalled = called
	after.Active = true
	pubCtx, cancel := detach(ctx)
	defer cancel()
	s.publish(pubCtx, after)
	s.push(notification.Job{
		Kind:   notification.KindCalled,
		Slug:   slug,
		Epoch:  base.Epoch,
		Ticket: called,
	})

	return CallResult{
		CalledNumber: called,
		LastIssued:   base.LastIssued,
		WaitingAhead: waiting,
		HasNext:      called < base.LastIssued,
	}, nil
}

// SendNudge leaves a message for a ticket holder and pushes it if they subscribed.
func (s *Service) SendNudge(ctx context.Context, slug string, ticket int64, message string) error {
	st, err := s.store.GetState(ctx, slug)
	if err != nil {
		return err
	}
	if ticket < 1 || ticket > st.LastIssued {
		return ErrTicketOutOfRange
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = defaultNudgeMessage
	}
	if err := s.store.CreateNudge(ctx, model.Nudge{
		CounterSlug:  slug,
		TicketNumber: ticket,
		Message:      message,
		CreatedAt:    s.now().UTC(),
	}); err != nil {
		return err
	}

	s.push(notification.Job{
		Kind:    notification.KindNudge,
		Slug:    slug,
		Epoch:   st.Epoch,
		Ticket:  ticket,
		Message: message,
	})
	return nil
}

// ConsumeNudge returns the oldest unread nudge for a ticket, or nil.
func (s *Service) ConsumeNudge(ctx context.Context, slug string, ticket int64) (*model.Nudge, error) {
	return s.store.ConsumeNudge(ctx, slug, ticket, time.Now().UTC())
}
