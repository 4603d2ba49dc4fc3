package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"ticket-counter-backend/internal/guard"
	"ticket-counter-backend/internal/model"
	"ticket-counter-backend/internal/store"
)

// IssueRequest asks for the next ticket at a counter.
type IssueRequest struct {
	Slug     string
	DeviceID string
	Contact  *model.Contact
	// Override skips the admission guard after the customer confirmed a second ticket.
	Override bool
	// IdempotencyKey, when set, makes retries of the same request return the same ticket.
	IdempotencyKey string
}

// IssueResult is the ticket handed to the customer.
type IssueResult struct {
	TicketNumber int64
	WaitingAhead int64
	Replayed     bool
}

// Issue takes the next number at a counter. Admission denials come back as *guard.DenialError.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	now := s.now()

	if req.IdempotencyKey != "" {
		unlock := s.requestLocks.Lock(req.Slug + "\x00" + req.IdempotencyKey)
		defer unlock()

		rec, err := s.store.FindIssuance(ctx, req.Slug, req.IdempotencyKey, now)
		if err != nil {
			return IssueResult{}, err
		}
		if rec != nil {
			st, err := s.store.GetState(ctx, req.Slug)
			if err != nil {
				return IssueResult{}, err
			}
			// A record from before a reset names a ticket that no longer exists.
			if rec.Epoch == st.Epoch {
				log.Info().Str("slug", req.Slug).Int64("ticket", rec.TicketNumber).Msg("replaying idempotent issuance")
				return IssueResult{TicketNumber: rec.TicketNumber, WaitingAhead: rec.WaitingAhead, Replayed: true}, nil
			}
		}
	}

	// Unknown and flagged counters fail before the guard looks at device records.
	if _, err := s.readState(ctx, req.Slug); err != nil {
		return IssueResult{}, err
	}

	decision, err := s.guard.CheckAndRecord(ctx, req.DeviceID, req.Slug, now, req.Override)
	if err != nil {
		return IssueResult{}, err
	}
	if !decision.Allowed {
		log.Info().
			Str("slug", req.Slug).
			Str("device", req.DeviceID).
			Str("reason", string(decision.Reason)).
			Msg("ticket admission denied")
		return IssueResult{}, &guard.DenialError{Decision: decision}
	}

	base, ticket, err := s.advance(ctx, req.Slug, store.FieldIssued)
	if err != nil {
		return IssueResult{}, err
	}

	// Committed from here on: nothing below may fail the issuance, and none of
	// it may be abandoned because the client disconnected.
	ctx, cancel := detach(ctx)
	defer cancel()

	waiting := ticket - base.LastCalled - 1
	if waiting < 0 {
		waiting = 0
	}
	log.Info().Str("slug", req.Slug).Int64("ticket", ticket).Int64("waiting_ahead", waiting).Msg("ticket issued")

	if req.Contact != nil && !req.Contact.Empty() {
		contact := *req.Contact
		contact.CounterSlug = req.Slug
		contact.Epoch = base.Epoch
		contact.TicketNumber = ticket
		contact.CreatedAt = now
		if err := s.store.SaveContact(ctx, contact); err != nil {
			log.Warn().Err(err).Str("slug", req.Slug).Int64("ticket", ticket).Msg("failed to save contact")
		}
	}

	if req.IdempotencyKey != "" {
		if err := s.store.SaveIssuance(ctx, model.IssuanceRecord{
			CounterSlug:    req.Slug,
			IdempotencyKey: req.IdempotencyKey,
			TicketNumber:   ticket,
			WaitingAhead:   waiting,
			Epoch:          base.Epoch,
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.idempotencyTTL),
		}); err != nil {
			log.Warn().Err(err).Str("slug", req.Slug).Msg("failed to save idempotency record")
		}
	}

	if err := s.guard.Record(ctx, req.DeviceID, req.Slug, ticket, base.Epoch, now); err != nil {
		log.Warn().Err(err).Str("slug", req.Slug).Str("device", req.DeviceID).Msg("failed to record admission")
	}

	after := base
	after.LastIssued = ticket
	after.Active = true
	s.publish(ctx, after)

	return IssueResult{TicketNumber: ticket, WaitingAhead: waiting}, nil
}

// TicketContact returns the contact left with a ticket of the current epoch, or nil.
func (s *Service) TicketContact(ctx context.Context, slug string, ticket int64) (*model.Contact, error) {
	st, err := s.store.GetState(ctx, slug)
	if err != nil {
		return nil, err
	}
	if ticket < 1 || ticket > st.LastIssued {
		return nil, ErrTicketOutOfRange
	}
	return s.store.GetContact(ctx, slug, st.Epoch, ticket)
}

// RegisterPush binds a browser push endpoint to a ticket that is still waiting.
func (s *Service) RegisterPush(ctx context.Context, slug string, ticket int64, sub model.PushSubscription) error {
	st, err := s.store.GetState(ctx, slug)
	if err != nil {
		return err
	}
	if ticket <= st.LastCalled || ticket > st.LastIssued {
		return ErrTicketOutOfRange
	}
	sub.CounterSlug = slug
	sub.Epoch = st.Epoch
	sub.TicketNumber = ticket
	sub.CreatedAt = time.Now().UTC()
	return s.store.SavePushSubscription(ctx, sub)
}
