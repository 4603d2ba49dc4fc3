// Package guard decides whether a device may take another ticket.
//
// It is anti-abuse for honest clients, not a security boundary: the device id
// is whatever the client sends, and clearing cookies resets it.
package guard

import (
	"context"
	"fmt"
	"time"

	"ticket-counter-backend/internal/store"
)

// Reason explains a denial.
type Reason string

const (
	ReasonActiveTicket Reason = "active_ticket_exists"
	ReasonCooldown     Reason = "cooldown"
)

// Record is what the guard remembers about one device at one counter.
type Record struct {
	LastIssueAt  time.Time `json:"last_issue_at"`
	ActiveTicket *int64    `json:"active_ticket,omitempty"`
	Epoch        int64     `json:"epoch"`
}

// Records persists admission records. Implementations must tolerate concurrent use.
type Records interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
}

// StateReader is the part of the counter store the guard needs to tell
// whether a held ticket is still waiting.
type StateReader interface {
	GetState(ctx context.Context, slug string) (store.CounterState, error)
}

// Decision is the outcome of CheckAndRecord.
type Decision struct {
	Allowed      bool
	Reason       Reason
	TicketNumber int64
	Remaining    time.Duration
}

// DenialError carries a denied Decision through error returns.
type DenialError struct {
	Decision Decision
}

func (e *DenialError) Error() string {
	switch e.Decision.Reason {
	case ReasonActiveTicket:
		return fmt.Sprintf("admission denied: ticket %d is still waiting", e.Decision.TicketNumber)
	case ReasonCooldown:
		return fmt.Sprintf("admission denied: cooldown, %s remaining", e.Decision.Remaining.Round(time.Second))
	default:
		return "admission denied"
	}
}

// Guard applies the admission policy.
type Guard struct {
	records  Records
	states   StateReader
	cooldown time.Duration
}

// New creates a Guard. A zero cooldown disables the cooldown rule.
func New(records Records, states StateReader, cooldown time.Duration) *Guard {
	return &Guard{records: records, states: states, cooldown: cooldown}
}

// Cooldown returns the configured window.
func (g *Guard) Cooldown() time.Duration {
	return g.cooldown
}

// CheckAndRecord evaluates, in order: the explicit override, an active ticket
// that has not been called yet, and the cooldown since the last issuance.
// The caller records a successful issuance with Record.
func (g *Guard) CheckAndRecord(ctx context.Context, deviceID, slug string, now time.Time, override bool) (Decision, error) {
	if override || deviceID == "" {
		return Decision{Allowed: true}, nil
	}

	rec, ok, err := g.records.Get(ctx, recordKey(deviceID, slug))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: failed to read admission record: %w", store.ErrStoreUnavailable, err)
	}
	if !ok {
		return Decision{Allowed: true}, nil
	}

	if rec.ActiveTicket != nil {
		st, err := g.states.GetState(ctx, slug)
		if err != nil {
			return Decision{}, err
		}
		// A reset starts a new epoch; tickets from before it are void.
		if st.Epoch == rec.Epoch && *rec.ActiveTicket > st.LastCalled {
			return Decision{Reason: ReasonActiveTicket, TicketNumber: *rec.ActiveTicket}, nil
		}
	}

	if g.cooldown > 0 && !rec.LastIssueAt.IsZero() {
		if elapsed := now.Sub(rec.LastIssueAt); elapsed < g.cooldown {
			return Decision{Reason: ReasonCooldown, Remaining: g.cooldown - elapsed}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// Record remembers a committed issuance for the device.
func (g *Guard) Record(ctx context.Context, deviceID, slug string, ticket, epoch int64, now time.Time) error {
	if deviceID == "" {
		return nil
	}
	t := ticket
	if err := g.records.Put(ctx, recordKey(deviceID, slug), Record{
		LastIssueAt:  now,
		ActiveTicket: &t,
		Epoch:        epoch,
	}); err != nil {
		return fmt.Errorf("%w: failed to write admission record: %w", store.ErrStoreUnavailable, err)
	}
	return nil
}

func recordKey(deviceID, slug string) string {
	return "admission:" + slug + ":" + deviceID
}
