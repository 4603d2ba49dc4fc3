package store

import (
	"context"
	"time"

	"ticket-counter-backend/internal/model"
)

// CounterStore is the single source of truth for counter numbering. Advances are
// compare-and-swap: a caller that read a stale value gets ErrConflict, never a lost update.
type CounterStore interface {
	GetState(ctx context.Context, slug string) (CounterState, error)
	CompareAndAdvance(ctx context.Context, slug string, field Field, expected int64) (int64, error)
	Reset(ctx context.Context, slug string) error
	FlagReconciliation(ctx context.Context, slug string) error
}

// Directory resolves counter slugs. Counter CRUD lives elsewhere; EnsureCounter only seeds.
type Directory interface {
	ResolveCounter(ctx context.Context, slug string) (id int64, active bool, err error)
	EnsureCounter(ctx context.Context, slug, name string) error
}

// ContactStore keeps the optional contact details attached to tickets.
type ContactStore interface {
	SaveContact(ctx context.Context, contact model.Contact) error
	GetContact(ctx context.Context, slug string, epoch, ticket int64) (*model.Contact, error)
}

// NudgeStore keeps operator messages until the ticket holder reads them.
type NudgeStore interface {
	CreateNudge(ctx context.Context, nudge model.Nudge) error
	ConsumeNudge(ctx context.Context, slug string, ticket int64, now time.Time) (*model.Nudge, error)
}

// IdempotencyStore remembers issuance results by request key.
type IdempotencyStore interface {
	FindIssuance(ctx context.Context, slug, key string, now time.Time) (*model.IssuanceRecord, error)
	SaveIssuance(ctx context.Context, record model.IssuanceRecord) error
}

// PushStore keeps browser push subscriptions bound to tickets.
type PushStore interface {
	SavePushSubscription(ctx context.Context, sub model.PushSubscription) error
	PushSubscriptionsForTicket(ctx context.Context, slug string, epoch, ticket int64) ([]model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// Store defines the interface for all persistence operations.
type Store interface {
	CounterStore
	Directory
	ContactStore
	NudgeStore
	IdempotencyStore
	PushStore
	Ping(ctx context.Context) error
}
