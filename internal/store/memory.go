package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"ticket-counter-backend/internal/model"
)

type memCounter struct {
	mu  sync.Mutex
	row model.Counter
}

type ticketKey struct {
	slug   string
	epoch  int64
	ticket int64
}

type issuanceKey struct {
	slug string
	key  string
}

// memoryStore keeps everything in process. Each counter row has its own mutex,
// so two counters never contend with each other.
type memoryStore struct {
	counters *xsync.MapOf[string, *memCounter]

	mu        sync.Mutex
	nextID    int64
	contacts  map[ticketKey]model.Contact
	nudges    []model.Nudge
	issuances map[issuanceKey]model.IssuanceRecord
	pushes    map[string]model.PushSubscription
}

// NewMemoryStore creates a Store that lives only as long as the process.
func NewMemoryStore() Store {
	return &memoryStore{
		counters:  xsync.NewMapOf[string, *memCounter](),
		contacts:  make(map[ticketKey]model.Contact),
		issuances: make(map[issuanceKey]model.IssuanceRecord),
		pushes:    make(map[string]model.PushSubscription),
	}
}

func (s *memoryStore) counter(slug string) (*memCounter, error) {
	c, ok := s.counters.Load(slug)
	if !ok {
		return nil, ErrCounterNotFound
	}
	return c, nil
}

func (s *memoryStore) GetState(ctx context.Context, slug string) (CounterState, error) {
	if err := ctx.Err(); err != nil {
		return CounterState{}, unavailable(err)
	}
	c, err := s.counter(slug)
	if err != nil {
		return CounterState{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateOf(c.row), nil
}

func (s *memoryStore) CompareAndAdvance(ctx context.Context, slug string, field Field, expected int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	c, err := s.counter(slug)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.row.NeedsReconciliation {
		return 0, ErrConflict
	}
	switch field {
	case FieldIssued:
		if c.row.LastIssuedNumber != expected {
			return 0, ErrConflict
		}
		c.row.LastIssuedNumber++
	case FieldCalled:
		if c.row.LastCalledNumber != expected || c.row.LastCalledNumber >= c.row.LastIssuedNumber {
			return 0, ErrConflict
		}
		c.row.LastCalledNumber++
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	c.row.IsActive = true
	c.row.UpdatedAt = time.Now().UTC()
	return expected + 1, nil
}

func (s *memoryStore) Reset(ctx context.Context, slug string) error {
	c, err := s.counter(slug)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.row.LastIssuedNumber = 0
	c.row.LastCalledNumber = 0
	c.row.Epoch++
	c.row.NeedsReconciliation = false
	c.row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) FlagReconciliation(ctx context.Context, slug string) error {
	c, err := s.counter(slug)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.row.NeedsReconciliation = true
	return nil
}

func (s *memoryStore) ResolveCounter(ctx context.Context, slug string) (int64, bool, error) {
	c, err := s.counter(slug)
	if err != nil {
		return 0, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.row.ID, c.row.IsActive, nil
}

func (s *memoryStore) EnsureCounter(ctx context.Context, slug, name string) error {
	s.counters.LoadOrCompute(slug, func() *memCounter {
		now := time.Now().UTC()
		return &memCounter{row: model.Counter{
			ID:        s.newID(),
			Slug:      slug,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		}}
	})
	return nil
}

func (s *memoryStore) newID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *memoryStore) SaveContact(ctx context.Context, contact model.Contact) error {
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[ticketKey{contact.CounterSlug, contact.Epoch, contact.TicketNumber}] = contact
	return nil
}

func (s *memoryStore) GetContact(ctx context.Context, slug string, epoch, ticket int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[ticketKey{slug, epoch, ticket}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memoryStore) CreateNudge(ctx context.Context, nudge model.Nudge) error {
	if nudge.CreatedAt.IsZero() {
		nudge.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	nudge.ID = s.nextID
	s.nudges = append(s.nudges, nudge)
	return nil
}

func (s *memoryStore) ConsumeNudge(ctx context.Context, slug string, ticket int64, now time.Time) (*model.Nudge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, n := range s.nudges {
		if n.CounterSlug != slug || n.TicketNumber != ticket || n.ConsumedAt != nil {
			continue
		}
		if idx == -1 || n.CreatedAt.Before(s.nudges[idx].CreatedAt) {
			idx = i
		}
	}
	if idx == -1 {
		return nil, nil
	}
	s.nudges[idx].ConsumedAt = &now
	n := s.nudges[idx]
	return &n, nil
}

func (s *memoryStore) FindIssuance(ctx context.Context, slug, key string, now time.Time) (*model.IssuanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.issuances[issuanceKey{slug, key}]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, nil
	}
	return &rec, nil
}

func (s *memoryStore) SaveIssuance(ctx context.Context, record model.IssuanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuances[issuanceKey{record.CounterSlug, record.IdempotencyKey}] = record
	return nil
}

func (s *memoryStore) SavePushSubscription(ctx context.Context, sub model.PushSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes[sub.Endpoint] = sub
	return nil
}

func (s *memoryStore) PushSubscriptionsForTicket(ctx context.Context, slug string, epoch, ticket int64) ([]model.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []model.PushSubscription
	for _, sub := range s.pushes {
		if sub.CounterSlug == slug && sub.Epoch == epoch && sub.TicketNumber == ticket {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return subs, nil
}

func (s *memoryStore) DeletePushSubscription(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pushes, endpoint)
	return nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	return nil
}
