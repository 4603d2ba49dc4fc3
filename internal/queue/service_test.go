package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-counter-backend/internal/guard"
	"ticket-counter-backend/internal/model"
	"ticket-counter-backend/internal/notification"
	"ticket-counter-backend/internal/pubsub"
	"ticket-counter-backend/internal/store"
)

type recordingPusher struct {
	mu   sync.Mutex
	jobs []notification.Job
}

func (p *recordingPusher) Dispatch(job notification.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
}

func (p *recordingPusher) all() []notification.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notification.Job(nil), p.jobs...)
}

type fixture struct {
	svc    *Service
	store  store.Store
	bus    *pubsub.Local
	pusher *recordingPusher
	clock  *time.Time
}

func newFixture(t *testing.T, s store.Store, cooldown time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	if s == nil {
		s = store.NewMemoryStore()
	}
	require.NoError(t, s.EnsureCounter(ctx, "bakery", "Bakery"))

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{store: s, bus: pubsub.NewLocal(), pusher: &recordingPusher{}, clock: &now}
	g := guard.New(guard.NewMemoryRecords(time.Hour), s, cooldown)
	f.svc = NewService(s, g, f.bus, f.pusher, Options{
		Now: func() time.Time { return *f.clock },
	})
	return f
}

func (f *fixture) advanceClock(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestService_BakeryScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 10*time.Minute)

	var published []pubsub.CounterChanged
	_, err := f.bus.Subscribe(ctx, pubsub.AllCountersTopic("counters"), func(payload []byte) error {
		c, err := pubsub.ParseCounterChanged(payload)
		if err == nil {
			published = append(published, c)
		}
		return err
	})
	require.NoError(t, err)

	st, err := f.svc.State(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, StateView{}, st)

	a, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "device-a"})
	require.NoError(t, err)
	assert.Equal(t, IssueResult{TicketNumber: 1, WaitingAhead: 0}, a)

	b, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "device-b"})
	require.NoError(t, err)
	assert.Equal(t, IssueResult{TicketNumber: 2, WaitingAhead: 1}, b)

	// Device A is still waiting on ticket 1.
	_, err = f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "device-a"})
	var denial *guard.DenialError
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, guard.ReasonActiveTicket, denial.Decision.Reason)
	assert.Equal(t, int64(1), denial.Decision.TicketNumber)

	c1, err := f.svc.CallNext(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, CallResult{CalledNumber: 1, LastIssued: 2, WaitingAhead: 1, HasNext: true}, c1)

	// Ticket 1 is resolved, but the cooldown still holds.
	f.advanceClock(time.Minute)
	_, err = f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "device-a"})
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, guard.ReasonCooldown, denial.Decision.Reason)
	assert.Equal(t, 9*time.Minute, denial.Decision.Remaining)

	c2, err := f.svc.CallNext(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, CallResult{CalledNumber: 2, LastIssued: 2, WaitingAhead: 0, HasNext: false}, c2)

	c3, err := f.svc.CallNext(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, CallResult{CalledNumber: 2, LastIssued: 2, WaitingAhead: 0, HasNext: false}, c3)

	assert.Equal(t, []pubsub.CounterChanged{
		{Slug: "bakery", Issued: 1, Called: 0},
		{Slug: "bakery", Issued: 2, Called: 0},
		{Slug: "bakery", Issued: 2, Called: 1},
		{Slug: "bakery", Issued: 2, Called: 2},
	}, published)

	jobs := f.pusher.all()
	require.Len(t, jobs, 2)
	assert.Equal(t, notification.Job{Kind: notification.KindCalled, Slug: "bakery", Ticket: 1}, jobs[0])
	assert.Equal(t, int64(2), jobs[1].Ticket)
}

func TestService_OverrideSkipsGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 10*time.Minute)

	_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "device-a"})
	require.NoError(t, err)
	r, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "device-a", Override: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.TicketNumber)
}

func TestService_UnknownCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)

	_, err := f.svc.Issue(ctx, IssueRequest{Slug: "ghost", DeviceID: "d"})
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
	_, err = f.svc.CallNext(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
	_, err = f.svc.State(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
	assert.ErrorIs(t, f.svc.Reset(ctx, "ghost"), store.ErrCounterNotFound)
}

func TestService_ConcurrentIssueIsGapless(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	const n = 200

	p := pool.NewWithResults[int64]().WithErrors().WithMaxGoroutines(32)
	for i := 0; i < n; i++ {
		device := fmt.Sprintf("device-%d", i)
		p.Go(func() (int64, error) {
			r, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: device})
			return r.TicketNumber, err
		})
	}
	tickets, err := p.Wait()
	require.NoError(t, err)

	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	for i, ticket := range tickets {
		require.Equal(t, int64(i+1), ticket)
	}
	st, err := f.svc.State(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(n), st.LastIssued)
	assert.Equal(t, 0, f.svc.counterLocks.size())
}

func TestService_ConcurrentIssueAndCallNeverOvertake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)
	rng := rand.New(rand.NewSource(7))

	p := pool.New().WithErrors().WithMaxGoroutines(16)
	var mu sync.Mutex
	var called []int64
	for i := 0; i < 300; i++ {
		if rng.Intn(2) == 0 {
			device := fmt.Sprintf("device-%d", i)
			p.Go(func() error {
				_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: device})
				return err
			})
			continue
		}
		p.Go(func() error {
			r, err := f.svc.CallNext(ctx, "bakery")
			if err != nil {
				return err
			}
			if r.CalledNumber > r.LastIssued {
				return fmt.Errorf("called %d overtook issued %d", r.CalledNumber, r.LastIssued)
			}
			mu.Lock()
			called = append(called, r.CalledNumber)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, p.Wait())

	st, err := f.svc.State(ctx, "bakery")
	require.NoError(t, err)
	assert.LessOrEqual(t, st.LastCalled, st.LastIssued)
	for _, c := range called {
		assert.LessOrEqual(t, c, st.LastCalled)
	}
}

func TestService_ResetStartsFromOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: fmt.Sprintf("d%d", i)})
		require.NoError(t, err)
	}
	_, err := f.svc.CallNext(ctx, "bakery")
	require.NoError(t, err)

	require.NoError(t, f.svc.Reset(ctx, "bakery"))
	st, err := f.svc.State(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, StateView{Epoch: 1}, st)

	r, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "d0"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.TicketNumber)
}

func TestService_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 10*time.Minute)

	first, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "d", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	again, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "d", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, first.TicketNumber, again.TicketNumber)
	assert.True(t, again.Replayed)

	st, err := f.svc.State(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LastIssued)

	// Past the TTL the key is forgotten and the guard applies again.
	f.advanceClock(25 * time.Hour)
	r, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "d", IdempotencyKey: "req-1"})
	var denial *guard.DenialError
	require.ErrorAs(t, err, &denial)
	assert.False(t, r.Replayed)
}

// disconnectingStore cancels the request context as soon as a number is taken,
// and refuses writes on a cancelled context the way a SQL driver does.
type disconnectingStore struct {
	store.Store
	cancel context.CancelFunc
}

func (s disconnectingStore) CompareAndAdvance(ctx context.Context, slug string, field store.Field, expected int64) (int64, error) {
	n, err := s.Store.CompareAndAdvance(ctx, slug, field, expected)
	if err == nil {
		s.cancel()
	}
	return n, err
}

func (s disconnectingStore) SaveIssuance(ctx context.Context, rec model.IssuanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.SaveIssuance(ctx, rec)
}

func (s disconnectingStore) SaveContact(ctx context.Context, c model.Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.SaveContact(ctx, c)
}

func TestService_ClientDisconnectAfterIssueKeepsReplay(t *testing.T) {
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := store.NewMemoryStore()
	f := newFixture(t, disconnectingStore{Store: mem, cancel: cancel}, 10*time.Minute)

	name := "Ada"
	first, err := f.svc.Issue(reqCtx, IssueRequest{
		Slug:           "bakery",
		DeviceID:       "d",
		Contact:        &model.Contact{FullName: &name},
		IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	require.Error(t, reqCtx.Err())

	// The client retries on a fresh connection.
	again, err := f.svc.Issue(context.Background(), IssueRequest{Slug: "bakery", DeviceID: "d", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.TicketNumber, again.TicketNumber)

	c, err := f.svc.TicketContact(context.Background(), "bakery", first.TicketNumber)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Ada", *c.FullName)

	st, err := mem.GetState(context.Background(), "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LastIssued)
}

func TestService_IdempotencyKeyDoesNotSurviveReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)

	_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "a"})
	require.NoError(t, err)
	first, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "b", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	require.Equal(t, int64(2), first.TicketNumber)

	require.NoError(t, f.svc.Reset(ctx, "bakery"))

	r, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "b", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.False(t, r.Replayed)
	assert.Equal(t, int64(1), r.TicketNumber)

	// The new epoch's record replays as usual.
	again, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "b", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(1), again.TicketNumber)

	st, err := f.svc.State(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, StateView{LastIssued: 1, WaitingAhead: 1, Epoch: 1}, st)
}

type brokenRecords struct{}

func (brokenRecords) Get(context.Context, string) (guard.Record, bool, error) {
	return guard.Record{}, false, errors.New("redis: connection refused")
}

func (brokenRecords) Put(context.Context, string, guard.Record) error {
	return errors.New("redis: connection refused")
}

func TestService_AdmissionStoreOutageIsUnavailable(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.EnsureCounter(ctx, "bakery", "Bakery"))
	svc := NewService(mem, guard.New(brokenRecords{}, mem, time.Minute), nil, nil, Options{})

	_, err := svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "d"})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	st, err := mem.GetState(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.LastIssued)
}

type failingContacts struct {
	store.Store
}

func (failingContacts) SaveContact(context.Context, model.Contact) error {
	return errors.New("disk full")
}

func TestService_ContactFailureDoesNotFailIssue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingContacts{store.NewMemoryStore()}, 0)

	name := "Ada"
	r, err := f.svc.Issue(ctx, IssueRequest{
		Slug:     "bakery",
		DeviceID: "d",
		Contact:  &model.Contact{FullName: &name},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.TicketNumber)
}

func TestService_TicketContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)

	name, phone := "Ada", "555-0100"
	_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "a", Contact: &model.Contact{FullName: &name, Phone: &phone}})
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "b"})
	require.NoError(t, err)

	c, err := f.svc.TicketContact(ctx, "bakery", 1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Ada", *c.FullName)
	assert.Equal(t, int64(1), c.TicketNumber)

	c, err = f.svc.TicketContact(ctx, "bakery", 2)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = f.svc.TicketContact(ctx, "bakery", 3)
	assert.ErrorIs(t, err, ErrTicketOutOfRange)
}

type corruptStore struct {
	store.Store
}

func (s corruptStore) GetState(ctx context.Context, slug string) (store.CounterState, error) {
	st, err := s.Store.GetState(ctx, slug)
	if err != nil || st.NeedsReconciliation {
		return st, err
	}
	st.LastCalled = st.LastIssued + 1
	return st, nil
}

func TestService_InvariantViolationFlagsCounter(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	f := newFixture(t, corruptStore{mem}, 0)

	_, err := f.svc.CallNext(ctx, "bakery")
	assert.ErrorIs(t, err, ErrInvariantViolation)

	st, err := mem.GetState(ctx, "bakery")
	require.NoError(t, err)
	assert.True(t, st.NeedsReconciliation)

	_, err = f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "d"})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	require.NoError(t, f.svc.Reset(ctx, "bakery"))
	st, err = mem.GetState(ctx, "bakery")
	require.NoError(t, err)
	assert.False(t, st.NeedsReconciliation)
}

type contendedStore struct {
	store.Store
}

func (contendedStore) CompareAndAdvance(context.Context, string, store.Field, int64) (int64, error) {
	return 0, store.ErrConflict
}

func TestService_ExhaustedRetriesAreUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, contendedStore{store.NewMemoryStore()}, 0)

	_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "d"})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestService_Nudges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)

	_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "a"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.SendNudge(ctx, "bakery", 2, "hi"), ErrTicketOutOfRange)
	require.NoError(t, f.svc.SendNudge(ctx, "bakery", 1, "  "))

	n, err := f.svc.ConsumeNudge(ctx, "bakery", 1)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, defaultNudgeMessage, n.Message)

	n, err = f.svc.ConsumeNudge(ctx, "bakery", 1)
	require.NoError(t, err)
	assert.Nil(t, n)

	jobs := f.pusher.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, notification.KindNudge, jobs[0].Kind)
	assert.Equal(t, defaultNudgeMessage, jobs[0].Message)
}

func TestService_RegisterPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, 0)

	_, err := f.svc.Issue(ctx, IssueRequest{Slug: "bakery", DeviceID: "a"})
	require.NoError(t, err)

	sub := model.PushSubscription{Endpoint: "https://push.example/1", P256DH: "k", Auth: "a"}
	require.NoError(t, f.svc.RegisterPush(ctx, "bakery", 1, sub))
	assert.ErrorIs(t, f.svc.RegisterPush(ctx, "bakery", 2, sub), ErrTicketOutOfRange)

	subs, err := f.store.PushSubscriptionsForTicket(ctx, "bakery", 0, 1)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/1", subs[0].Endpoint)

	_, err = f.svc.CallNext(ctx, "bakery")
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.RegisterPush(ctx, "bakery", 1, sub), ErrTicketOutOfRange)
}

func TestKeyedMutex_ForgetsIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, k.size())
}
