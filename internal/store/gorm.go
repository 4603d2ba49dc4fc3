package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ticket-counter-backend/internal/model"
)

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// GormOption configures a GORM-backed store.
type GormOption func(*gormStore)

// WithQueryTimeout bounds every statement. Zero leaves the caller's deadline alone.
func WithQueryTimeout(d time.Duration) GormOption {
	return func(s *gormStore) { s.timeout = d }
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts ...GormOption) Store {
	s := &gormStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// session binds ctx, and the query timeout when one is set, to a new statement.
func (s *gormStore) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if s.timeout <= 0 {
		return s.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

// GetState reads the current numbering of a counter.
func (s *gormStore) GetState(ctx context.Context, slug string) (CounterState, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var c model.Counter
	err := db.Where("slug = ?", slug).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CounterState{}, ErrCounterNotFound
	}
	if err != nil {
		return CounterState{}, unavailable(err)
	}
	return stateOf(c), nil
}

// CompareAndAdvance moves one number forward by exactly one, but only if it still
// equals expected. The check and the write are a single UPDATE statement.
func (s *gormStore) CompareAndAdvance(ctx context.Context, slug string, field Field, expected int64) (int64, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	q := db.Model(&model.Counter{}).
		Where("slug = ? AND needs_reconciliation = ?", slug, false)

	var column string
	switch field {
	case FieldIssued:
		column = "last_issued_number"
		q = q.Where("last_issued_number = ?", expected)
	case FieldCalled:
		column = "last_called_number"
		q = q.Where("last_called_number = ? AND last_called_number < last_issued_number", expected)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	res := q.Updates(map[string]any{
		column:      expected + 1,
		"is_active": true,
	})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, s.missOrConflict(ctx, slug)
	}
	return expected + 1, nil
}

// Reset zeroes both numbers and starts a new epoch. It also clears the reconciliation flag.
func (s *gormStore) Reset(ctx context.Context, slug string) error {
	db, cancel := s.session(ctx)
	defer cancel()

	res := db.Model(&model.Counter{}).
		Where("slug = ?", slug).
		Updates(map[string]any{
			"last_issued_number":   0,
			"last_called_number":   0,
			"epoch":                gorm.Expr("epoch + 1"),
			"needs_reconciliation": false,
		})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCounterNotFound
	}
	return nil
}

// FlagReconciliation marks a counter whose numbers can no longer be trusted.
func (s *gormStore) FlagReconciliation(ctx context.Context, slug string) error {
	db, cancel := s.session(ctx)
	defer cancel()

	res := db.Model(&model.Counter{}).
		Where("slug = ?", slug).
		Update("needs_reconciliation", true)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCounterNotFound
	}
	return nil
}

func (s *gormStore) missOrConflict(ctx context.Context, slug string) error {
	db, cancel := s.session(ctx)
	defer cancel()

	var n int64
	if err := db.Model(&model.Counter{}).Where("slug = ?", slug).Count(&n).Error; err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrCounterNotFound
	}
	return ErrConflict
}

// ResolveCounter implements Directory.
func (s *gormStore) ResolveCounter(ctx context.Context, slug string) (int64, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var c model.Counter
	err := db.Select("id", "is_active").Where("slug = ?", slug).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, ErrCounterNotFound
	}
	if err != nil {
		return 0, false, unavailable(err)
	}
	return c.ID, c.IsActive, nil
}

// EnsureCounter inserts the counter unless the slug already exists.
func (s *gormStore) EnsureCounter(ctx context.Context, slug, name string) error {
	db, cancel := s.session(ctx)
	defer cancel()

	c := model.Counter{Slug: slug, Name: name}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoNothing: true,
	}).Create(&c).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

// SaveContact stores contact details, replacing any earlier entry for the same ticket.
func (s *gormStore) SaveContact(ctx context.Context, contact model.Contact) error {
	db, cancel := s.session(ctx)
	defer cancel()

	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Now().UTC()
	}
	return unavailable(db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "counter_slug"}, {Name: "epoch"}, {Name: "ticket_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "phone", "seats", "notes"}),
	}).Create(&contact).Error)
}

// GetContact returns nil when no contact was left for the ticket.
func (s *gormStore) GetContact(ctx context.Context, slug string, epoch, ticket int64) (*model.Contact, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var c model.Contact
	err := db.
		Where("counter_slug = ? AND epoch = ? AND ticket_number = ?", slug, epoch, ticket).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &c, nil
}

// CreateNudge implements NudgeStore.
func (s *gormStore) CreateNudge(ctx context.Context, nudge model.Nudge) error {
	db, cancel := s.session(ctx)
	defer cancel()

	if nudge.CreatedAt.IsZero() {
		nudge.CreatedAt = time.Now().UTC()
	}
	if err := db.Create(&nudge).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

// ConsumeNudge returns the oldest unread nudge for a ticket and marks it read.
func (s *gormStore) ConsumeNudge(ctx context.Context, slug string, ticket int64, now time.Time) (*model.Nudge, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var consumed *model.Nudge
	err := db.Transaction(func(tx *gorm.DB) error {
		var n model.Nudge
		err := tx.Where("counter_slug = ? AND ticket_number = ? AND consumed_at IS NULL", slug, ticket).
			Order("created_at ASC").
			First(&n).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&model.Nudge{}).
			Where("id = ? AND consumed_at IS NULL", n.ID).
			Update("consumed_at", now)
		if res.Error != nil {
			return res.Error
		}
		// Another reader got it first.
		if res.RowsAffected == 0 {
			return nil
		}
		n.ConsumedAt = &now
		consumed = &n
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return consumed, nil
}

// FindIssuance returns a live idempotency record, or nil.
func (s *gormStore) FindIssuance(ctx context.Context, slug, key string, now time.Time) (*model.IssuanceRecord, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var rec model.IssuanceRecord
	err := db.
		Where("counter_slug = ? AND idempotency_key = ? AND expires_at > ?", slug, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &rec, nil
}

// SaveIssuance upserts the record so an expired key can be reused.
func (s *gormStore) SaveIssuance(ctx context.Context, record model.IssuanceRecord) error {
	db, cancel := s.session(ctx)
	defer cancel()

	return unavailable(db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "counter_slug"}, {Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"ticket_number", "waiting_ahead", "epoch", "created_at", "expires_at"}),
	}).Create(&record).Error)
}

// SavePushSubscription creates or rebinds a push endpoint to a ticket.
func (s *gormStore) SavePushSubscription(ctx context.Context, sub model.PushSubscription) error {
	db, cancel := s.session(ctx)
	defer cancel()

	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	return unavailable(db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "counter_slug", "epoch", "ticket_number"}),
	}).Create(&sub).Error)
}

// PushSubscriptionsForTicket implements PushStore.
func (s *gormStore) PushSubscriptionsForTicket(ctx context.Context, slug string, epoch, ticket int64) ([]model.PushSubscription, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var subs []model.PushSubscription
	err := db.
		Where("counter_slug = ? AND epoch = ? AND ticket_number = ?", slug, epoch, ticket).
		Find(&subs).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return subs, nil
}

// DeletePushSubscription implements PushStore.
func (s *gormStore) DeletePushSubscription(ctx context.Context, endpoint string) error {
	db, cancel := s.session(ctx)
	defer cancel()

	return unavailable(db.Delete(&model.PushSubscription{Endpoint: endpoint}).Error)
}

// Ping checks the database connection.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return unavailable(sqlDB.PingContext(ctx))
}

func stateOf(c model.Counter) CounterState {
	return CounterState{
		Slug:                c.Slug,
		LastIssued:          c.LastIssuedNumber,
		LastCalled:          c.LastCalledNumber,
		Active:              c.IsActive,
		Epoch:               c.Epoch,
		NeedsReconciliation: c.NeedsReconciliation,
	}
}
