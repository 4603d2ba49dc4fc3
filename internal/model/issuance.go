package model

import "time"

// IssuanceRecord remembers the result of an issuance request carrying an idempotency key,
// so a retried request replays the ticket instead of taking a new one.
type IssuanceRecord struct {
	ID             int64     `gorm:"primaryKey"`
	CounterSlug    string    `gorm:"size:128;not null;uniqueIndex:ux_issuance_key,priority:1"`
	IdempotencyKey string    `gorm:"size:128;not null;uniqueIndex:ux_issuance_key,priority:2"`
	TicketNumber   int64     `gorm:"not null"`
	WaitingAhead   int64     `gorm:"not null"`
	Epoch          int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}
