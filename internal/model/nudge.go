package model

import "time"

// Nudge is an operator message addressed to one ticket holder, delivered once.
type Nudge struct {
	ID           int64      `gorm:"primaryKey"`
	CounterSlug  string     `gorm:"size:128;not null;index:idx_nudge_ticket,priority:1"`
	TicketNumber int64      `gorm:"not null;index:idx_nudge_ticket,priority:2"`
	Message      string     `gorm:"size:512;not null"`
	CreatedAt    time.Time  `gorm:"not null"`
	ConsumedAt   *time.Time `gorm:"index"`
}
