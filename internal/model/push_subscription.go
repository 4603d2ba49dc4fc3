package model

import "time"

// PushSubscription holds a browser push endpoint bound to one ticket.
type PushSubscription struct {
	Endpoint     string    `gorm:"primaryKey"`
	P256DH       string    `gorm:"column:p256dh;not null"`
	Auth         string    `gorm:"not null"`
	CounterSlug  string    `gorm:"size:128;not null;index:idx_push_ticket,priority:1"`
	Epoch        int64     `gorm:"not null;index:idx_push_ticket,priority:2"`
	TicketNumber int64     `gorm:"not null;index:idx_push_ticket,priority:3"`
	CreatedAt    time.Time `gorm:"not null"`
}
