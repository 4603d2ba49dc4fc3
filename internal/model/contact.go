package model

import "time"

// Contact is the optional callback information a customer attaches to a ticket.
type Contact struct {
	ID           int64     `gorm:"primaryKey" json:"-"`
	CounterSlug  string    `gorm:"size:128;not null;uniqueIndex:ux_contact_ticket,priority:1" json:"-"`
	Epoch        int64     `gorm:"not null;uniqueIndex:ux_contact_ticket,priority:2" json:"-"`
	TicketNumber int64     `gorm:"not null;uniqueIndex:ux_contact_ticket,priority:3" json:"-"`
	FullName     *string   `gorm:"size:256" json:"full_name"`
	Phone        *string   `gorm:"size:64" json:"phone"`
	Seats        *int      `json:"seats"`
	Notes        *string   `gorm:"size:1024" json:"notes"`
	CreatedAt    time.Time `gorm:"not null" json:"-"`
}

// Empty reports whether no contact field was supplied.
func (c Contact) Empty() bool {
	return isBlank(c.FullName) && isBlank(c.Phone) && c.Seats == nil && isBlank(c.Notes)
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}
