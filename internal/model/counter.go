package model

import "time"

// Counter is a single service point with its own ticket sequence.
type Counter struct {
	ID                  int64  `gorm:"primaryKey"`
	Slug                string `gorm:"uniqueIndex;size:128;not null"`
	Name                string `gorm:"size:256;not null;default:''"`
	LastIssuedNumber    int64  `gorm:"not null;default:0"`
	LastCalledNumber    int64  `gorm:"not null;default:0"`
	IsActive            bool   `gorm:"not null;default:false"`
	Epoch               int64  `gorm:"not null;default:0"` // Incremented by every reset
	NeedsReconciliation bool   `gorm:"not null;default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
