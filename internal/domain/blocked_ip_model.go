package domain

import "time"

// BlockedIP is a block-list entry. Every request from IP is rejected by the
// admission gate until the entry is removed.
type BlockedIP struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// IP holds the canonical address string (e.g. 192.0.2.1 or 2001:db8::1).
	IP string `gorm:"size:45;uniqueIndex;not null"`

	Reason string `gorm:"size:512;not null;default:''"`

	BlockedAt time.Time `gorm:"autoCreateTime"`
}

func (BlockedIP) TableName() string {
	return "blocked_ips"
}
