package domain

import "time"

// SuspiciousIP is created by the anomaly detector. The first reason recorded
// for an IP is kept; later detections never overwrite it.
type SuspiciousIP struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IP     string `gorm:"size:45;uniqueIndex;not null"`
	Reason string `gorm:"size:512;not null;default:''"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	IsActive  bool      `gorm:"not null;default:true"`
}

func (SuspiciousIP) TableName() string {
	return "suspicious_ips"
}
