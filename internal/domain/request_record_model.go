package domain

import (
	"time"
	"unicode/utf8"
)

// MaxPathLength bounds the stored request path in bytes.
const MaxPathLength = 2048

// RequestRecord is one admitted request, written once by the request logger
// and read back by the anomaly detector.
type RequestRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IP   string `gorm:"size:45;not null;index:idx_request_records_ip_timestamp,priority:1"`
	Path string `gorm:"size:2048;not null"`

	Timestamp time.Time `gorm:"not null;index;index:idx_request_records_ip_timestamp,priority:2"`

	Country string `gorm:"size:8;not null;default:''"`
	City    string `gorm:"size:128;not null;default:''"`
}

func (RequestRecord) TableName() string {
	return "request_records"
}

// TruncatePath cuts path to MaxPathLength bytes without splitting a rune.
func TruncatePath(path string) string {
	return TruncateUTF8(path, MaxPathLength)
}

// TruncateUTF8 cuts s to at most limit bytes, backing off to a rune boundary.
func TruncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
