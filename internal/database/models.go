package database

import (
	"fmt"
	"strings"
	"time"
)

// SpanRecord is a persisted span configuration. Driver and address
// together identify a span.
type SpanRecord struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Driver    string    `gorm:"uniqueIndex:idx_span_key;size:16;not null" json:"driver"`
	Address   string    `gorm:"uniqueIndex:idx_span_key;size:64;not null" json:"address"`
	Channels  int       `gorm:"not null" json:"channels"`
	Timing    int       `gorm:"not null;default:0" json:"timing"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SpanRecord) TableName() string {
	return "spans"
}

func (r SpanRecord) String() string {
	return fmt.Sprintf("%s/%s (%d ch, timing %d)", r.Driver, r.Address, r.Channels, r.Timing)
}

// IsValid checks the fields a span cannot be created without
func (r SpanRecord) IsValid() bool {
	return r.Driver != "" && r.Address != "" && r.Channels > 0 && r.Timing >= 0
}

// Sanitize trims whitespace and lowercases the driver name
func (r *SpanRecord) Sanitize() {
	r.Driver = strings.ToLower(strings.TrimSpace(r.Driver))
	r.Address = strings.TrimSpace(r.Address)
}
