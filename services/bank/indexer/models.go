package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is one bank or router event. Amount fields are kept as decimal
// strings; the full attribute set is stored as JSON.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"index"`
	Type       string    `gorm:"size:64;index"`
	PoolID     string    `gorm:"size:66;index"`
	Account    string    `gorm:"size:42;index"`
	Amount     string    `gorm:"size:80"`
	Attributes string    `gorm:"type:text"`
	OccurredAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// TableName pins the table name across dialects.
func (EventRecord) TableName() string { return "bank_events" }

// BeforeCreate assigns a random identifier when none is set.
func (r *EventRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{})
}
