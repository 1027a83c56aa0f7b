package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActorUnknown = "Unknown"
	ActorSystem  = "System"
	ActorMQTT    = "MQTT"
	ActorRemote  = "Remote"
	ActorAdmin   = "Admin"

	DetailsGranted    = "Access Granted"
	DetailsDenied     = "Denied (Schedule/PIN)"
	DetailsLockout    = "Security Lockout"
	DetailsRemoteOpen = "Remote Open"
	DetailsManualOpen = "Manual Open"
)

// AuditRecord is immutable once appended to the audit log.
type AuditRecord struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ActorName string    `json:"user"`
	Granted   bool      `json:"granted"`
	Details   string    `json:"details"`
}

func NewAuditRecord(now time.Time, actor string, granted bool, details string) AuditRecord {
	return AuditRecord{
		ID:        uuid.New(),
		Timestamp: now,
		ActorName: actor,
		Granted:   granted,
		Details:   details,
	}
}

// AuditEvent is the analytics row shape written to ClickHouse.
type AuditEvent struct {
	EventBucket int       `db:"event_bucket"`
	EventID     string    `db:"event_id"`
	EventDate   string    `db:"event_date"`
	EventTime   time.Time `db:"event_time"`
	ActorName   string    `db:"actor_name"`
	Granted     bool      `db:"granted"`
	Details     string    `db:"details"`
}
