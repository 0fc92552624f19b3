package models

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxClaimed    OutboxStatus = "claimed"
	OutboxDelivered  OutboxStatus = "delivered"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

type OutboxRecord struct {
	ID            string          `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	SubjectID     string          `json:"subject_id" db:"subject_id"`
	LedgerEntryID string          `json:"ledger_entry_id" db:"ledger_entry_id"`
	EventType     string          `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        OutboxStatus    `json:"status" db:"status"`
	AttemptCount  int             `json:"attempt_count" db:"attempt_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	ClaimedUntil  *time.Time      `json:"claimed_until,omitempty" db:"claimed_until"`
	ClaimedBy     string          `json:"claimed_by,omitempty" db:"claimed_by"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

const EventLedgerEntryAppended = "ledger.entry.appended"

// Envelope is the JSON document stored in OutboxRecord.Payload and handed to
// sinks unchanged.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	SourceService  string          `json:"source_service"`
	OccurredAtUTC  time.Time       `json:"occurred_at_utc"`
	CorrelationID  string          `json:"correlation_id"`
	TenantID       string          `json:"tenant_id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	PayloadVersion int             `json:"payload_version"`
	Payload        json.RawMessage `json:"payload"`
}

// EntryAppendedPayload is the body of a ledger.entry.appended event.
type EntryAppendedPayload struct {
	EntryID        string `json:"entry_id"`
	SubjectID      string `json:"subject_id"`
	Delta          int64  `json:"delta"`
	ReasonCode     string `json:"reason_code"`
	GamingDay      string `json:"gaming_day"`
	AggregateAfter int64  `json:"aggregate_after"`
	ActorID        string `json:"actor_id"`
}
