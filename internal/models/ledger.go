package models

import (
	"time"
)

type LedgerEntry struct {
	ID               string    `json:"id" db:"id"`
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	SubjectID        string    `json:"subject_id" db:"subject_id"`
	Delta            int64     `json:"delta" db:"delta"` // signed, in minor units
	ReasonCode       string    `json:"reason_code" db:"reason_code"`
	IdempotencyKey   *string   `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CorrelationID    string    `json:"correlation_id" db:"correlation_id"`
	GamingDay        string    `json:"gaming_day" db:"gaming_day"` // YYYY-MM-DD
	EventTime        time.Time `json:"event_time" db:"event_time"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	CreatedByActorID string    `json:"created_by_actor_id" db:"created_by_actor_id"`
	AggregateAfter   int64     `json:"aggregate_after" db:"aggregate_after"`
}

type Aggregate struct {
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	SubjectID    string    `json:"subject_id" db:"subject_id"`
	CurrentValue int64     `json:"current_value" db:"current_value"`
	Version      int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// EntryPayload is the caller-supplied part of a ledger entry.
type EntryPayload struct {
	SubjectID  string
	Delta      int64
	ReasonCode ReasonCode
	EventTime  time.Time
}

// AppendResult is returned by every append, first write or replay alike.
type AppendResult struct {
	Entry          LedgerEntry `json:"entry"`
	AggregateAfter int64       `json:"aggregate_after"`
	Replayed       bool        `json:"replayed"`
}

// HistoryFilter narrows a subject's entry history.
type HistoryFilter struct {
	SubjectID  string
	FromDay    string
	ToDay      string
	ReasonCode string
	Limit      int
}
