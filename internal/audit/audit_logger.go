package audit

import (
	"time"

	"go.uber.org/zap"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TenantID      string    `json:"tenant_id"`
	ActorID       string    `json:"actor_id"`
	CorrelationID string    `json:"correlation_id"`
	SubjectID     string    `json:"subject_id,omitempty"`
	EntryID       string    `json:"entry_id,omitempty"`
	Delta         int64     `json:"delta,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

type AuditLogger struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{logger: logger.Named("audit"), now: time.Now}
}

func (a *AuditLogger) LogAppend(tenantID, actorID, correlationID, subjectID, entryID string, delta int64, reasonCode string, replayed bool) {
	status := "SUCCESS"
	if replayed {
		status = "REPLAYED"
	}
	a.log(AuditEvent{
		Timestamp:     a.now(),
		EventType:     "LEDGER_APPEND",
		TenantID:      tenantID,
		ActorID:       actorID,
		CorrelationID: correlationID,
		SubjectID:     subjectID,
		EntryID:       entryID,
		Delta:         delta,
		Status:        status,
		Details:       map[string]string{"reason_code": reasonCode},
	})
}

// LogDenied records a rejected mutation. Authorization and conflict failures
// are audit-relevant; validation noise is not logged here.
func (a *AuditLogger) LogDenied(tenantID, actorID, correlationID, subjectID, code string) {
	a.log(AuditEvent{
		Timestamp:     a.now(),
		EventType:     "LEDGER_APPEND",
		TenantID:      tenantID,
		ActorID:       actorID,
		CorrelationID: correlationID,
		SubjectID:     subjectID,
		Status:        "DENIED",
		Details:       map[string]string{"code": code},
	})
}

func (a *AuditLogger) LogOperation(tenantID, actorID, correlationID, operation, details string) {
	a.log(AuditEvent{
		Timestamp:     a.now(),
		EventType:     operation,
		TenantID:      tenantID,
		ActorID:       actorID,
		CorrelationID: correlationID,
		Status:        "SUCCESS",
		Details:       map[string]string{"details": details},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	a.logger.Info("audit",
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("tenant_id", event.TenantID),
		zap.String("actor_id", event.ActorID),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("subject_id", event.SubjectID),
		zap.String("entry_id", event.EntryID),
		zap.Int64("delta", event.Delta),
		zap.String("status", event.Status),
		zap.Any("details", event.Details))
}
