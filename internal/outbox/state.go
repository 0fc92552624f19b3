// Package outbox delivers committed ledger events to downstream sinks.
//
// A record moves pending -> claimed -> delivered, or back to pending on a
// retryable failure, or to dead_letter once retries are exhausted. The
// transitions below are pure; stores persist their results with a
// compare-and-set on the previous status and owner.
package outbox

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/models"
)

var ErrInvalidTransition = apperrors.Conflict(apperrors.CodeInvalidTransition, "outbox record is not in a state that allows this transition")

// Claimable reports whether a worker may take rec at now: pending and due,
// or claimed under a lease that has expired.
func Claimable(rec models.OutboxRecord, now time.Time) bool {
	switch rec.Status {
	case models.OutboxPending:
		return !rec.NextAttemptAt.After(now)
	case models.OutboxClaimed:
		return rec.ClaimedUntil == nil || rec.ClaimedUntil.Before(now)
	default:
		return false
	}
}

func Claim(rec models.OutboxRecord, workerID string, now time.Time, lease time.Duration) (models.OutboxRecord, error) {
	if !Claimable(rec, now) {
		return rec, invalid(rec, models.OutboxClaimed)
	}
	until := now.Add(lease)
	rec.Status = models.OutboxClaimed
	rec.ClaimedBy = workerID
	rec.ClaimedUntil = &until
	return rec, nil
}

func OnDelivered(rec models.OutboxRecord, now time.Time) (models.OutboxRecord, error) {
	if rec.Status != models.OutboxClaimed {
		return rec, invalid(rec, models.OutboxDelivered)
	}
	processed := now
	rec.Status = models.OutboxDelivered
	rec.ProcessedAt = &processed
	rec.ClaimedUntil = nil
	rec.ClaimedBy = ""
	rec.LastError = ""
	return rec, nil
}

// OnFailed counts the failed attempt and either schedules a retry or moves
// the record to dead_letter.
func OnFailed(rec models.OutboxRecord, cause error, now time.Time, policy RetryPolicy) (models.OutboxRecord, error) {
	if rec.Status != models.OutboxClaimed {
		return rec, invalid(rec, models.OutboxPending)
	}
	rec.AttemptCount++
	rec.ClaimedUntil = nil
	rec.ClaimedBy = ""
	rec.LastError = truncate(errorText(cause), maxErrorLen)

	if IsPermanent(cause) || rec.AttemptCount >= policy.MaxAttempts {
		rec.Status = models.OutboxDeadLetter
		return rec, nil
	}
	rec.Status = models.OutboxPending
	rec.NextAttemptAt = now.Add(policy.Backoff(rec.AttemptCount))
	return rec, nil
}

// Requeue gives a dead letter a fresh attempt budget.
func Requeue(rec models.OutboxRecord, now time.Time) (models.OutboxRecord, error) {
	if rec.Status != models.OutboxDeadLetter {
		return rec, invalid(rec, models.OutboxPending)
	}
	rec.Status = models.OutboxPending
	rec.AttemptCount = 0
	rec.NextAttemptAt = now
	rec.ClaimedUntil = nil
	rec.ClaimedBy = ""
	return rec, nil
}

const maxErrorLen = 1024

func invalid(rec models.OutboxRecord, to models.OutboxStatus) error {
	return ErrInvalidTransition.
		WithDetail("record_id", rec.ID).
		WithDetail("from", string(rec.Status)).
		WithDetail("to", string(to))
}

func errorText(err error) string {
	if err == nil {
		return "unknown delivery failure"
	}
	return err.Error()
}

// truncate cuts s to at most n bytes without splitting a rune, and drops
// invalid sequences; last_error is a TEXT column.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
