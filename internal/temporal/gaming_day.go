// Package temporal resolves the gaming day an instant belongs to.
//
// A gaming day starts at the tenant's day-start offset past local midnight,
// so with a 06:00 offset the instant 2024-03-10T03:00 local still belongs to
// 2024-03-09. Every ledger type goes through Compute; no caller derives a
// business date on its own.
package temporal

import (
	"time"

	"cloud.google.com/go/civil"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/models"
)

const dateLayout = "2006-01-02"

var errPolicy = apperrors.Fatal(apperrors.CodePolicyMisconfigured, "tenant temporal policy is misconfigured", nil)

// Compute returns the gaming day ts falls in under policy.
func Compute(ts time.Time, policy models.TemporalPolicy) (civil.Date, error) {
	loc, err := location(policy)
	if err != nil {
		return civil.Date{}, err
	}
	return civil.DateOf(ts.Add(-policy.DayStartOffset).In(loc)), nil
}

// Window returns the half-open instant range [start, end) of day.
func Window(day civil.Date, policy models.TemporalPolicy) (time.Time, time.Time, error) {
	loc, err := location(policy)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !day.IsValid() {
		return time.Time{}, time.Time{}, apperrors.Validation(apperrors.CodeInvalidRequest, "invalid gaming day").
			WithDetail("day", day.String())
	}
	start := day.In(loc).Add(policy.DayStartOffset)
	end := day.AddDays(1).In(loc).Add(policy.DayStartOffset)
	return start, end, nil
}

// Format renders a gaming day the way it is persisted.
func Format(day civil.Date) string {
	return day.String()
}

// Parse reads a persisted or user-supplied gaming day.
func Parse(s string) (civil.Date, error) {
	day, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, apperrors.Validation(apperrors.CodeInvalidRequest, "gaming day must be "+dateLayout).
			WithDetail("day", s)
	}
	return day, nil
}

// Validate checks policy without computing anything.
func Validate(policy models.TemporalPolicy) error {
	_, err := location(policy)
	return err
}

func location(policy models.TemporalPolicy) (*time.Location, error) {
	if policy.Timezone == "" {
		return nil, errPolicy.WithDetail("tenant_id", policy.TenantID).WithDetail("reason", "missing timezone")
	}
	if policy.DayStartOffset < 0 || policy.DayStartOffset >= 24*time.Hour {
		return nil, errPolicy.WithDetail("tenant_id", policy.TenantID).
			WithDetail("reason", "day start offset out of range").
			WithDetail("offset", policy.DayStartOffset.String())
	}
	loc, err := time.LoadLocation(policy.Timezone)
	if err != nil {
		e := errPolicy.WithDetail("tenant_id", policy.TenantID).WithDetail("reason", "unknown timezone")
		e.Cause = err
		return nil, e
	}
	return loc, nil
}
