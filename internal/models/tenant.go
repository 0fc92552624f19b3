package models

import "time"

type TemporalPolicy struct {
	TenantID       string        `json:"tenant_id" db:"tenant_id"`
	DayStartOffset time.Duration `json:"day_start_offset" db:"day_start_offset_seconds"`
	Timezone       string        `json:"timezone" db:"timezone"`
}

type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipSuspended MembershipStatus = "suspended"
	MembershipRevoked   MembershipStatus = "revoked"
)

type Membership struct {
	TenantID string           `json:"tenant_id" db:"tenant_id"`
	ActorID  string           `json:"actor_id" db:"actor_id"`
	Role     string           `json:"role" db:"role"`
	Status   MembershipStatus `json:"status" db:"status"`
}
