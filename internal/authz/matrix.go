package authz

import "github.com/propledger/backend/internal/models"

type Capability string

const (
	CapLedgerRead      Capability = "ledger:read"
	CapLedgerCredit    Capability = "ledger:credit"
	CapLedgerDebit     Capability = "ledger:debit"
	CapLedgerAdjust    Capability = "ledger:adjust"
	CapLedgerOverdraft Capability = "ledger:overdraft"
	CapComplianceWrite Capability = "compliance:write"
	CapOutboxReplay    Capability = "outbox:replay"
)

type grant struct {
	capabilities map[Capability]bool
	reasons      map[models.ReasonCode]bool
	// maximum absolute delta per entry, 0 means unlimited
	entryLimit int64
}

func caps(cs ...Capability) map[Capability]bool {
	m := make(map[Capability]bool, len(cs))
	for _, c := range cs {
		m[c] = true
	}
	return m
}

func reasons(rs ...models.ReasonCode) map[models.ReasonCode]bool {
	m := make(map[models.ReasonCode]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}

// matrix is the only place role permissions are defined. A role missing here
// has no capabilities at all.
var matrix = map[models.Role]grant{
	models.RoleAdmin: {
		capabilities: caps(CapLedgerRead, CapLedgerCredit, CapLedgerDebit, CapLedgerAdjust,
			CapLedgerOverdraft, CapComplianceWrite, CapOutboxReplay),
		reasons: reasons(models.ReasonLoyaltyEarn, models.ReasonLoyaltyRedeem, models.ReasonLoyaltyAdjust,
			models.ReasonCageDeposit, models.ReasonCageWithdrawal, models.ReasonComplianceNote),
	},
	models.RoleSupervisor: {
		capabilities: caps(CapLedgerRead, CapLedgerCredit, CapLedgerDebit, CapLedgerAdjust, CapOutboxReplay),
		reasons: reasons(models.ReasonLoyaltyEarn, models.ReasonLoyaltyRedeem, models.ReasonLoyaltyAdjust,
			models.ReasonCageDeposit, models.ReasonCageWithdrawal),
		entryLimit: 10_000_000,
	},
	models.RoleCashier: {
		capabilities: caps(CapLedgerRead, CapLedgerCredit, CapLedgerDebit),
		reasons:      reasons(models.ReasonCageDeposit, models.ReasonCageWithdrawal),
		entryLimit:   1_000_000,
	},
	models.RoleHost: {
		capabilities: caps(CapLedgerRead, CapLedgerCredit, CapLedgerDebit),
		reasons:      reasons(models.ReasonLoyaltyEarn, models.ReasonLoyaltyRedeem),
		entryLimit:   100_000,
	},
	models.RoleComplianceOfficer: {
		capabilities: caps(CapLedgerRead, CapComplianceWrite),
		reasons:      reasons(models.ReasonComplianceNote),
	},
	models.RoleAuditor: {
		capabilities: caps(CapLedgerRead),
	},
}

// reasonCapability is the capability an entry with the reason needs.
var reasonCapability = map[models.ReasonCode]Capability{
	models.ReasonLoyaltyEarn:    CapLedgerCredit,
	models.ReasonLoyaltyRedeem:  CapLedgerDebit,
	models.ReasonLoyaltyAdjust:  CapLedgerAdjust,
	models.ReasonCageDeposit:    CapLedgerCredit,
	models.ReasonCageWithdrawal: CapLedgerDebit,
	models.ReasonComplianceNote: CapComplianceWrite,
}

// Capabilities lists what role grants.
func Capabilities(role models.Role) []Capability {
	g := matrix[role]
	out := make([]Capability, 0, len(g.capabilities))
	for _, c := range []Capability{CapLedgerRead, CapLedgerCredit, CapLedgerDebit, CapLedgerAdjust,
		CapLedgerOverdraft, CapComplianceWrite, CapOutboxReplay} {
		if g.capabilities[c] {
			out = append(out, c)
		}
	}
	return out
}
