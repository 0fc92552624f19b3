package models

// ReasonCode is the closed set of reasons a ledger entry may carry.
type ReasonCode string

const (
	ReasonLoyaltyEarn    ReasonCode = "loyalty.earn"
	ReasonLoyaltyRedeem  ReasonCode = "loyalty.redeem"
	ReasonLoyaltyAdjust  ReasonCode = "loyalty.adjust"
	ReasonCageDeposit    ReasonCode = "cage.deposit"
	ReasonCageWithdrawal ReasonCode = "cage.withdrawal"
	ReasonComplianceNote ReasonCode = "compliance.note"
)

// Direction is the sign a reason code permits for its delta.
type Direction int

const (
	DirectionCredit Direction = iota + 1
	DirectionDebit
	DirectionEither
	DirectionNone
)

var reasonDirections = map[ReasonCode]Direction{
	ReasonLoyaltyEarn:    DirectionCredit,
	ReasonLoyaltyRedeem:  DirectionDebit,
	ReasonLoyaltyAdjust:  DirectionEither,
	ReasonCageDeposit:    DirectionCredit,
	ReasonCageWithdrawal: DirectionDebit,
	ReasonComplianceNote: DirectionNone,
}

func ParseReasonCode(s string) (ReasonCode, bool) {
	rc := ReasonCode(s)
	_, ok := reasonDirections[rc]
	return rc, ok
}

func (r ReasonCode) Direction() Direction {
	return reasonDirections[r]
}

// Allows reports whether delta has a sign this direction accepts.
func (d Direction) Allows(delta int64) bool {
	switch d {
	case DirectionCredit:
		return delta > 0
	case DirectionDebit:
		return delta < 0
	case DirectionEither:
		return delta != 0
	case DirectionNone:
		return delta == 0
	default:
		return false
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionCredit:
		return "credit"
	case DirectionDebit:
		return "debit"
	case DirectionEither:
		return "either"
	case DirectionNone:
		return "none"
	default:
		return "unknown"
	}
}
