package models

// Role is the closed set of staff roles known to the ledger.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleSupervisor        Role = "supervisor"
	RoleCashier           Role = "cashier"
	RoleHost              Role = "host"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleAuditor           Role = "auditor"
)

var AllRoles = []Role{
	RoleAdmin,
	RoleSupervisor,
	RoleCashier,
	RoleHost,
	RoleComplianceOfficer,
	RoleAuditor,
}

// ParseRole rejects anything outside the enumeration.
func ParseRole(s string) (Role, bool) {
	for _, r := range AllRoles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

func (r Role) String() string {
	return string(r)
}
