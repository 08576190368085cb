// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import "strings"

// ============================================================================
// ROLE TYPE
// ============================================================================

// Role identifies an assistant persona.
type Role string

const (
	// RoleConsultant is the default general business consultant.
	RoleConsultant Role = "consultant"
	// RoleAccountant covers taxes, bookkeeping and filings.
	RoleAccountant Role = "accountant"
	// RoleLawyer covers contracts, law and company registration.
	RoleLawyer Role = "lawyer"
	// RoleHR covers hiring, interviews and staff.
	RoleHR Role = "hr"
	// RoleSales covers sales scripts, clients and objections.
	RoleSales Role = "sales"
	// RoleMarketing covers promotion, ads and content.
	RoleMarketing Role = "marketing"
	// RoleDesigner covers visuals, banners and interfaces.
	RoleDesigner Role = "designer"
)

// AllRoles lists every role in display order.
var AllRoles = []Role{
	RoleConsultant, RoleMarketing, RoleSales, RoleHR, RoleDesigner, RoleLawyer, RoleAccountant,
}

// String returns the role id.
func (r Role) String() string {
	return string(r)
}

// ParseRole converts a role id. Unknown ids return false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllRoles {
		if r == known {
			return r, true
		}
	}
	return RoleConsultant, false
}

// Persona is the localized profile of a role.
type Persona struct {
	Role        Role     `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Style       string   `json:"style"`
	Questions   []string `json:"questions"`
}
