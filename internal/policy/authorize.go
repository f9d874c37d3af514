package policy

import (
	"errors"
	"strings"
)

var ErrNotAuthorized = errors.New("caller is not authorized for this action")

// Role identifies what a caller is allowed to do. Senders can only submit
// and request; coordinators may override classifier tiers, sever edges, and
// trigger recalibration; operators may additionally unblock subgraphs.
type Role string

const (
	RoleSender      Role = "sender"
	RoleCoordinator Role = "coordinator"
	RoleOperator    Role = "operator"
)

type Capability string

const (
	CapSubmitIntent     Capability = "submit_intent"
	CapPriorityOverride Capability = "priority_override"
	CapTierOverride     Capability = "tier_override"
	CapUnblock          Capability = "unblock"
	CapCancel           Capability = "cancel"
	CapRecalibrate      Capability = "recalibrate"
)

var roleCapabilities = map[Role]map[Capability]bool{
	RoleSender: {
		CapSubmitIntent:     true,
		CapPriorityOverride: true,
		CapCancel:           true,
	},
	RoleCoordinator: {
		CapSubmitIntent:     true,
		CapPriorityOverride: true,
		CapTierOverride:     true,
		CapCancel:           true,
		CapUnblock:          true,
		CapRecalibrate:      true,
	},
	RoleOperator: {
		CapSubmitIntent:     true,
		CapPriorityOverride: true,
		CapTierOverride:     true,
		CapCancel:           true,
		CapUnblock:          true,
		CapRecalibrate:      true,
	},
}

// Allowed reports whether the given role holds the capability. Unknown roles
// are treated as plain senders.
func Allowed(role Role, cap Capability) bool {
	caps, ok := roleCapabilities[role]
	if !ok {
		caps = roleCapabilities[RoleSender]
	}
	return caps[cap]
}

// ParseRole normalizes a role header value.
func ParseRole(v string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleCoordinator:
		return RoleCoordinator
	case RoleOperator:
		return RoleOperator
	default:
		return RoleSender
	}
}
