package rooms

import (
	"carebridge/pkg/types"
)

// Rule decides whether an authenticated principal may join roomID.
type Rule func(p types.Principal, roomID string) bool

// Policy maps each room kind to its join rule. A kind without an entry is
// denied, so new kinds need an explicit rule.
type Policy struct {
	rules map[types.RoomKind]Rule
}

// NewPolicy returns an empty, deny-all policy.
func NewPolicy() *Policy {
	return &Policy{rules: make(map[types.RoomKind]Rule)}
}

// Set installs the rule for a room kind.
func (p *Policy) Set(kind types.RoomKind, rule Rule) *Policy {
	p.rules[kind] = rule
	return p
}

// Allow checks a join. Anonymous principals are always denied.
func (p *Policy) Allow(principal types.Principal, roomID string, kind types.RoomKind) bool {
	if principal.IsAnonymous() {
		return false
	}
	rule, ok := p.rules[kind]
	if !ok {
		return false
	}
	return rule(principal, roomID)
}

// RoleRoomAllowList is the allow-list for each role room.
var RoleRoomAllowList = map[string][]types.Role{
	types.RoomCounsellors:  {types.RoleCounsellor, types.RoleAdmin},
	types.RoomAdmins:       {types.RoleAdmin},
	types.RoomModerators:   {types.RoleModerator, types.RoleAdmin},
	types.RoomCrisisAlerts: {types.RoleCounsellor, types.RoleAdmin, types.RoleModerator},
}

// OwnerOnly allows only the identity a personal room belongs to.
func OwnerOnly(p types.Principal, roomID string) bool {
	owner, ok := types.PersonalRoomOwner(roomID)
	return ok && owner == p.Identity
}

// AnyAuthenticated allows every authenticated principal.
func AnyAuthenticated(types.Principal, string) bool { return true }

// BroadcastAllOnly allows the platform-wide broadcast room and no other
// broadcast id.
func BroadcastAllOnly(_ types.Principal, roomID string) bool {
	return roomID == types.RoomBroadcastAll
}

// AllowRoles builds a rule from per-room role allow-lists. Rooms missing
// from the table are denied.
func AllowRoles(table map[string][]types.Role) Rule {
	return func(p types.Principal, roomID string) bool {
		for _, role := range table[roomID] {
			if role == p.Role {
				return true
			}
		}
		return false
	}
}

// DefaultPolicy is the platform's room authorization table.
func DefaultPolicy() *Policy {
	return NewPolicy().
		Set(types.RoomKindPersonal, OwnerOnly).
		Set(types.RoomKindRole, AllowRoles(RoleRoomAllowList)).
		Set(types.RoomKindEphemeralSession, AnyAuthenticated).
		Set(types.RoomKindBroadcast, BroadcastAllOnly)
}

// Membership is a room a principal joins automatically on connect.
type Membership struct {
	RoomID string
	Kind   types.RoomKind
}

// AutoJoinRooms lists the rooms joined on connect for a principal.
// Anonymous principals join nothing.
func AutoJoinRooms(p types.Principal) []Membership {
	if p.IsAnonymous() {
		return nil
	}
	rooms := []Membership{
		{RoomID: types.PersonalRoom(p.Identity), Kind: types.RoomKindPersonal},
		{RoomID: types.RoomBroadcastAll, Kind: types.RoomKindBroadcast},
	}
	switch p.Role {
	case types.RoleCounsellor, types.RoleAdmin, types.RoleModerator:
		rooms = append(rooms,
			Membership{RoomID: types.RoleRoom(p.Role), Kind: types.RoomKindRole},
			Membership{RoomID: types.RoomCrisisAlerts, Kind: types.RoomKindRole},
		)
	}
	if p.Role == types.RoleAdmin {
		// Admins also see counsellor notifications.
		rooms = append(rooms, Membership{RoomID: types.RoomCounsellors, Kind: types.RoomKindRole})
	}
	return rooms
}
