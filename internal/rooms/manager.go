// Package rooms owns room membership. No other package mutates a
// participant set.
package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

type room struct {
	id        string
	kind      types.RoomKind
	members   map[string]types.Role
	createdAt time.Time
}

// Info is a point-in-time view of a room.
type Info struct {
	ID           string         `json:"roomId"`
	Kind         types.RoomKind `json:"roomKind"`
	Participants []string       `json:"participants"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Manager holds every room and the reverse index identity -> rooms.
//
// Lock order: the manager lock is never held while calling the directory or
// sending to a connection. Membership is snapshotted under the lock and
// events are delivered after it is released.
type Manager struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	byIdentity map[string]map[string]struct{}
	policy     *Policy
	dir        interfaces.Directory
	now        func() time.Time
	log        zerolog.Logger
}

// NewManager creates a room manager. dir supplies liveness and delivery.
func NewManager(dir interfaces.Directory, policy *Policy, logger zerolog.Logger) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Manager{
		rooms:      make(map[string]*room),
		byIdentity: make(map[string]map[string]struct{}),
		policy:     policy,
		dir:        dir,
		now:        time.Now,
		log:        logger.With().Str("component", "rooms").Logger(),
	}
}

// Join adds p to roomID, creating the room if needed. It reports whether
// the identity was newly added; joining twice is a no-op. Joining an
// ephemeral-session room notifies its other members.
func (m *Manager) Join(p types.Principal, roomID string, kind types.RoomKind) (bool, error) {
	if err := types.ValidateRoom(roomID, kind); err != nil {
		return false, err
	}
	if p.IsAnonymous() {
		return false, ErrAnonymousJoin
	}
	if !m.policy.Allow(p, roomID, kind) {
		return false, ErrJoinDenied
	}
	if !m.dir.IsOnline(p.Identity) {
		return false, ErrIdentityOffline
	}

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{id: roomID, kind: kind, members: make(map[string]types.Role), createdAt: m.now()}
		m.rooms[roomID] = r
	}
	if _, member := r.members[p.Identity]; member {
		m.mu.Unlock()
		return false, nil
	}
	var others []string
	if kind == types.RoomKindEphemeralSession {
		others = memberList(r, p.Identity)
	}
	r.members[p.Identity] = p.Role
	joined := m.byIdentity[p.Identity]
	if joined == nil {
		joined = make(map[string]struct{})
		m.byIdentity[p.Identity] = joined
	}
	joined[roomID] = struct{}{}
	m.mu.Unlock()

	m.log.Debug().Str("identity", p.Identity).Str("room_id", roomID).Msg("joined room")

	if len(others) > 0 {
		m.deliver(others, types.NewEnvelope(types.EventUserJoinedRoom, types.UserJoinedRoom{
			RoomID:    roomID,
			UserID:    p.Identity,
			UserRole:  p.Role,
			Timestamp: m.now(),
		}))
	}
	return true, nil
}

// Leave removes identity from roomID and notifies the remaining members.
// The room is deleted once empty.
func (m *Manager) Leave(identity, roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNotMember
	}
	if _, member := r.members[identity]; !member {
		m.mu.Unlock()
		return ErrNotMember
	}
	remaining := m.removeLocked(identity, r)
	m.mu.Unlock()

	m.log.Debug().Str("identity", identity).Str("room_id", roomID).Msg("left room")
	m.notifyLeft(identity, roomID, remaining)
	return nil
}

// EvictEverywhere removes identity from every room it is in, notifying each
// room's remaining members, and returns the rooms it left.
func (m *Manager) EvictEverywhere(identity string) []string {
	m.mu.Lock()
	joined := m.byIdentity[identity]
	left := make([]string, 0, len(joined))
	remaining := make(map[string][]string, len(joined))
	for roomID := range joined {
		r, ok := m.rooms[roomID]
		if !ok {
			continue
		}
		remaining[roomID] = m.removeLocked(identity, r)
		left = append(left, roomID)
	}
	delete(m.byIdentity, identity)
	m.mu.Unlock()

	sort.Strings(left)
	for _, roomID := range left {
		m.notifyLeft(identity, roomID, remaining[roomID])
	}
	if len(left) > 0 {
		m.log.Debug().Str("identity", identity).Int("rooms", len(left)).Msg("evicted from all rooms")
	}
	return left
}

// Reauthorize re-checks every room p.Identity is in against p's current
// role. Rooms the role no longer allows are left, with the usual
// user_left_room notice; the rest record the new role. It returns the rooms
// left.
func (m *Manager) Reauthorize(p types.Principal) []string {
	m.mu.Lock()
	var left []string
	remaining := make(map[string][]string)
	for roomID := range m.byIdentity[p.Identity] {
		r, ok := m.rooms[roomID]
		if !ok {
			continue
		}
		if m.policy.Allow(p, roomID, r.kind) {
			r.members[p.Identity] = p.Role
			continue
		}
		remaining[roomID] = m.removeLocked(p.Identity, r)
		left = append(left, roomID)
	}
	m.mu.Unlock()

	sort.Strings(left)
	for _, roomID := range left {
		m.notifyLeft(p.Identity, roomID, remaining[roomID])
	}
	if len(left) > 0 {
		m.log.Info().Str("identity", p.Identity).Str("role", string(p.Role)).Strs("rooms", left).Msg("memberships revoked after role change")
	}
	return left
}

// removeLocked drops identity from r and returns the remaining members.
// Caller holds m.mu.
func (m *Manager) removeLocked(identity string, r *room) []string {
	delete(r.members, identity)
	if joined := m.byIdentity[identity]; joined != nil {
		delete(joined, r.id)
		if len(joined) == 0 {
			delete(m.byIdentity, identity)
		}
	}
	if len(r.members) == 0 {
		delete(m.rooms, r.id)
		return nil
	}
	return memberList(r, "")
}

func (m *Manager) notifyLeft(identity, roomID string, remaining []string) {
	if len(remaining) == 0 {
		return
	}
	m.deliver(remaining, types.NewEnvelope(types.EventUserLeftRoom, types.UserLeftRoom{
		RoomID:    roomID,
		UserID:    identity,
		Timestamp: m.now(),
	}))
}

// Participants returns a sorted snapshot of a room's members. The result
// may be stale as soon as it is returned.
func (m *Manager) Participants(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return memberList(r, "")
}

// Room returns a snapshot of one room.
func (m *Manager) Room(roomID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return Info{ID: r.id, Kind: r.kind, Participants: memberList(r, ""), CreatedAt: r.createdAt}, true
}

// IsMember reports whether identity is in roomID.
func (m *Manager) IsMember(identity, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byIdentity[identity][roomID]
	return ok
}

// RoomsOf returns the sorted rooms identity is in.
func (m *Manager) RoomsOf(identity string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byIdentity[identity]))
	for roomID := range m.byIdentity[identity] {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// Members returns every identity with at least one membership.
func (m *Manager) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byIdentity))
	for identity := range m.byIdentity {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Stats returns room counts for monitoring.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	memberships := 0
	for _, joined := range m.byIdentity {
		memberships += len(joined)
	}
	return map[string]int{
		"rooms":       len(m.rooms),
		"memberships": memberships,
	}
}

// Recipients returns the live connections of every member of the given
// rooms, each connection once, skipping the excluded identities.
func (m *Manager) Recipients(roomIDs []string, exclude ...string) []interfaces.Connection {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	m.mu.RLock()
	identities := make(map[string]struct{})
	for _, roomID := range roomIDs {
		r, ok := m.rooms[roomID]
		if !ok {
			continue
		}
		for identity := range r.members {
			if _, skipped := skip[identity]; !skipped {
				identities[identity] = struct{}{}
			}
		}
	}
	m.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []interfaces.Connection
	for identity := range identities {
		for _, conn := range m.dir.Connections(identity) {
			if _, dup := seen[conn.ID()]; dup {
				continue
			}
			seen[conn.ID()] = struct{}{}
			out = append(out, conn)
		}
	}
	return out
}

// Publish sends env to every live connection in roomID except those of the
// excluded identities, returning how many accepted it.
func (m *Manager) Publish(roomID string, env *types.Envelope, exclude ...string) int {
	return m.send(m.Recipients([]string{roomID}, exclude...), env)
}

func (m *Manager) deliver(identities []string, env *types.Envelope) {
	for _, identity := range identities {
		m.send(m.dir.Connections(identity), env)
	}
}

func (m *Manager) send(conns []interfaces.Connection, env *types.Envelope) int {
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(env); err != nil {
			m.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", env.Event).Msg("send failed")
			continue
		}
		delivered++
	}
	return delivered
}

func memberList(r *room, except string) []string {
	out := make([]string, 0, len(r.members))
	for identity := range r.members {
		if identity != except {
			out = append(out, identity)
		}
	}
	sort.Strings(out)
	return out
}
