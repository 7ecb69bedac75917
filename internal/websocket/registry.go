package websocket

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// Registry tracks live connections, set-valued per identity.
//
// With multiSession off (the default policy) registering a connection for
// an identity replaces and closes every prior connection of that identity.
// Anonymous connections are tracked by id only.
type Registry struct {
	mu           sync.RWMutex
	multiSession bool
	byIdentity   map[string]map[string]interfaces.Connection // identity -> conn id -> conn
	byID         map[string]interfaces.Connection
	log          zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(multiSession bool, logger zerolog.Logger) *Registry {
	return &Registry{
		multiSession: multiSession,
		byIdentity:   make(map[string]map[string]interfaces.Connection),
		byID:         make(map[string]interfaces.Connection),
		log:          logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds conn and returns the connections it replaced. Replaced
// connections are removed immediately and closed asynchronously; their
// later Unregister is a no-op.
func (r *Registry) Register(conn interfaces.Connection) ([]interfaces.Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[conn.ID()]; exists {
		return nil, ErrDuplicateConnection
	}
	r.byID[conn.ID()] = conn

	if !conn.IsAuthenticated() {
		return nil, nil
	}

	identity := conn.Identity()
	sessions := r.byIdentity[identity]
	if sessions == nil {
		sessions = make(map[string]interfaces.Connection)
		r.byIdentity[identity] = sessions
	}

	var replaced []interfaces.Connection
	if !r.multiSession {
		for id, old := range sessions {
			delete(sessions, id)
			delete(r.byID, id)
			replaced = append(replaced, old)
		}
	}
	sessions[conn.ID()] = conn

	for _, old := range replaced {
		go func(c interfaces.Connection) {
			if err := c.Close(); err != nil {
				r.log.Debug().Err(err).Str("conn_id", c.ID()).Msg("failed to close replaced connection")
			}
		}(old)
	}
	return replaced, nil
}

// Unregister removes conn if it is still the registered instance. It
// reports whether conn was the identity's last live connection, which is
// when room eviction and call teardown must run.
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.byID[conn.ID()]
	if !exists || registered != conn {
		return false
	}
	delete(r.byID, conn.ID())

	if !conn.IsAuthenticated() {
		return false
	}
	identity := conn.Identity()
	sessions := r.byIdentity[identity]
	delete(sessions, conn.ID())
	if len(sessions) == 0 {
		delete(r.byIdentity, identity)
		return true
	}
	return false
}

// Connection looks up a connection by id.
func (r *Registry) Connection(id string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// Connections returns a snapshot of the live connections of identity.
func (r *Registry) Connections(identity string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byIdentity[identity]
	out := make([]interfaces.Connection, 0, len(sessions))
	for _, conn := range sessions {
		out = append(out, conn)
	}
	return out
}

// IsOnline reports whether identity has at least one live connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]) > 0
}

// SendToIdentity sends env to every live connection of identity and
// returns how many accepted it.
func (r *Registry) SendToIdentity(identity string, env *types.Envelope) int {
	delivered := 0
	for _, conn := range r.Connections(identity) {
		if err := conn.Send(env); err != nil {
			r.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", env.Event).Msg("send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// LiveIdentities returns the authenticated identities with a live
// connection, sorted.
func (r *Registry) LiveIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interfaces.Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		out = append(out, conn)
	}
	return out
}

// CountByRole counts distinct online identities per role. Anonymous
// connections are counted individually.
func (r *Registry) CountByRole() map[types.Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[types.Role]int, len(types.Roles))
	for _, role := range types.Roles {
		counts[role] = 0
	}
	for _, sessions := range r.byIdentity {
		for _, conn := range sessions {
			counts[conn.Role()]++
			break
		}
	}
	for _, conn := range r.byID {
		if !conn.IsAuthenticated() {
			counts[types.RoleAnonymous]++
		}
	}
	return counts
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	anonymous := 0
	for _, conn := range r.byID {
		if !conn.IsAuthenticated() {
			anonymous++
		}
	}
	return map[string]int{
		"total_connections":     len(r.byID),
		"online_identities":     len(r.byIdentity),
		"anonymous_connections": anonymous,
	}
}

// CloseAll closes and forgets every connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]interfaces.Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.byID = make(map[string]interfaces.Connection)
	r.byIdentity = make(map[string]map[string]interfaces.Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
