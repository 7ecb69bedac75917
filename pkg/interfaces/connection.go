package interfaces

import (
	"time"

	"carebridge/pkg/types"
)

// Connection is one live duplex channel to a client.
// Send must never block: implementations queue the frame for a single
// writer goroutine and report a full queue as an error.
type Connection interface {
	// ID is unique per connection, including anonymous ones.
	ID() string

	// Principal is fixed at connect time.
	Principal() types.Principal

	Identity() string
	Role() types.Role
	IsAuthenticated() bool
	ConnectedAt() time.Time

	Send(env *types.Envelope) error
	Close() error
}

// Directory resolves identities to their live connections.
type Directory interface {
	IsOnline(identity string) bool
	Connections(identity string) []Connection
}

// IdentityResolver validates a credential and returns who presented it.
type IdentityResolver interface {
	Resolve(credential string) (types.Principal, error)
}
