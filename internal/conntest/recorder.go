// Package conntest provides an in-memory connection for component tests.
package conntest

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"carebridge/pkg/types"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("conntest: connection closed")

// Recorder implements interfaces.Connection and keeps every sent envelope.
type Recorder struct {
	id          string
	principal   types.Principal
	connectedAt time.Time

	mu     sync.Mutex
	sent   []*types.Envelope
	closed bool
}

// New returns a recorder for an authenticated principal.
func New(identity string, role types.Role) *Recorder {
	return &Recorder{
		id:          uuid.NewString(),
		principal:   types.Principal{Identity: identity, Role: role, Name: identity},
		connectedAt: time.Now(),
	}
}

// NewAnonymous returns a recorder without identity.
func NewAnonymous() *Recorder {
	return &Recorder{id: uuid.NewString(), principal: types.Anonymous, connectedAt: time.Now()}
}

func (r *Recorder) ID() string { return r.id }
func (r *Recorder) Principal() types.Principal { return r.principal }
func (r *Recorder) Identity() string { return r.principal.Identity }
func (r *Recorder) Role() types.Role { return r.principal.Role }
func (r *Recorder) IsAuthenticated() bool { return !r.principal.IsAnonymous() }
func (r *Recorder) ConnectedAt() time.Time { return r.connectedAt }

func (r *Recorder) Send(env *types.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Sent returns a copy of every envelope sent so far.
func (r *Recorder) Sent() []*types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Envelope, len(r.sent))
	copy(out, r.sent)
	return out
}

// Events returns the event names sent so far, in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.sent))
	for i, env := range r.sent {
		names[i] = env.Event
	}
	return names
}

// Find returns the envelopes sent under one event name.
func (r *Recorder) Find(event string) []*types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Envelope
	for _, env := range r.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// Count returns how many envelopes were sent under one event name.
func (r *Recorder) Count(event string) int {
	return len(r.Find(event))
}

// Reset forgets everything sent so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
