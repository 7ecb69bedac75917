// Package hub is the single writer of connection, room, limiter and call
// state. One goroutine consumes one ordered event channel, so events from
// a connection are handled in the order they were read.
package hub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carebridge/internal/alerts"
	"carebridge/internal/rooms"
	"carebridge/internal/router"
	"carebridge/internal/signaling"
	"carebridge/internal/websocket"
	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// Defaults for Config.
const (
	DefaultQueueSize     = 1024
	DefaultSweepInterval = 5 * time.Second
)

// Config tunes the event loop.
type Config struct {
	QueueSize     int
	SweepInterval time.Duration
}

// Components are the state owners the hub drives.
type Components struct {
	Registry    *websocket.Registry
	Rooms       *rooms.Manager
	Relay       *router.Relay
	Signaling   *signaling.Relay
	Broadcaster *alerts.Broadcaster
}

// event is the closed set of inputs to the loop.
type event interface{ hubEvent() }

type connectEvent struct {
	conn   interfaces.Connection
	result chan error
}

type disconnectEvent struct {
	conn interfaces.Connection
}

type clientEvent struct {
	conn interfaces.Connection
	raw  []byte
}

type alertResult struct {
	delivery *alerts.Delivery
	err      error
}

type alertEvent struct {
	alert  *types.Alert
	result chan alertResult
}

func (connectEvent) hubEvent()    {}
func (disconnectEvent) hubEvent() {}
func (clientEvent) hubEvent()     {}
func (alertEvent) hubEvent()      {}

// Hub coordinates every state change.
type Hub struct {
	events  chan event
	done    chan struct{}
	stopped chan struct{}
	running bool
	mu      sync.RWMutex

	registry    *websocket.Registry
	rooms       *rooms.Manager
	relay       *router.Relay
	calls       *signaling.Relay
	broadcaster *alerts.Broadcaster

	sweepInterval time.Duration
	log           zerolog.Logger
}

// NewHub creates a hub over its components.
func NewHub(c Components, cfg Config, logger zerolog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Hub{
		events:        make(chan event, cfg.QueueSize),
		registry:      c.Registry,
		rooms:         c.Rooms,
		relay:         c.Relay,
		calls:         c.Signaling,
		broadcaster:   c.Broadcaster,
		sweepInterval: cfg.SweepInterval,
		log:           logger.With().Str("component", "hub").Logger(),
	}
}

// Start runs the event loop until Stop or ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.done = make(chan struct{})
	h.stopped = make(chan struct{})

	h.log.Info().Msg("starting hub")
	go h.run(ctx, h.done, h.stopped)
	return nil
}

// Stop ends the event loop and waits for it to exit. Queued events are
// discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.done)
	stopped := h.stopped
	h.mu.Unlock()

	<-stopped
	h.log.Info().Msg("hub stopped")
	return nil
}

// submit blocks until the loop accepts ev or stops.
func (h *Hub) submit(ev event) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	stopped := h.stopped
	h.mu.RUnlock()

	select {
	case h.events <- ev:
		return nil
	case <-stopped:
		return ErrHubNotRunning
	}
}

// Connect registers conn and joins its automatic rooms. It returns once
// the connection is registered.
func (h *Hub) Connect(conn interfaces.Connection) error {
	result := make(chan error, 1)
	if err := h.submit(connectEvent{conn: conn, result: result}); err != nil {
		return err
	}
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	select {
	case err := <-result:
		return err
	case <-stopped:
		return ErrHubNotRunning
	}
}

// Receive queues one inbound frame.
func (h *Hub) Receive(conn interfaces.Connection, raw []byte) error {
	return h.submit(clientEvent{conn: conn, raw: raw})
}

// Disconnect queues the cleanup of conn.
func (h *Hub) Disconnect(conn interfaces.Connection) error {
	return h.submit(disconnectEvent{conn: conn})
}

// Emit delivers an alert from inside the loop so it observes a consistent
// room state. It implements alerts.Emitter.
func (h *Hub) Emit(a *types.Alert) (*alerts.Delivery, error) {
	if a == nil {
		return nil, ErrNilAlert
	}
	result := make(chan alertResult, 1)
	if err := h.submit(alertEvent{alert: a, result: result}); err != nil {
		return nil, err
	}
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	select {
	case r := <-result:
		return r.delivery, r.err
	case <-stopped:
		return nil, ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.events:
			h.handle(ev)
		case now := <-ticker.C:
			h.sweep(now)
		case <-done:
			return
		case <-ctx.Done():
			h.log.Info().Msg("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// handle processes one event to completion. A panic is reported to the
// originating connection and the loop keeps running.
func (h *Hub) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in hub")
			switch e := ev.(type) {
			case clientEvent:
				if e.conn != nil {
					h.sendError(e.conn, "", fmt.Errorf("panic: %v", r))
				}
			case connectEvent:
				e.result <- fmt.Errorf("panic during connect: %v", r)
			case alertEvent:
				e.result <- alertResult{err: fmt.Errorf("panic during alert: %v", r)}
			}
		}
	}()

	switch e := ev.(type) {
	case connectEvent:
		e.result <- h.handleConnect(e.conn)
	case disconnectEvent:
		h.handleDisconnect(e.conn)
	case clientEvent:
		h.handleClient(e.conn, e.raw)
	case alertEvent:
		delivery, err := h.broadcaster.Emit(e.alert)
		e.result <- alertResult{delivery: delivery, err: err}
	}
}

func (h *Hub) handleConnect(conn interfaces.Connection) error {
	replaced, err := h.registry.Register(conn)
	if err != nil {
		return err
	}
	for _, old := range replaced {
		h.relay.ForgetConnection(old.ID())
	}

	log := h.log.With().Str("conn_id", conn.ID()).Str("identity", conn.Identity()).Str("role", string(conn.Role())).Logger()
	p := conn.Principal()
	if conn.IsAuthenticated() {
		// Memberships follow the role of the newest connection.
		h.rooms.Reauthorize(p)
	}
	for _, m := range rooms.AutoJoinRooms(p) {
		if _, err := h.rooms.Join(p, m.RoomID, m.Kind); err != nil {
			log.Warn().Err(err).Str("room_id", m.RoomID).Msg("auto-join failed")
		}
	}
	log.Info().Int("replaced", len(replaced)).Bool("authenticated", conn.IsAuthenticated()).Msg("client connected")
	return nil
}

func (h *Hub) handleDisconnect(conn interfaces.Connection) {
	h.relay.ForgetConnection(conn.ID())
	last := h.registry.Unregister(conn)
	log := h.log.With().Str("conn_id", conn.ID()).Str("identity", conn.Identity()).Logger()
	if !last {
		log.Debug().Msg("connection closed")
		return
	}
	identity := conn.Identity()
	ended := h.calls.EndAllFor(identity, types.EndDisconnected)
	left := h.rooms.EvictEverywhere(identity)
	log.Info().Int("rooms_left", len(left)).Int("calls_ended", len(ended)).Msg("client disconnected")
}

func (h *Hub) handleClient(conn interfaces.Connection, raw []byte) {
	if registered, ok := h.registry.Connection(conn.ID()); !ok || registered != conn {
		h.log.Debug().Str("conn_id", conn.ID()).Msg("event from unregistered connection dropped")
		return
	}

	name, ev, err := types.DecodeClientEvent(raw)
	if err != nil {
		h.sendError(conn, name, err)
		return
	}
	if err := h.dispatch(conn, ev); err != nil {
		h.sendError(conn, name, err)
	}
}

func (h *Hub) dispatch(conn interfaces.Connection, ev types.ClientEvent) error {
	switch e := ev.(type) {
	case *types.JoinRoom:
		if _, err := h.rooms.Join(conn.Principal(), e.RoomID, e.RoomKind); err != nil {
			return err
		}
		return h.reply(conn, types.EventRoomJoined, types.RoomJoined{RoomID: e.RoomID, RoomKind: e.RoomKind})
	case *types.LeaveRoom:
		if err := h.rooms.Leave(conn.Identity(), e.RoomID); err != nil {
			return err
		}
		return h.reply(conn, types.EventRoomLeft, types.RoomLeft{RoomID: e.RoomID})
	case *types.PrivateMessage:
		ack, err := h.relay.SendPrivate(conn, e)
		if err != nil || ack == nil {
			return err
		}
		return h.reply(conn, types.EventMessageSent, ack)
	case *types.Typing:
		return h.relay.Typing(conn, e)
	case *types.MarkRead:
		return h.relay.MarkRead(conn, e)
	case *types.GetPresence:
		statuses := make(map[string]bool, len(e.Identities))
		for _, identity := range e.Identities {
			statuses[identity] = h.registry.IsOnline(identity)
		}
		return h.reply(conn, types.EventPresence, types.Presence{Statuses: statuses})
	case *types.InitiateCall:
		_, err := h.calls.InitiateCall(conn, e)
		return err
	case *types.AcceptCall:
		_, err := h.calls.AcceptCall(conn, e)
		return err
	case *types.RejectCall:
		return h.calls.RejectCall(conn, e)
	case *types.EndCall:
		return h.calls.EndCall(conn, e)
	case *types.IceCandidate:
		h.calls.RelayIceCandidate(conn, e)
		return nil
	default:
		return types.ErrUnknownEvent
	}
}

func (h *Hub) reply(conn interfaces.Connection, event string, data any) error {
	if err := conn.Send(types.NewEnvelope(event, data)); err != nil {
		h.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("reply not delivered")
	}
	return nil
}

// sendError reports err to the originating connection only. Errors
// outside the taxonomy are logged in full and reported generically.
func (h *Hub) sendError(conn interfaces.Connection, event string, err error) {
	kind := types.KindOfError(err)
	message := "internal error"
	if kind == types.KindInternal {
		h.log.Error().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("event failed")
	} else {
		message = err.Error()
		var te *types.Error
		if errors.As(err, &te) {
			message = te.Message
		}
		h.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("event rejected")
	}
	_ = conn.Send(types.NewEnvelope(types.EventError, types.ErrorPayload{
		Kind:    kind,
		Message: message,
		Event:   event,
	}))
}

// sweep runs periodic housekeeping inside the loop.
func (h *Hub) sweep(now time.Time) {
	removed := h.relay.Limiter().Cleanup()
	expired := h.calls.ExpireRinging(now)
	if removed > 0 || expired > 0 {
		h.log.Debug().Int("limiter_windows_dropped", removed).Int("calls_expired", expired).Msg("sweep")
	}
}
