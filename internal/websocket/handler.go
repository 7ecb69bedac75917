package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// EventSink receives connection lifecycle and inbound frames, in order,
// for each connection. The hub implements it.
type EventSink interface {
	Connect(conn interfaces.Connection) error
	Receive(conn interfaces.Connection, raw []byte) error
	Disconnect(conn interfaces.Connection) error
}

// HandlerConfig controls authentication and liveness of accepted sockets.
type HandlerConfig struct {
	AllowAnonymous   bool
	PingInterval     time.Duration
	MissedHeartbeats int
	WriteTimeout     time.Duration
	BufferSize       int
	MaxMessageSize   int64
	AllowedOrigins   []string
}

// Handler upgrades HTTP requests to websocket connections.
type Handler struct {
	resolver interfaces.IdentityResolver
	sink     EventSink
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(resolver interfaces.IdentityResolver, sink EventSink, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	h := &Handler{
		resolver: resolver,
		sink:     sink,
		cfg:      cfg,
		log:      logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// credential extracts a bearer token from the Authorization header or the
// token query parameter (browsers cannot set headers on websocket requests).
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ServeHTTP authenticates, upgrades and hands the connection to the sink.
// Invalid credentials are rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := types.Anonymous
	if token := credential(r); token != "" {
		p, err := h.resolver.Resolve(token)
		if err != nil {
			h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("rejected credential")
			writeHTTPError(w, http.StatusUnauthorized, types.KindAuthentication, "invalid or expired credential")
			return
		}
		principal = p
	} else if !h.cfg.AllowAnonymous {
		writeHTTPError(w, http.StatusUnauthorized, types.KindAuthentication, "credential required")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, principal, ConnectionOptions{
		BufferSize:   h.cfg.BufferSize,
		WriteTimeout: h.cfg.WriteTimeout,
	}, h.log)

	if err := h.sink.Connect(conn); err != nil {
		h.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("connection refused by hub")
		_ = conn.Close()
		return
	}

	go h.serve(conn)
}

// serve runs the heartbeat and the read pump until the socket dies. A
// connection is dropped after MissedHeartbeats ping intervals of silence.
func (h *Handler) serve(conn *Connection) {
	log := h.log.With().Str("conn_id", conn.ID()).Str("identity", conn.Identity()).Logger()
	defer func() {
		if err := h.sink.Disconnect(conn); err != nil {
			log.Warn().Err(err).Msg("disconnect not delivered to hub")
			_ = conn.Close()
		}
	}()

	ws := conn.conn
	deadline := h.cfg.PingInterval * time.Duration(h.cfg.MissedHeartbeats)
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					log.Debug().Err(err).Msg("ping failed")
					_ = conn.Close()
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))

		if messageType != websocket.TextMessage {
			_ = conn.Send(types.NewEnvelope(types.EventError, types.ErrorPayload{
				Kind:    types.KindValidation,
				Message: "only text frames are supported",
			}))
			continue
		}
		if err := h.sink.Receive(conn, data); err != nil {
			log.Warn().Err(err).Msg("hub rejected inbound frame")
			return
		}
	}
}

func writeHTTPError(w http.ResponseWriter, status int, kind types.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorPayload{Kind: kind, Message: message})
}
