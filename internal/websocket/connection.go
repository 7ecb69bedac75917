package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"carebridge/pkg/types"
)

// Connection wraps a gorilla connection with a single writer goroutine.
// All frames go through writeCh; gorilla only permits one concurrent writer.
type Connection struct {
	conn         *websocket.Conn
	id           string
	principal    types.Principal
	connectedAt  time.Time
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	log          zerolog.Logger
}

// ConnectionOptions tunes the send path of a connection.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// NewConnection starts the writer goroutine for conn.
func NewConnection(conn *websocket.Conn, principal types.Principal, opts ConnectionOptions, logger zerolog.Logger) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		conn:         conn,
		id:           id,
		principal:    principal,
		connectedAt:  time.Now(),
		writeCh:      make(chan []byte, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		log: logger.With().
			Str("conn_id", id).
			Str("identity", principal.Identity).
			Str("role", string(principal.Role)).
			Logger(),
	}
	go c.writeLoop()
	return c
}

// writeLoop never closes writeCh so a late Send cannot panic.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed, closing connection")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string                 { return c.id }
func (c *Connection) Principal() types.Principal { return c.principal }
func (c *Connection) Identity() string           { return c.principal.Identity }
func (c *Connection) Role() types.Role           { return c.principal.Role }
func (c *Connection) IsAuthenticated() bool      { return !c.principal.IsAnonymous() }
func (c *Connection) ConnectedAt() time.Time     { return c.connectedAt }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Send queues env without blocking. A full buffer drops the frame.
func (c *Connection) Send(env *types.Envelope) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame best-effort and releases the socket. Safe to
// call from any goroutine, any number of times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
