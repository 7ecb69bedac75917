// Package router relays private messages, typing indicators and read
// receipts between identities.
package router

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"carebridge/internal/rooms"
	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// Options configures a Relay.
type Options struct {
	AllowAnonymous  bool
	TypingPerSecond float64
	TypingBurst     int
}

// Relay delivers messages to personal rooms and mirrors them into session
// rooms. Delivery to an offline recipient is silently dropped.
type Relay struct {
	rooms          *rooms.Manager
	limiter        *RateLimiter
	typing         *TypingThrottle
	allowAnonymous bool
	now            func() time.Time
	log            zerolog.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewRelay creates a message relay.
func NewRelay(roomManager *rooms.Manager, limiter *RateLimiter, opts Options, logger zerolog.Logger) *Relay {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0, 0)
	}
	return &Relay{
		rooms:          roomManager,
		limiter:        limiter,
		typing:         NewTypingThrottle(opts.TypingPerSecond, opts.TypingBurst),
		allowAnonymous: opts.AllowAnonymous,
		now:            time.Now,
		log:            logger.With().Str("component", "relay").Logger(),
		entropy:        ulid.Monotonic(rand.Reader, 0),
	}
}

// Limiter exposes the message window limiter for the sweep.
func (r *Relay) Limiter() *RateLimiter { return r.limiter }

// SendPrivate relays msg from the sender connection to the recipient's
// personal room. Typing-kind messages are fire-and-forget and return a nil
// ack. The ack means the message was handed to the relay, not read.
func (r *Relay) SendPrivate(sender interfaces.Connection, msg *types.PrivateMessage) (*types.Ack, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	from := sender.Principal()
	if from.IsAnonymous() && !r.allowAnonymous {
		return nil, ErrAnonymousMessaging
	}
	if msg.RecipientID == from.Identity {
		return nil, ErrSelfMessage
	}

	if msg.Kind == types.MessageKindTyping {
		r.typingTo(sender, msg.RecipientID, msg.IsTyping)
		return nil, nil
	}

	if !r.limiter.Allow(from.Identity) {
		r.log.Debug().Str("identity", from.Identity).Msg("message rate limited")
		return nil, ErrRateLimitExceeded
	}

	now := r.now()
	id, err := r.newID(now)
	if err != nil {
		return nil, err
	}
	message := &types.Message{
		ID:            id,
		SenderID:      from.Identity,
		SenderRole:    from.Role,
		SenderName:    from.Name,
		RecipientID:   msg.RecipientID,
		Payload:       msg.Payload,
		Kind:          msg.Kind,
		SessionRoomID: msg.SessionRoomID,
		Metadata:      msg.Metadata,
		Timestamp:     now,
	}
	env := types.NewEnvelope(types.EventPrivateMessage, message)

	if n := r.rooms.Publish(types.PersonalRoom(msg.RecipientID), env); n == 0 {
		r.log.Debug().Str("identity", from.Identity).Str("recipient", msg.RecipientID).Str("message_id", id).Msg("recipient offline, message dropped")
	}

	if msg.SessionRoomID != "" {
		r.mirror(from.Identity, msg.RecipientID, msg.SessionRoomID, env)
	}

	return &types.Ack{MessageID: id, Timestamp: now}, nil
}

func (r *Relay) mirror(senderID, recipientID, roomID string, env *types.Envelope) {
	if senderID == "" || !r.rooms.IsMember(senderID, roomID) {
		r.log.Debug().Str("identity", senderID).Str("room_id", roomID).Msg("sender not in session room, mirror skipped")
		return
	}
	r.rooms.Publish(roomID, env, senderID, recipientID)
}

func (r *Relay) typingTo(sender interfaces.Connection, recipientID string, isTyping bool) {
	if !r.typing.Allow(sender.ID(), isTyping) {
		return
	}
	r.rooms.Publish(types.PersonalRoom(recipientID), types.NewEnvelope(types.EventUserTyping, types.UserTyping{
		UserID:    sender.Identity(),
		IsTyping:  isTyping,
		Timestamp: r.now(),
	}))
}

// Typing fans a typing indicator out to the other members of a room the
// sender is in. Throttled indicators are dropped without error.
func (r *Relay) Typing(sender interfaces.Connection, ev *types.Typing) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	identity := sender.Identity()
	if identity == "" || !r.rooms.IsMember(identity, ev.RoomID) {
		return ErrNotInRoom
	}
	if !r.typing.Allow(sender.ID(), ev.IsTyping) {
		return nil
	}
	r.rooms.Publish(ev.RoomID, types.NewEnvelope(types.EventUserTyping, types.UserTyping{
		RoomID:    ev.RoomID,
		UserID:    identity,
		IsTyping:  ev.IsTyping,
		Timestamp: r.now(),
	}), identity)
	return nil
}

// MarkRead relays a read receipt to the original sender of a message.
func (r *Relay) MarkRead(sender interfaces.Connection, ev *types.MarkRead) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	reader := sender.Identity()
	if reader == "" {
		return ErrAnonymousReceipt
	}
	if ev.RecipientID == reader {
		return ErrSelfMessage
	}
	r.rooms.Publish(types.PersonalRoom(ev.RecipientID), types.NewEnvelope(types.EventMessageRead, types.MessageRead{
		MessageID: ev.MessageID,
		ReaderID:  reader,
		Timestamp: r.now(),
	}))
	return nil
}

// ForgetConnection drops per-connection typing state.
func (r *Relay) ForgetConnection(connID string) {
	r.typing.Forget(connID)
}

func (r *Relay) newID(t time.Time) (string, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), r.entropy)
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return id.String(), nil
}
