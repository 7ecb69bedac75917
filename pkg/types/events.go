package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Client to server events.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventPrivateMessage = "private_message"
	EventTyping         = "typing"
	EventMarkRead       = "mark_read"
	EventGetPresence    = "get_presence"
	EventInitiateCall   = "initiate_call"
	EventCallAccepted   = "call_accepted"
	EventCallRejected   = "call_rejected"
	EventCallEnded      = "call_ended"
	EventIceCandidate   = "webrtc_ice_candidate"
)

// Server to client events. call_accepted, call_rejected, call_ended,
// private_message and webrtc_ice_candidate reuse the client names.
const (
	EventRoomJoined     = "room_joined"
	EventRoomLeft       = "room_left"
	EventUserJoinedRoom = "user_joined_room"
	EventUserLeftRoom   = "user_left_room"
	EventMessageSent    = "message_sent"
	EventMessageRead    = "message_read"
	EventUserTyping     = "user_typing"
	EventIncomingCall   = "incoming_call"
	EventPresence       = "presence"
	EventError          = "error"
)

// MaxPresenceQuery bounds a single get_presence request.
const MaxPresenceQuery = 100

// Envelope is the frame written to a connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// NewEnvelope wraps data under an event name.
func NewEnvelope(event string, data any) *Envelope {
	return &Envelope{Event: event, Data: data}
}

// InboundEnvelope is the frame read from a connection before the data is
// decoded into its variant.
type InboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ClientEvent is the closed set of events a client may send. Each variant
// validates and normalizes itself.
type ClientEvent interface {
	EventName() string
	Validate() error
}

var clientEvents = map[string]func() ClientEvent{
	EventJoinRoom:       func() ClientEvent { return &JoinRoom{} },
	EventLeaveRoom:      func() ClientEvent { return &LeaveRoom{} },
	EventPrivateMessage: func() ClientEvent { return &PrivateMessage{} },
	EventTyping:         func() ClientEvent { return &Typing{} },
	EventMarkRead:       func() ClientEvent { return &MarkRead{} },
	EventGetPresence:    func() ClientEvent { return &GetPresence{} },
	EventInitiateCall:   func() ClientEvent { return &InitiateCall{} },
	EventCallAccepted:   func() ClientEvent { return &AcceptCall{} },
	EventCallRejected:   func() ClientEvent { return &RejectCall{} },
	EventCallEnded:      func() ClientEvent { return &EndCall{} },
	EventIceCandidate:   func() ClientEvent { return &IceCandidate{} },
}

// DecodeClientEvent parses one inbound frame into its validated variant.
// The returned event name is set whenever the envelope itself parsed, so
// errors can be attributed.
func DecodeClientEvent(raw []byte) (string, ClientEvent, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, ErrMalformedEvent
	}
	factory, ok := clientEvents[env.Event]
	if !ok {
		return env.Event, nil, ErrUnknownEvent
	}
	ev := factory()
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return env.Event, nil, ErrMalformedEvent
	}
	if err := ev.Validate(); err != nil {
		return env.Event, nil, err
	}
	return env.Event, ev, nil
}

// JoinRoom asks to join a room. An empty kind is inferred from the id.
type JoinRoom struct {
	RoomID   string   `json:"roomId"`
	RoomKind RoomKind `json:"roomKind"`
}

func (*JoinRoom) EventName() string { return EventJoinRoom }

func (e *JoinRoom) Validate() error {
	e.RoomID = strings.TrimSpace(e.RoomID)
	if e.RoomKind == "" {
		kind, ok := KindOf(e.RoomID)
		if !ok {
			return ErrInvalidRoomID
		}
		e.RoomKind = kind
	} else {
		kind, ok := ParseRoomKind(string(e.RoomKind))
		if !ok {
			return ErrInvalidRoomKind
		}
		e.RoomKind = kind
	}
	return ValidateRoom(e.RoomID, e.RoomKind)
}

// LeaveRoom asks to leave a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

func (*LeaveRoom) EventName() string { return EventLeaveRoom }

func (e *LeaveRoom) Validate() error {
	e.RoomID = strings.TrimSpace(e.RoomID)
	if _, ok := KindOf(e.RoomID); !ok {
		return ErrInvalidRoomID
	}
	return nil
}

// PrivateMessage sends a message to one identity, optionally mirrored to
// the ephemeral room of an appointment or call.
type PrivateMessage struct {
	RecipientID   string          `json:"recipientId"`
	Payload       string          `json:"payload"`
	Kind          MessageKind     `json:"kind"`
	SessionRoomID string          `json:"sessionRoomId,omitempty"`
	IsTyping      bool            `json:"isTyping,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func (*PrivateMessage) EventName() string { return EventPrivateMessage }

func (e *PrivateMessage) Validate() error {
	if !IsValidIdentity(e.RecipientID) {
		return Invalid("recipientId is required and must be a valid identity")
	}
	if e.Kind == "" {
		e.Kind = MessageKindChat
	}
	if !IsValidMessageKind(e.Kind) {
		return ErrInvalidMessageKind
	}
	if e.SessionRoomID != "" {
		if err := ValidateRoom(e.SessionRoomID, RoomKindEphemeralSession); err != nil {
			return err
		}
	}
	if e.Kind == MessageKindTyping {
		e.Payload = ""
		return nil
	}
	payload, err := NormalizePayload(e.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// Typing toggles the typing indicator in a room.
type Typing struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

func (*Typing) EventName() string { return EventTyping }

func (e *Typing) Validate() error {
	if _, ok := KindOf(e.RoomID); !ok {
		return ErrInvalidRoomID
	}
	return nil
}

// MarkRead acknowledges that a message from recipientId was read.
type MarkRead struct {
	RecipientID string `json:"recipientId"`
	MessageID   string `json:"messageId"`
}

func (*MarkRead) EventName() string { return EventMarkRead }

func (e *MarkRead) Validate() error {
	if !IsValidIdentity(e.RecipientID) {
		return Invalid("recipientId is required and must be a valid identity")
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return Invalid("messageId is required")
	}
	return nil
}

// GetPresence asks which identities are online.
type GetPresence struct {
	Identities []string `json:"identities"`
}

func (*GetPresence) EventName() string { return EventGetPresence }

func (e *GetPresence) Validate() error {
	if len(e.Identities) == 0 {
		return Invalid("identities cannot be empty")
	}
	if len(e.Identities) > MaxPresenceQuery {
		return Invalid("at most %d identities per presence query", MaxPresenceQuery)
	}
	for _, id := range e.Identities {
		if !IsValidIdentity(id) {
			return ErrInvalidIdentity
		}
	}
	return nil
}

// InitiateCall rings calleeId with an SDP offer.
type InitiateCall struct {
	CalleeID string                    `json:"calleeId"`
	Offer    webrtc.SessionDescription `json:"offer"`
	CallType CallType                  `json:"callType"`
}

func (*InitiateCall) EventName() string { return EventInitiateCall }

func (e *InitiateCall) Validate() error {
	if !IsValidIdentity(e.CalleeID) {
		return Invalid("calleeId is required and must be a valid identity")
	}
	switch e.CallType {
	case "":
		e.CallType = CallTypeVideo
	case CallTypeVideo, CallTypeAudio:
	default:
		return Invalid("callType must be video or audio")
	}
	return ValidateSessionDescription(e.Offer, webrtc.SDPTypeOffer)
}

// AcceptCall answers the ringing call placed by callerId.
type AcceptCall struct {
	CallerID string                    `json:"callerId"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

func (*AcceptCall) EventName() string { return EventCallAccepted }

func (e *AcceptCall) Validate() error {
	if !IsValidIdentity(e.CallerID) {
		return Invalid("callerId is required and must be a valid identity")
	}
	return ValidateSessionDescription(e.Answer, webrtc.SDPTypeAnswer)
}

// RejectCall declines the call placed by callerId.
type RejectCall struct {
	CallerID string `json:"callerId"`
}

func (*RejectCall) EventName() string { return EventCallRejected }

func (e *RejectCall) Validate() error {
	if !IsValidIdentity(e.CallerID) {
		return Invalid("callerId is required and must be a valid identity")
	}
	return nil
}

// EndCall hangs up the call with peerId.
type EndCall struct {
	PeerID string `json:"peerId"`
}

func (*EndCall) EventName() string { return EventCallEnded }

func (e *EndCall) Validate() error {
	if !IsValidIdentity(e.PeerID) {
		return Invalid("peerId is required and must be a valid identity")
	}
	return nil
}

// IceCandidate forwards a trickled ICE candidate to the other party.
type IceCandidate struct {
	RecipientID string                  `json:"recipientId"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

func (*IceCandidate) EventName() string { return EventIceCandidate }

func (e *IceCandidate) Validate() error {
	if !IsValidIdentity(e.RecipientID) {
		return Invalid("recipientId is required and must be a valid identity")
	}
	return nil
}

// ValidateSessionDescription checks the SDP type and that the body parses.
func ValidateSessionDescription(sd webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd.Type != want {
		return Invalid("session description must be of type %s", want)
	}
	if strings.TrimSpace(sd.SDP) == "" {
		return Invalid("session description is empty")
	}
	if _, err := sd.Unmarshal(); err != nil {
		return Invalid("session description does not parse: %v", err)
	}
	return nil
}

// Server event payloads.

type RoomJoined struct {
	RoomID   string   `json:"roomId"`
	RoomKind RoomKind `json:"roomKind"`
}

type RoomLeft struct {
	RoomID string `json:"roomId"`
}

type UserJoinedRoom struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserRole  Role      `json:"userRole"`
	Timestamp time.Time `json:"timestamp"`
}

type UserLeftRoom struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTyping struct {
	RoomID    string    `json:"roomId,omitempty"`
	UserID    string    `json:"userId"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageRead struct {
	MessageID string    `json:"messageId"`
	ReaderID  string    `json:"readerId"`
	Timestamp time.Time `json:"timestamp"`
}

type Presence struct {
	Statuses map[string]bool `json:"statuses"`
}

type IncomingCall struct {
	CallID     string                    `json:"callId"`
	CallerID   string                    `json:"callerId"`
	CallerName string                    `json:"callerName,omitempty"`
	CallerRole Role                      `json:"callerRole"`
	Offer      webrtc.SessionDescription `json:"offer"`
	CallType   CallType                  `json:"callType"`
}

type CallAccepted struct {
	CallID   string                    `json:"callId"`
	CalleeID string                    `json:"calleeId"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

type CallRejected struct {
	CallID string `json:"callId"`
	PeerID string `json:"peerId"`
}

type CallEndedPayload struct {
	CallID string    `json:"callId"`
	PeerID string    `json:"peerId"`
	Reason EndReason `json:"reason"`
}

type IceCandidateRelay struct {
	CallID    string                  `json:"callId"`
	SenderID  string                  `json:"senderId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Event   string    `json:"event,omitempty"`
}
