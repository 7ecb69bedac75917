package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the platform role resolved from a credential.
type Role string

const (
	RoleStudent    Role = "student"
	RoleCounsellor Role = "counsellor"
	RoleAdmin      Role = "admin"
	RoleModerator  Role = "moderator"
	RoleAnonymous  Role = "anonymous"
)

// Roles lists every role in a stable order, used for per-role statistics.
var Roles = []Role{RoleStudent, RoleCounsellor, RoleAdmin, RoleModerator, RoleAnonymous}

// ParseRole accepts the wire spelling of a role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleStudent, RoleCounsellor, RoleAdmin, RoleModerator, RoleAnonymous:
		return r, true
	default:
		return "", false
	}
}

// IsStaff reports whether the role belongs to on-duty staff.
func (r Role) IsStaff() bool {
	return r == RoleCounsellor || r == RoleAdmin || r == RoleModerator
}

// RoomKind classifies a room for authorization.
type RoomKind string

const (
	RoomKindPersonal         RoomKind = "personal"
	RoomKindRole             RoomKind = "role"
	RoomKindEphemeralSession RoomKind = "ephemeral-session"
	RoomKindBroadcast        RoomKind = "broadcast"
)

// ParseRoomKind accepts the wire spelling of a room kind. "appointment" is
// kept as an alias for ephemeral-session rooms.
func ParseRoomKind(s string) (RoomKind, bool) {
	switch k := RoomKind(strings.ToLower(strings.TrimSpace(s))); k {
	case RoomKindPersonal, RoomKindRole, RoomKindEphemeralSession, RoomKindBroadcast:
		return k, true
	case "appointment":
		return RoomKindEphemeralSession, true
	default:
		return "", false
	}
}

// Well-known room ids.
const (
	RoomCounsellors  = "role:counsellors"
	RoomAdmins       = "role:admins"
	RoomModerators   = "role:moderators"
	RoomCrisisAlerts = "role:crisis-alerts"
	RoomBroadcastAll = "broadcast:all"
)

const (
	personalPrefix    = "personal:"
	rolePrefix        = "role:"
	appointmentPrefix = "appointment:"
	callPrefix        = "call:"
	broadcastPrefix   = "broadcast:"
)

// PersonalRoom returns the private room of an identity.
func PersonalRoom(identity string) string { return personalPrefix + identity }

// AppointmentRoom returns the ephemeral room of an appointment.
func AppointmentRoom(appointmentID string) string { return appointmentPrefix + appointmentID }

// CallRoom returns the ephemeral room of a call.
func CallRoom(callID string) string { return callPrefix + callID }

// RoleRoom returns the role room for a role, e.g. role:counsellors.
func RoleRoom(role Role) string { return rolePrefix + string(role) + "s" }

// PersonalRoomOwner returns the identity owning a personal room id.
func PersonalRoomOwner(roomID string) (string, bool) {
	if !strings.HasPrefix(roomID, personalPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(roomID, personalPrefix)
	return id, id != ""
}

// KindOf infers the kind of a room from its id prefix.
func KindOf(roomID string) (RoomKind, bool) {
	switch {
	case strings.HasPrefix(roomID, personalPrefix):
		return RoomKindPersonal, true
	case strings.HasPrefix(roomID, rolePrefix):
		return RoomKindRole, true
	case strings.HasPrefix(roomID, appointmentPrefix), strings.HasPrefix(roomID, callPrefix):
		return RoomKindEphemeralSession, true
	case strings.HasPrefix(roomID, broadcastPrefix):
		return RoomKindBroadcast, true
	default:
		return "", false
	}
}

// Principal is an authenticated (or anonymous) caller.
type Principal struct {
	Identity string `json:"identity,omitempty"`
	Role     Role   `json:"role"`
	Name     string `json:"name,omitempty"`
}

// Anonymous is the principal of a connection without a credential.
var Anonymous = Principal{Role: RoleAnonymous}

// IsAnonymous reports whether the principal has no identity.
func (p Principal) IsAnonymous() bool {
	return p.Identity == "" || p.Role == RoleAnonymous
}

// MessageKind classifies a relayed message.
type MessageKind string

const (
	MessageKindChat        MessageKind = "chat"
	MessageKindTyping      MessageKind = "typing"
	MessageKindReadReceipt MessageKind = "read-receipt"
	MessageKindSignal      MessageKind = "signal"
)

// Message is a relayed private message. It only exists for the duration of
// the relay and is never stored here.
type Message struct {
	ID            string          `json:"messageId,omitempty"`
	SenderID      string          `json:"senderId"`
	SenderRole    Role            `json:"senderRole"`
	SenderName    string          `json:"senderName,omitempty"`
	RecipientID   string          `json:"recipientId,omitempty"`
	RoomID        string          `json:"roomId,omitempty"`
	Payload       string          `json:"payload"`
	Kind          MessageKind     `json:"kind"`
	SessionRoomID string          `json:"sessionRoomId,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Ack is returned to the sender once a message is handed to the relay.
type Ack struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Source of an alert.
type Source string

const (
	SourceScreening   Source = "screening"
	SourceChat        Source = "chat"
	SourceForum       Source = "forum"
	SourceAppointment Source = "appointment"
	SourceSystem      Source = "system"
)

// AlertType selects the routing rule and the notification event.
type AlertType string

const (
	AlertCrisis             AlertType = "crisis_alert"
	AlertModeration         AlertType = "moderation_alert"
	AlertAppointment        AlertType = "appointment"
	AlertSystemAnnouncement AlertType = "system_announcement"
)

// Event returns the server event name used to deliver alerts of this type.
func (t AlertType) Event() string {
	return "notification:" + string(t)
}

// Alert is a staff or user notification emitted by a trusted collaborator.
type Alert struct {
	ID          string          `json:"alertId"`
	Type        AlertType       `json:"type"`
	Severity    Severity        `json:"severity"`
	Source      Source          `json:"source"`
	SubjectID   string          `json:"subjectId,omitempty"`
	Recipients  []string        `json:"-"`
	TargetRoles []Role          `json:"-"`
	SelfHarm    bool            `json:"-"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Targets     []string        `json:"targets,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CallType of a call.
type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeAudio CallType = "audio"
)

// CallState is the lifecycle state of a call between two identities.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
)

// CanTransition reports whether the state machine allows s -> next.
func (s CallState) CanTransition(next CallState) bool {
	switch s {
	case CallIdle:
		return next == CallRinging || next == CallEnded
	case CallRinging:
		return next == CallConnected || next == CallEnded
	case CallConnected:
		return next == CallEnded
	default:
		return false
	}
}

// EndReason records why a call reached the ended state.
type EndReason string

const (
	EndRejected     EndReason = "rejected"
	EndHangup       EndReason = "hangup"
	EndDisconnected EndReason = "disconnected"
	EndTimeout      EndReason = "timeout"
	EndUnavailable  EndReason = "unavailable"
)

// CallRecord is one audited call lifecycle transition.
type CallRecord struct {
	CallID    string    `json:"callId"`
	CallerID  string    `json:"callerId"`
	CalleeID  string    `json:"calleeId"`
	CallType  CallType  `json:"callType"`
	State     CallState `json:"state"`
	Reason    EndReason `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
