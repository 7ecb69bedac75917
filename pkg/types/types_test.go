package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return raw
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"student", RoleStudent, true},
		{" Counsellor ", RoleCounsellor, true},
		{"ADMIN", RoleAdmin, true},
		{"moderator", RoleModerator, true},
		{"anonymous", RoleAnonymous, true},
		{"instructor", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseRole(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRole(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRoomNaming(t *testing.T) {
	if got := RoleRoom(RoleCounsellor); got != RoomCounsellors {
		t.Errorf("RoleRoom(counsellor) = %q", got)
	}
	if got := RoleRoom(RoleModerator); got != RoomModerators {
		t.Errorf("RoleRoom(moderator) = %q", got)
	}
	if got := PersonalRoom("u1"); got != "personal:u1" {
		t.Errorf("PersonalRoom = %q", got)
	}
	if id, ok := PersonalRoomOwner("personal:u1"); !ok || id != "u1" {
		t.Errorf("PersonalRoomOwner = %q, %v", id, ok)
	}
	if _, ok := PersonalRoomOwner("personal:"); ok {
		t.Error("empty personal room owner should not parse")
	}

	kinds := map[string]RoomKind{
		"personal:u1":        RoomKindPersonal,
		RoomCrisisAlerts:     RoomKindRole,
		"appointment:a1":     RoomKindEphemeralSession,
		"call:c1":            RoomKindEphemeralSession,
		RoomBroadcastAll:     RoomKindBroadcast,
	}
	for id, want := range kinds {
		if got, ok := KindOf(id); !ok || got != want {
			t.Errorf("KindOf(%q) = %q, %v; want %q", id, got, ok, want)
		}
	}
	if _, ok := KindOf("lobby"); ok {
		t.Error("unprefixed room id should have no kind")
	}
}

func TestValidateRoom(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		kind    RoomKind
		wantErr error
	}{
		{"personal", "personal:u1", RoomKindPersonal, nil},
		{"appointment", "appointment:42", RoomKindEphemeralSession, nil},
		{"empty suffix", "appointment:", RoomKindEphemeralSession, ErrInvalidRoomID},
		{"unknown prefix", "lobby:1", RoomKindEphemeralSession, ErrInvalidRoomID},
		{"kind mismatch", "role:admins", RoomKindEphemeralSession, ErrRoomKindMismatch},
		{"too long", "appointment:" + strings.Repeat("a", 130), RoomKindEphemeralSession, ErrInvalidRoomID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoom(tt.roomID, tt.kind)
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Errorf("ValidateRoom(%q, %q) = %v, want %v", tt.roomID, tt.kind, err, tt.wantErr)
			}
		})
	}
}

func TestCallStateTransitions(t *testing.T) {
	allowed := map[CallState][]CallState{
		CallIdle:      {CallRinging, CallEnded},
		CallRinging:   {CallConnected, CallEnded},
		CallConnected: {CallEnded},
		CallEnded:     {},
	}
	all := []CallState{CallIdle, CallRinging, CallConnected, CallEnded}
	for from, tos := range allowed {
		for _, to := range all {
			want := false
			for _, a := range tos {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), RateLimited("slow down"))
	if got := KindOfError(wrapped); got != KindRateLimitExceeded {
		t.Errorf("KindOfError(wrapped) = %q", got)
	}
	if got := KindOfError(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOfError(plain) = %q", got)
	}
	if !errors.Is(Invalid("payload cannot be empty"), ErrEmptyPayload) {
		t.Error("equal kind and message should match sentinel")
	}
	if errors.Is(Forbidden("payload cannot be empty"), ErrEmptyPayload) {
		t.Error("different kind must not match")
	}
}

func TestDecodeClientEvent_Valid(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  any
		check func(t *testing.T, ev ClientEvent)
	}{
		{
			name:  "join infers kind",
			event: EventJoinRoom,
			data:  map[string]any{"roomId": "appointment:7"},
			check: func(t *testing.T, ev ClientEvent) {
				j := ev.(*JoinRoom)
				if j.RoomKind != RoomKindEphemeralSession {
					t.Errorf("kind = %q", j.RoomKind)
				}
			},
		},
		{
			name:  "join accepts appointment alias",
			event: EventJoinRoom,
			data:  map[string]any{"roomId": "appointment:7", "roomKind": "appointment"},
			check: func(t *testing.T, ev ClientEvent) {
				if ev.(*JoinRoom).RoomKind != RoomKindEphemeralSession {
					t.Error("alias not normalized")
				}
			},
		},
		{
			name:  "private message defaults kind and trims",
			event: EventPrivateMessage,
			data:  map[string]any{"recipientId": "c1", "payload": "  hello  "},
			check: func(t *testing.T, ev ClientEvent) {
				m := ev.(*PrivateMessage)
				if m.Kind != MessageKindChat || m.Payload != "hello" {
					t.Errorf("got kind=%q payload=%q", m.Kind, m.Payload)
				}
			},
		},
		{
			name:  "typing private message needs no payload",
			event: EventPrivateMessage,
			data:  map[string]any{"recipientId": "c1", "kind": "typing", "isTyping": true},
			check: func(t *testing.T, ev ClientEvent) {
				if !ev.(*PrivateMessage).IsTyping {
					t.Error("isTyping lost")
				}
			},
		},
		{
			name:  "initiate call defaults to video",
			event: EventInitiateCall,
			data:  map[string]any{"calleeId": "c1", "offer": map[string]any{"type": "offer", "sdp": testSDP}},
			check: func(t *testing.T, ev ClientEvent) {
				c := ev.(*InitiateCall)
				if c.CallType != CallTypeVideo || c.Offer.Type != webrtc.SDPTypeOffer {
					t.Errorf("got %+v", c)
				}
			},
		},
		{
			name:  "ice candidate",
			event: EventIceCandidate,
			data:  map[string]any{"recipientId": "c1", "candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}},
			check: func(t *testing.T, ev ClientEvent) {
				if ev.(*IceCandidate).Candidate.Candidate == "" {
					t.Error("candidate lost")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, ev, err := DecodeClientEvent(frame(t, tt.event, tt.data))
			if err != nil {
				t.Fatalf("DecodeClientEvent: %v", err)
			}
			if name != tt.event || ev.EventName() != tt.event {
				t.Fatalf("event name = %q / %q", name, ev.EventName())
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeClientEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{"not json", []byte("{"), ErrMalformedEvent},
		{"unknown event", frame(t, "shout", map[string]any{}), ErrUnknownEvent},
		{"wrong field type", frame(t, EventTyping, map[string]any{"roomId": 5}), ErrMalformedEvent},
		{"empty payload", frame(t, EventPrivateMessage, map[string]any{"recipientId": "c1", "payload": "   "}), ErrEmptyPayload},
		{"signal kind reserved", frame(t, EventPrivateMessage, map[string]any{"recipientId": "c1", "payload": "x", "kind": "signal"}), ErrInvalidMessageKind},
		{"oversized payload", frame(t, EventPrivateMessage, map[string]any{"recipientId": "c1", "payload": strings.Repeat("x", MaxPayloadBytes+1)}), ErrPayloadTooLarge},
		{"bad room kind", frame(t, EventJoinRoom, map[string]any{"roomId": "appointment:1", "roomKind": "lobby"}), ErrInvalidRoomKind},
		{"kind mismatch", frame(t, EventJoinRoom, map[string]any{"roomId": "role:admins", "roomKind": "ephemeral-session"}), ErrRoomKindMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeClientEvent(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeClientEvent_ValidationKinds(t *testing.T) {
	raws := [][]byte{
		frame(t, EventPrivateMessage, map[string]any{"payload": "hi"}),
		frame(t, EventInitiateCall, map[string]any{"calleeId": "c1", "offer": map[string]any{"type": "answer", "sdp": testSDP}}),
		frame(t, EventInitiateCall, map[string]any{"calleeId": "c1", "offer": map[string]any{"type": "offer", "sdp": "garbage"}}),
		frame(t, EventCallAccepted, map[string]any{"callerId": "s1"}),
		frame(t, EventGetPresence, map[string]any{"identities": []string{}}),
		frame(t, EventMarkRead, map[string]any{"recipientId": "s1"}),
	}
	for i, raw := range raws {
		if _, _, err := DecodeClientEvent(raw); KindOfError(err) != KindValidation {
			t.Errorf("case %d: err = %v, want validation kind", i, err)
		}
	}
}

func TestAlertTypeEvent(t *testing.T) {
	if got := AlertCrisis.Event(); got != "notification:crisis_alert" {
		t.Errorf("crisis event = %q", got)
	}
	if got := AlertSystemAnnouncement.Event(); got != "notification:system_announcement" {
		t.Errorf("announcement event = %q", got)
	}
}
