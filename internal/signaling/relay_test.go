package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"carebridge/internal/conntest"
	"carebridge/internal/rooms"
	"carebridge/internal/websocket"
	"carebridge/pkg/types"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

var (
	offer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
	answer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
)

type memRecorder struct {
	mu      sync.Mutex
	records []types.CallRecord
}

func (m *memRecorder) RecordCall(_ context.Context, rec *types.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memRecorder) states() []types.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.CallState, len(m.records))
	for i, r := range m.records {
		out[i] = r.State
	}
	return out
}

type fixture struct {
	reg      *websocket.Registry
	rooms    *rooms.Manager
	relay    *Relay
	recorder *memRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := websocket.NewRegistry(false, zerolog.Nop())
	mgr := rooms.NewManager(reg, nil, zerolog.Nop())
	rec := &memRecorder{}
	return &fixture{reg: reg, rooms: mgr, relay: NewRelay(mgr, reg, rec, time.Minute, zerolog.Nop()), recorder: rec}
}

func (f *fixture) connect(t *testing.T, identity string, role types.Role) *conntest.Recorder {
	t.Helper()
	conn := conntest.New(identity, role)
	if _, err := f.reg.Register(conn); err != nil {
		t.Fatal(err)
	}
	p := conn.Principal()
	for _, m := range rooms.AutoJoinRooms(p) {
		if _, err := f.rooms.Join(p, m.RoomID, m.Kind); err != nil {
			t.Fatal(err)
		}
	}
	return conn
}

func TestRelay_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	caller := f.connect(t, "s1", types.RoleStudent)
	callee := f.connect(t, "c1", types.RoleCounsellor)

	call, err := f.relay.InitiateCall(caller, &types.InitiateCall{CalleeID: "c1", Offer: offer})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if call.State != types.CallRinging || call.Type != types.CallTypeVideo {
		t.Errorf("call = %+v", call)
	}
	incoming := callee.Find(types.EventIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("callee got %d incoming_call", len(incoming))
	}
	if ic := incoming[0].Data.(types.IncomingCall); ic.CallerID != "s1" || ic.CallID != call.ID || ic.Offer.SDP != testSDP {
		t.Errorf("incoming = %+v", ic)
	}
	if !f.rooms.IsMember("s1", types.CallRoom(call.ID)) {
		t.Error("caller should be in the call room")
	}

	accepted, err := f.relay.AcceptCall(callee, &types.AcceptCall{CallerID: "s1", Answer: answer})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State != types.CallConnected {
		t.Errorf("state = %s", accepted.State)
	}
	if got := caller.Find(types.EventCallAccepted); len(got) != 1 || got[0].Data.(types.CallAccepted).CalleeID != "c1" {
		t.Errorf("call_accepted = %v", got)
	}
	if !f.rooms.IsMember("c1", types.CallRoom(call.ID)) {
		t.Error("callee should be in the call room")
	}

	if !f.relay.RelayIceCandidate(caller, &types.IceCandidate{RecipientID: "c1", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}}) {
		t.Error("candidate within active call should be relayed")
	}
	if callee.Count(types.EventIceCandidate) != 1 {
		t.Error("callee should receive the candidate")
	}

	if err := f.relay.EndCall(callee, &types.EndCall{PeerID: "s1"}); err != nil {
		t.Fatal(err)
	}
	ended := caller.Find(types.EventCallEnded)
	if len(ended) != 1 {
		t.Fatalf("caller got %d call_ended", len(ended))
	}
	if ce := ended[0].Data.(types.CallEndedPayload); ce.PeerID != "c1" || ce.Reason != types.EndHangup {
		t.Errorf("call_ended = %+v", ce)
	}
	if _, ok := f.rooms.Room(types.CallRoom(call.ID)); ok {
		t.Error("call room should be deleted")
	}
	if _, ok := f.relay.ActiveCall("s1"); ok {
		t.Error("call should be gone")
	}

	want := []types.CallState{types.CallRinging, types.CallConnected, types.CallEnded}
	got := f.recorder.states()
	if len(got) != len(want) {
		t.Fatalf("audited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Late candidate after the call ended is dropped.
	if f.relay.RelayIceCandidate(caller, &types.IceCandidate{RecipientID: "c1", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:2"}}) {
		t.Error("late candidate must be dropped")
	}
	// Duplicate hang-up is a no-op.
	if err := f.relay.EndCall(caller, &types.EndCall{PeerID: "c1"}); err != nil {
		t.Errorf("duplicate hang-up: %v", err)
	}
}

func TestRelay_Conflict(t *testing.T) {
	f := newFixture(t)
	s1 := f.connect(t, "s1", types.RoleStudent)
	s2 := f.connect(t, "s2", types.RoleStudent)
	f.connect(t, "c1", types.RoleCounsellor)
	c2 := f.connect(t, "c2", types.RoleCounsellor)

	if _, err := f.relay.InitiateCall(s1, &types.InitiateCall{CalleeID: "c1", Offer: offer}); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		caller *conntest.Recorder
		callee string
	}{
		{"callee busy", s2, "c1"},
		{"caller busy", s1, "c2"},
		{"calling a busy caller", c2, "s1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.InitiateCall(tt.caller, &types.InitiateCall{CalleeID: tt.callee, Offer: offer})
			if !errors.Is(err, ErrCallInProgress) || types.KindOfError(err) != types.KindConflict {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestRelay_InitiateErrors(t *testing.T) {
	f := newFixture(t)
	s1 := f.connect(t, "s1", types.RoleStudent)

	if _, err := f.relay.InitiateCall(conntest.NewAnonymous(), &types.InitiateCall{CalleeID: "s1", Offer: offer}); !errors.Is(err, ErrAnonymousCall) {
		t.Errorf("anonymous err = %v", err)
	}
	if _, err := f.relay.InitiateCall(s1, &types.InitiateCall{CalleeID: "s1", Offer: offer}); !errors.Is(err, ErrSelfCall) {
		t.Errorf("self err = %v", err)
	}
	if _, err := f.relay.InitiateCall(s1, &types.InitiateCall{CalleeID: "c1", Offer: answer}); types.KindOfError(err) != types.KindValidation {
		t.Errorf("answer as offer err = %v", err)
	}
	if _, err := f.relay.AcceptCall(s1, &types.AcceptCall{CallerID: "c1", Answer: answer}); !errors.Is(err, ErrNoRingingCall) {
		t.Errorf("accept without call err = %v", err)
	}
}

func TestRelay_CallerCannotAcceptOwnCall(t *testing.T) {
	f := newFixture(t)
	s1 := f.connect(t, "s1", types.RoleStudent)
	f.connect(t, "c1", types.RoleCounsellor)
	if _, err := f.relay.InitiateCall(s1, &types.InitiateCall{CalleeID: "c1", Offer: offer}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.relay.AcceptCall(s1, &types.AcceptCall{CallerID: "c1", Answer: answer}); !errors.Is(err, ErrNoRingingCall) {
		t.Errorf("err = %v", err)
	}
}

func TestRelay_CalleeOffline(t *testing.T) {
	f := newFixture(t)
	caller := f.connect(t, "s1", types.RoleStudent)

	call, err := f.relay.InitiateCall(caller, &types.InitiateCall{CalleeID: "c1", Offer: offer, CallType: types.CallTypeAudio})
	if err != nil {
		t.Fatal(err)
	}
	if call.State != types.CallEnded || call.Reason != types.EndUnavailable {
		t.Errorf("call = %+v", call)
	}
	ended := caller.Find(types.EventCallEnded)
	if len(ended) != 1 || ended[0].Data.(types.CallEndedPayload).Reason != types.EndUnavailable {
		t.Errorf("call_ended = %v", ended)
	}
	if _, ok := f.relay.ActiveCall("s1"); ok {
		t.Error("caller should be free to call again")
	}
}

func TestRelay_Reject(t *testing.T) {
	f := newFixture(t)
	caller := f.connect(t, "s1", types.RoleStudent)
	callee := f.connect(t, "c1", types.RoleCounsellor)
	if _, err := f.relay.InitiateCall(caller, &types.InitiateCall{CalleeID: "c1", Offer: offer}); err != nil {
		t.Fatal(err)
	}
	if err := f.relay.RejectCall(callee, &types.RejectCall{CallerID: "s1"}); err != nil {
		t.Fatal(err)
	}
	got := caller.Find(types.EventCallRejected)
	if len(got) != 1 || got[0].Data.(types.CallRejected).PeerID != "c1" {
		t.Errorf("call_rejected = %v", got)
	}
	if err := f.relay.RejectCall(callee, &types.RejectCall{CallerID: "s1"}); err != nil {
		t.Errorf("second reject: %v", err)
	}
	if caller.Count(types.EventCallRejected) != 1 {
		t.Error("second reject must be a no-op")
	}
}

func TestRelay_IceCandidateWrongPairDropped(t *testing.T) {
	f := newFixture(t)
	s1 := f.connect(t, "s1", types.RoleStudent)
	f.connect(t, "c1", types.RoleCounsellor)
	other := f.connect(t, "c2", types.RoleCounsellor)
	if _, err := f.relay.InitiateCall(s1, &types.InitiateCall{CalleeID: "c1", Offer: offer}); err != nil {
		t.Fatal(err)
	}
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	if f.relay.RelayIceCandidate(s1, &types.IceCandidate{RecipientID: "c2", Candidate: candidate}) {
		t.Error("candidate to a non-party must be dropped")
	}
	if other.Count(types.EventIceCandidate) != 0 {
		t.Error("non-party received a candidate")
	}
	if f.relay.RelayIceCandidate(s1, &types.IceCandidate{RecipientID: "c1"}) {
		t.Error("empty candidate must be dropped")
	}
}

func TestRelay_DisconnectEndsCall(t *testing.T) {
	f := newFixture(t)
	caller := f.connect(t, "s1", types.RoleStudent)
	callee := f.connect(t, "c1", types.RoleCounsellor)
	if _, err := f.relay.InitiateCall(caller, &types.InitiateCall{CalleeID: "c1", Offer: offer}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.relay.AcceptCall(callee, &types.AcceptCall{CallerID: "s1", Answer: answer}); err != nil {
		t.Fatal(err)
	}

	ended := f.relay.EndAllFor("s1", types.EndDisconnected)
	if len(ended) != 1 {
		t.Fatalf("ended %d calls", len(ended))
	}
	got := callee.Find(types.EventCallEnded)
	if len(got) != 1 {
		t.Fatalf("callee got %d call_ended", len(got))
	}
	if ce := got[0].Data.(types.CallEndedPayload); ce.PeerID != "s1" || ce.Reason != types.EndDisconnected {
		t.Errorf("call_ended = %+v", ce)
	}
	if f.relay.EndAllFor("s1", types.EndDisconnected) != nil {
		t.Error("no call left to end")
	}
}

func TestRelay_ExpireRinging(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.relay.now = func() time.Time { return start }
	caller := f.connect(t, "s1", types.RoleStudent)
	callee := f.connect(t, "c1", types.RoleCounsellor)
	if _, err := f.relay.InitiateCall(caller, &types.InitiateCall{CalleeID: "c1", Offer: offer}); err != nil {
		t.Fatal(err)
	}

	if n := f.relay.ExpireRinging(start.Add(59 * time.Second)); n != 0 {
		t.Errorf("expired %d before the timeout", n)
	}
	if n := f.relay.ExpireRinging(start.Add(time.Minute)); n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	for _, conn := range []*conntest.Recorder{caller, callee} {
		got := conn.Find(types.EventCallEnded)
		if len(got) != 1 || got[0].Data.(types.CallEndedPayload).Reason != types.EndTimeout {
			t.Errorf("%s call_ended = %v", conn.Identity(), got)
		}
	}
	if stats := f.relay.Stats(); stats["active_calls"] != 0 {
		t.Errorf("stats = %v", stats)
	}
}

func TestRelay_ConnectedCallsDoNotExpire(t *testing.T) {
	f := newFixture(t)
	caller := f.connect(t, "s1", types.RoleStudent)
	callee := f.connect(t, "c1", types.RoleCounsellor)
	_, _ = f.relay.InitiateCall(caller, &types.InitiateCall{CalleeID: "c1", Offer: offer})
	_, _ = f.relay.AcceptCall(callee, &types.AcceptCall{CallerID: "s1", Answer: answer})

	if n := f.relay.ExpireRinging(time.Now().Add(time.Hour)); n != 0 {
		t.Errorf("expired %d connected calls", n)
	}
	if stats := f.relay.Stats(); stats["connected"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}
