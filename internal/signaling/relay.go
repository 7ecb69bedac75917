// Package signaling tracks one call per pair of identities and relays the
// WebRTC offer, answer and ICE candidates between them. Media never passes
// through the server.
package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"carebridge/internal/rooms"
	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// DefaultRingTimeout ends a call nobody answered.
const DefaultRingTimeout = 45 * time.Second

// Call is a snapshot of a call session.
type Call struct {
	ID         string          `json:"callId"`
	CallerID   string          `json:"callerId"`
	CalleeID   string          `json:"calleeId"`
	Type       types.CallType  `json:"callType"`
	State      types.CallState `json:"state"`
	Reason     types.EndReason `json:"reason,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	AnsweredAt time.Time       `json:"answeredAt,omitempty"`
}

// Peer returns the other party of the call.
func (c Call) Peer(identity string) string {
	if identity == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// Relay owns every non-ended call. An identity is party to at most one.
//
// Lock order: r.mu is released before the room manager, the directory or
// the recorder are called.
type Relay struct {
	mu         sync.Mutex
	calls      map[string]*Call
	byIdentity map[string]string // identity -> call id

	rooms       *rooms.Manager
	dir         interfaces.Directory
	recorder    interfaces.CallRecorder
	ringTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewRelay creates a signaling relay. recorder may be nil. It is called
// from the hub loop, so a store that can block belongs behind a CallLog.
func NewRelay(roomManager *rooms.Manager, dir interfaces.Directory, recorder interfaces.CallRecorder, ringTimeout time.Duration, logger zerolog.Logger) *Relay {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Relay{
		calls:       make(map[string]*Call),
		byIdentity:  make(map[string]string),
		rooms:       roomManager,
		dir:         dir,
		recorder:    recorder,
		ringTimeout: ringTimeout,
		now:         time.Now,
		log:         logger.With().Str("component", "signaling").Logger(),
	}
}

// InitiateCall rings the callee. If the callee is offline the call ends
// at once as unavailable and the caller is told.
func (r *Relay) InitiateCall(caller interfaces.Connection, ev *types.InitiateCall) (Call, error) {
	if err := ev.Validate(); err != nil {
		return Call{}, err
	}
	p := caller.Principal()
	if p.IsAnonymous() {
		return Call{}, ErrAnonymousCall
	}
	if ev.CalleeID == p.Identity {
		return Call{}, ErrSelfCall
	}

	r.mu.Lock()
	_, callerBusy := r.byIdentity[p.Identity]
	_, calleeBusy := r.byIdentity[ev.CalleeID]
	if callerBusy || calleeBusy {
		r.mu.Unlock()
		return Call{}, ErrCallInProgress
	}
	call := &Call{
		ID:        uuid.NewString(),
		CallerID:  p.Identity,
		CalleeID:  ev.CalleeID,
		Type:      ev.CallType,
		State:     types.CallRinging,
		StartedAt: r.now(),
	}
	r.calls[call.ID] = call
	r.byIdentity[call.CallerID] = call.ID
	r.byIdentity[call.CalleeID] = call.ID
	snapshot := *call
	r.mu.Unlock()

	log := r.log.With().Str("call_id", call.ID).Str("identity", p.Identity).Str("callee", ev.CalleeID).Logger()
	r.record(snapshot)

	if _, err := r.rooms.Join(p, types.CallRoom(call.ID), types.RoomKindEphemeralSession); err != nil {
		log.Debug().Err(err).Msg("caller could not join call room")
	}

	if !r.dir.IsOnline(ev.CalleeID) {
		ended, ok := r.end(call.ID, types.EndUnavailable)
		if ok {
			r.notifyEnded(ended, ended.CallerID)
			log.Debug().Msg("callee offline, call unavailable")
			return ended, nil
		}
	}

	r.rooms.Publish(types.PersonalRoom(ev.CalleeID), types.NewEnvelope(types.EventIncomingCall, types.IncomingCall{
		CallID:     call.ID,
		CallerID:   p.Identity,
		CallerName: p.Name,
		CallerRole: p.Role,
		Offer:      ev.Offer,
		CallType:   ev.CallType,
	}))
	log.Info().Str("call_type", string(ev.CallType)).Msg("call ringing")
	return snapshot, nil
}

// AcceptCall connects the ringing call placed by ev.CallerID and forwards
// the answer to the caller.
func (r *Relay) AcceptCall(callee interfaces.Connection, ev *types.AcceptCall) (Call, error) {
	if err := ev.Validate(); err != nil {
		return Call{}, err
	}
	p := callee.Principal()
	if p.IsAnonymous() {
		return Call{}, ErrAnonymousCall
	}

	r.mu.Lock()
	call := r.callLocked(p.Identity, ev.CallerID)
	if call == nil || call.CalleeID != p.Identity || !call.State.CanTransition(types.CallConnected) {
		r.mu.Unlock()
		return Call{}, ErrNoRingingCall
	}
	call.State = types.CallConnected
	call.AnsweredAt = r.now()
	snapshot := *call
	r.mu.Unlock()

	r.record(snapshot)
	if _, err := r.rooms.Join(p, types.CallRoom(call.ID), types.RoomKindEphemeralSession); err != nil {
		r.log.Debug().Err(err).Str("call_id", call.ID).Msg("callee could not join call room")
	}
	r.rooms.Publish(types.PersonalRoom(call.CallerID), types.NewEnvelope(types.EventCallAccepted, types.CallAccepted{
		CallID:   call.ID,
		CalleeID: p.Identity,
		Answer:   ev.Answer,
	}))
	r.log.Info().Str("call_id", call.ID).Msg("call connected")
	return snapshot, nil
}

// RejectCall ends the call with ev.CallerID as rejected. With no active
// call between the pair it does nothing.
func (r *Relay) RejectCall(conn interfaces.Connection, ev *types.RejectCall) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	identity := conn.Identity()
	ended, ok := r.endBetween(identity, ev.CallerID, types.EndRejected)
	if !ok {
		return nil
	}
	r.rooms.Publish(types.PersonalRoom(ended.Peer(identity)), types.NewEnvelope(types.EventCallRejected, types.CallRejected{
		CallID: ended.ID,
		PeerID: identity,
	}))
	return nil
}

// EndCall hangs up the call with ev.PeerID. With no active call between
// the pair it does nothing.
func (r *Relay) EndCall(conn interfaces.Connection, ev *types.EndCall) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	identity := conn.Identity()
	ended, ok := r.endBetween(identity, ev.PeerID, types.EndHangup)
	if !ok {
		return nil
	}
	r.notifyEnded(ended, ended.Peer(identity))
	return nil
}

// RelayIceCandidate forwards a candidate to the other party of an active
// call. Candidates outside such a pairing are dropped; it reports whether
// the candidate was forwarded.
func (r *Relay) RelayIceCandidate(conn interfaces.Connection, ev *types.IceCandidate) bool {
	if ev.Validate() != nil || ev.Candidate.Candidate == "" {
		return false
	}
	sender := conn.Identity()
	r.mu.Lock()
	call := r.callLocked(sender, ev.RecipientID)
	var callID string
	if call != nil {
		callID = call.ID
	}
	r.mu.Unlock()

	if callID == "" {
		r.log.Debug().Str("identity", sender).Str("recipient", ev.RecipientID).Msg("ice candidate outside active call dropped")
		return false
	}
	r.rooms.Publish(types.PersonalRoom(ev.RecipientID), types.NewEnvelope(types.EventIceCandidate, types.IceCandidateRelay{
		CallID:    callID,
		SenderID:  sender,
		Candidate: ev.Candidate,
	}))
	return true
}

// EndAllFor ends the active call of identity, if any, and notifies the
// counterpart. Used when the identity's last connection goes away.
func (r *Relay) EndAllFor(identity string, reason types.EndReason) []Call {
	r.mu.Lock()
	callID, ok := r.byIdentity[identity]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ended, ok := r.end(callID, reason)
	if !ok {
		return nil
	}
	r.notifyEnded(ended, ended.Peer(identity))
	return []Call{ended}
}

// ExpireRinging ends every call that has rung longer than the ring
// timeout and notifies both parties. It returns how many expired.
func (r *Relay) ExpireRinging(now time.Time) int {
	r.mu.Lock()
	var expired []string
	for id, call := range r.calls {
		if call.State == types.CallRinging && !now.Before(call.StartedAt.Add(r.ringTimeout)) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(expired)
	count := 0
	for _, id := range expired {
		ended, ok := r.end(id, types.EndTimeout)
		if !ok {
			continue
		}
		r.notifyEnded(ended, ended.CallerID)
		r.notifyEnded(ended, ended.CalleeID)
		count++
	}
	return count
}

// ActiveCall returns the non-ended call identity is party to.
func (r *Relay) ActiveCall(identity string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIdentity[identity]
	if !ok {
		return Call{}, false
	}
	return *r.calls[id], true
}

// Stats returns call counts for monitoring.
func (r *Relay) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := map[string]int{"active_calls": len(r.calls), "ringing": 0, "connected": 0}
	for _, call := range r.calls {
		switch call.State {
		case types.CallRinging:
			stats["ringing"]++
		case types.CallConnected:
			stats["connected"]++
		}
	}
	return stats
}

// callLocked returns the active call between a and b. Caller holds r.mu.
func (r *Relay) callLocked(a, b string) *Call {
	id, ok := r.byIdentity[a]
	if !ok {
		return nil
	}
	call := r.calls[id]
	if call == nil || call.Peer(a) != b {
		return nil
	}
	return call
}

func (r *Relay) endBetween(a, b string, reason types.EndReason) (Call, bool) {
	if a == "" {
		return Call{}, false
	}
	r.mu.Lock()
	call := r.callLocked(a, b)
	r.mu.Unlock()
	if call == nil {
		return Call{}, false
	}
	return r.end(call.ID, reason)
}

// end moves a call to ended, forgets it and tears down its room. It
// reports false if another path ended the call first.
func (r *Relay) end(callID string, reason types.EndReason) (Call, bool) {
	r.mu.Lock()
	call, ok := r.calls[callID]
	if !ok || !call.State.CanTransition(types.CallEnded) {
		r.mu.Unlock()
		return Call{}, false
	}
	call.State = types.CallEnded
	call.Reason = reason
	delete(r.calls, callID)
	delete(r.byIdentity, call.CallerID)
	delete(r.byIdentity, call.CalleeID)
	snapshot := *call
	r.mu.Unlock()

	r.record(snapshot)
	room := types.CallRoom(callID)
	for _, identity := range []string{snapshot.CallerID, snapshot.CalleeID} {
		if r.rooms.IsMember(identity, room) {
			_ = r.rooms.Leave(identity, room)
		}
	}
	r.log.Info().Str("call_id", callID).Str("reason", string(reason)).Msg("call ended")
	return snapshot, true
}

// notifyEnded tells one party the call is over.
func (r *Relay) notifyEnded(call Call, to string) {
	r.rooms.Publish(types.PersonalRoom(to), types.NewEnvelope(types.EventCallEnded, types.CallEndedPayload{
		CallID: call.ID,
		PeerID: call.Peer(to),
		Reason: call.Reason,
	}))
}

func (r *Relay) record(call Call) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordCall(context.Background(), &types.CallRecord{
		CallID:    call.ID,
		CallerID:  call.CallerID,
		CalleeID:  call.CalleeID,
		CallType:  call.Type,
		State:     call.State,
		Reason:    call.Reason,
		Timestamp: r.now(),
	})
	if err != nil {
		r.log.Warn().Err(err).Str("call_id", call.ID).Str("state", string(call.State)).Msg("call transition not audited")
	}
}
