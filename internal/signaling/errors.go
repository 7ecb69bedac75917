package signaling

import (
	"errors"

	"carebridge/pkg/types"
)

var (
	ErrAnonymousCall  = types.Unauthenticated("calls require an identity")
	ErrSelfCall       = types.Invalid("cannot call yourself")
	ErrCallInProgress = types.Conflict("caller or callee already has an active call")
	ErrNoRingingCall  = types.Invalid("no ringing call from this caller")

	ErrCallLogFull   = errors.New("call log queue is full")
	ErrCallLogClosed = errors.New("call log is closed")
)
