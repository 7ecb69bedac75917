package router

import "carebridge/pkg/types"

var (
	ErrRateLimitExceeded  = types.RateLimited("rate limit exceeded, message dropped")
	ErrAnonymousMessaging = types.Unauthenticated("anonymous messaging is disabled")
	ErrAnonymousReceipt   = types.Unauthenticated("read receipts require an identity")
	ErrSelfMessage        = types.Invalid("cannot send a message to yourself")
	ErrNotInRoom          = types.Invalid("not a member of this room")
)
