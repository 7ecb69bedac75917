package rooms

import "carebridge/pkg/types"

var (
	ErrAnonymousJoin   = types.Forbidden("anonymous connections cannot join rooms")
	ErrJoinDenied      = types.Forbidden("role is not allowed to join this room")
	ErrNotMember       = types.Invalid("not a member of this room")
	ErrIdentityOffline = types.Invalid("identity has no live connection")
)
