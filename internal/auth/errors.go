package auth

import "carebridge/pkg/types"

var (
	ErrMissingSecret   = types.Invalid("auth secret cannot be empty")
	ErrInvalidToken    = types.Unauthenticated("invalid or expired credential")
	ErrMissingIdentity = types.Unauthenticated("credential has no subject")
	ErrInvalidRole     = types.Unauthenticated("credential has no usable role")
)
