package ingest

import (
	"errors"

	"carebridge/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("ingest subscriber already started")
	ErrMissingURL     = errors.New("nats url cannot be empty")
	ErrUnknownSubject = types.Invalid("unknown alert subject")
	ErrMalformedAlert = types.Invalid("alert body is not valid JSON")
)
