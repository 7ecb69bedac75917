package alerts

import (
	"errors"

	"carebridge/pkg/types"
)

var (
	ErrUnknownAlertType  = types.Invalid("unknown alert type")
	ErrUnknownSeverity   = types.Invalid("unknown alert severity")
	ErrUnknownSource     = types.Invalid("unknown alert source")
	ErrMissingRecipients = types.Invalid("appointment notification needs a student and a counsellor")
	ErrMissingSubject    = types.Invalid("alert subject is required")
	ErrMissingTitle      = types.Invalid("announcement title is required")
	ErrAuditFailed       = errors.New("alert audit write failed")
)
