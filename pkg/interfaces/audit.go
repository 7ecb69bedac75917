package interfaces

import (
	"context"

	"carebridge/pkg/types"
)

// AuditStore durably records alerts and call lifecycle transitions. The
// real-time path never reads from it.
type AuditStore interface {
	RecordAlert(ctx context.Context, alert *types.Alert) error
	RecordCall(ctx context.Context, record *types.CallRecord) error
	RecentAlerts(ctx context.Context, limit int) ([]*types.Alert, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// CallRecorder is the subset of AuditStore used by call signaling.
type CallRecorder interface {
	RecordCall(ctx context.Context, record *types.CallRecord) error
}

// AlertRecorder is the subset of AuditStore used by alert emission.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, alert *types.Alert) error
}
