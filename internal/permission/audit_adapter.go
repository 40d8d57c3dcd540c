package permission

import (
	"context"

	"callbridge/internal/audit"
)

// AuditAdapter bridges ledger transitions to the shared audit.Service.
// It keeps the workflow free of audit storage concerns.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) PermissionChanged(ctx context.Context, rec Record, previous Status) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.Append(ctx, audit.Event{
		AccountID:      rec.AccountID,
		Type:           eventType(rec.Status),
		RecipientPhone: rec.RecipientPhone,
		PermissionID:   rec.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(rec.Status),
		Message:        "consent " + string(rec.Status),
	})
}

func eventType(s Status) audit.EventType {
	switch s {
	case StatusGranted:
		return audit.EventTypePermissionGranted
	case StatusDenied:
		return audit.EventTypePermissionDenied
	case StatusExpired:
		return audit.EventTypePermissionExpired
	default:
		return audit.EventTypePermissionRequested
	}
}
