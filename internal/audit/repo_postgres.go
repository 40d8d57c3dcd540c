package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends events to audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, account_id, type, actor_id, actor_role, ip_address,
			recipient_phone, permission_id, call_id,
			previous_status, current_status, message, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,'')::jsonb,$14)
	`,
		e.ID, e.AccountID, string(e.Type), e.ActorID, e.ActorRole, e.IPAddress,
		e.RecipientPhone, e.PermissionID, e.CallID,
		e.PreviousStatus, e.CurrentStatus, e.Message, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByRecipient(ctx context.Context, accountID, phone string, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, type, actor_id, actor_role, ip_address,
		       recipient_phone, permission_id, call_id,
		       previous_status, current_status, message, COALESCE(metadata::text, ''), created_at
		FROM audit_events
		WHERE account_id = $1 AND recipient_phone = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, accountID, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			typ string
		)
		if err := rows.Scan(
			&e.ID, &e.AccountID, &typ, &e.ActorID, &e.ActorRole, &e.IPAddress,
			&e.RecipientPhone, &e.PermissionID, &e.CallID,
			&e.PreviousStatus, &e.CurrentStatus, &e.Message, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
