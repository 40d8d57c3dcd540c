package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callbridge/pkg/utils"

	"github.com/google/uuid"
)

// Repository is the durable consent ledger.
type Repository interface {
	// Find returns the record for the pair or ErrNotFound.
	Find(ctx context.Context, recipient, accountID string) (Record, error)

	// CountRequestsSince counts delivered prompts for the pair at or after since.
	CountRequestsSince(ctx context.Context, recipient, accountID string, since time.Time) (int, error)

	// RecordRequest logs a delivered prompt and upserts the pair's record to
	// pending, incrementing RequestCount and setting LastRequestAt. Atomic.
	RecordRequest(ctx context.Context, req RequestLog) (Record, error)

	// ChangeStatus applies ch only if the record is still in status from.
	// It reports whether the change was applied.
	ChangeStatus(ctx context.Context, id string, from Status, ch StatusChange) (Record, bool, error)
}

// PostgresRepo stores the ledger in call_permissions and permission_requests.
//
// NOTE: assumes UNIQUE (recipient_phone, account_id) on call_permissions.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const recordColumns = `id, recipient_phone, account_id, status, granted_at, expires_at,
       request_count, last_request_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                              Record
		status                         string
		grantedAt, expiresAt, lastSent sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.RecipientPhone,
		&r.AccountID,
		&status,
		&grantedAt,
		&expiresAt,
		&r.RequestCount,
		&lastSent,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.Status = Status(status)
	r.GrantedAt = utils.TimePtr(grantedAt)
	r.ExpiresAt = utils.TimePtr(expiresAt)
	r.LastRequestAt = utils.TimePtr(lastSent)
	return r, nil
}

func (p *PostgresRepo) Find(ctx context.Context, recipient, accountID string) (Record, error) {
	q := `SELECT ` + recordColumns + `
FROM call_permissions
WHERE recipient_phone = $1 AND account_id = $2
`
	return scanRecord(p.db.QueryRowContext(ctx, q, recipient, accountID))
}

func (p *PostgresRepo) CountRequestsSince(ctx context.Context, recipient, accountID string, since time.Time) (int, error) {
	const q = `
SELECT COUNT(*)
FROM permission_requests
WHERE recipient_phone = $1 AND account_id = $2 AND requested_at >= $3
`
	var n int
	if err := p.db.QueryRowContext(ctx, q, recipient, accountID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count permission requests: %w", err)
	}
	return n, nil
}

func (p *PostgresRepo) RecordRequest(ctx context.Context, req RequestLog) (Record, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var out Record
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := insertRequestLog(ctx, tx, req); err != nil {
			return err
		}
		rec, err := upsertPending(ctx, tx, req)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("record permission request: %w", err)
	}
	return out, nil
}

func insertRequestLog(ctx context.Context, tx *sql.Tx, req RequestLog) error {
	const q = `
INSERT INTO permission_requests (id, recipient_phone, account_id, message_id, requested_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err := tx.ExecContext(ctx, q, req.ID, req.RecipientPhone, req.AccountID, req.MessageID, req.RequestedAt)
	return err
}

func upsertPending(ctx context.Context, tx *sql.Tx, req RequestLog) (Record, error) {
	q := `
INSERT INTO call_permissions (
  id, recipient_phone, account_id, status, request_count, last_request_at, created_at, updated_at
) VALUES ($1,$2,$3,'pending',1,$4,$4,$4)
ON CONFLICT (recipient_phone, account_id)
DO UPDATE SET status = 'pending',
              request_count = call_permissions.request_count + 1,
              last_request_at = EXCLUDED.last_request_at,
              updated_at = EXCLUDED.updated_at
RETURNING ` + recordColumns
	return scanRecord(tx.QueryRowContext(ctx, q, uuid.NewString(), req.RecipientPhone, req.AccountID, req.RequestedAt))
}

func (p *PostgresRepo) ChangeStatus(ctx context.Context, id string, from Status, ch StatusChange) (Record, bool, error) {
	// granted_at/expires_at are only overwritten when supplied, so a denial
	// keeps whatever expiry the record had.
	q := `
UPDATE call_permissions
SET status = $3,
    granted_at = COALESCE($4::timestamptz, granted_at),
    expires_at = COALESCE($5::timestamptz, expires_at),
    updated_at = $6
WHERE id = $1 AND status = $2
RETURNING ` + recordColumns
	rec, err := scanRecord(p.db.QueryRowContext(ctx, q,
		id,
		string(from),
		string(ch.To),
		utils.NullTime(ch.GrantedAt),
		utils.NullTime(ch.ExpiresAt),
		ch.At,
	))
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("change permission status: %w", err)
	}
	return rec, true, nil
}
