package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"callbridge/pkg/utils"
)

// Repository persists calls.
type Repository interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (Call, error)
	// Update loads the row exclusively, applies fn and writes it back.
	// Concurrent updates to one call are serialized.
	Update(ctx context.Context, id string, fn func(*Call) error) (Call, error)
	List(ctx context.Context, f ListFilter) ([]Call, error)
}

// PostgresRepo stores calls in the calls table.
//
// NOTE: assumes UNIQUE (provider_call_id); NULLs do not collide.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `id, COALESCE(provider_call_id, ''), account_id, COALESCE(contact_id, ''),
       from_number, to_number, direction, status, duration_seconds,
       COALESCE(recording_url, ''), COALESCE(transcript, ''),
       COALESCE(representative_id, ''), COALESCE(routing_decision, ''), COALESCE(engagement_id, ''),
       created_at, updated_at`

func scanCall(row interface{ Scan(...any) error }) (Call, error) {
	var c Call
	if err := row.Scan(
		&c.ID,
		&c.ProviderCallID,
		&c.AccountID,
		&c.ContactID,
		&c.From,
		&c.To,
		&c.Direction,
		&c.Status,
		&c.DurationSeconds,
		&c.RecordingURL,
		&c.Transcript,
		&c.RepresentativeID,
		&c.RoutingDecision,
		&c.EngagementID,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, provider_call_id, account_id, contact_id, from_number, to_number, direction, status,
  duration_seconds, recording_url, transcript, representative_id, routing_decision, engagement_id,
  created_at, updated_at
) VALUES (
  $1, NULLIF($2,''), $3, NULLIF($4,''), $5, $6, $7, $8,
  $9, NULLIF($10,''), NULLIF($11,''), NULLIF($12,''), NULLIF($13,''), NULLIF($14,''),
  $15, $16
)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID,
		c.ProviderCallID,
		c.AccountID,
		c.ContactID,
		c.From,
		c.To,
		string(c.Direction),
		string(c.Status),
		c.DurationSeconds,
		c.RecordingURL,
		c.Transcript,
		c.RepresentativeID,
		c.RoutingDecision,
		c.EngagementID,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE provider_call_id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, providerCallID))
}

func lockCall(ctx context.Context, tx *sql.Tx, id string) (Call, error) {
	// Lock the row to serialize concurrent callbacks for one call.
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1 FOR UPDATE`
	return scanCall(tx.QueryRowContext(ctx, q, id))
}

func writeCall(ctx context.Context, tx *sql.Tx, c Call) error {
	const q = `
UPDATE calls SET
  provider_call_id = NULLIF($2,''),
  contact_id = NULLIF($3,''),
  status = $4,
  duration_seconds = $5,
  recording_url = NULLIF($6,''),
  transcript = NULLIF($7,''),
  representative_id = NULLIF($8,''),
  routing_decision = NULLIF($9,''),
  engagement_id = NULLIF($10,''),
  updated_at = $11
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q,
		c.ID,
		c.ProviderCallID,
		c.ContactID,
		string(c.Status),
		c.DurationSeconds,
		c.RecordingURL,
		c.Transcript,
		c.RepresentativeID,
		c.RoutingDecision,
		c.EngagementID,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, id string, fn func(*Call) error) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		c, err := lockCall(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		if err := writeCall(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if utils.IsUniqueViolation(err) {
		return Call{}, ErrDuplicate
	}
	if err != nil {
		return Call{}, err
	}
	return out, nil
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Call, error) {
	var (
		where = []string{"account_id = $1"}
		args  = []any{f.AccountID}
	)
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)
	q := `SELECT ` + callColumns + `
FROM calls
WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
ORDER BY created_at DESC
LIMIT NULLIF($%d::int, 0) OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
