package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callbridge/pkg/utils"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Repository interface {
	Get(ctx context.Context, id string) (Account, error)
	GetByCRMAccountID(ctx context.Context, crmAccountID string) (Account, error)
	// FindByChannelAddress returns the active account sending from address.
	FindByChannelAddress(ctx context.Context, address string) (Account, error)
	Upsert(ctx context.Context, in Install, now time.Time) (Account, error)
	SetChannelAddress(ctx context.Context, id, address string, now time.Time) (Account, error)
	SetCallingSettings(ctx context.Context, id string, s CallingSettings, now time.Time) error
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt, now time.Time) error
}

// PostgresRepo stores accounts in the accounts table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const accountColumns = `id, crm_account_id, access_token, refresh_token, token_expires_at,
       channel_address, calling_settings, is_active, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var (
		a        Account
		address  sql.NullString
		settings []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.CRMAccountID,
		&a.AccessToken,
		&a.RefreshToken,
		&a.TokenExpiresAt,
		&address,
		&settings,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	a.ChannelAddress = address.String
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &a.CallingSettings); err != nil {
			return Account{}, fmt.Errorf("decode calling settings: %w", err)
		}
	}
	return a, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetByCRMAccountID(ctx context.Context, crmAccountID string) (Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE crm_account_id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, q, crmAccountID))
}

func (r *PostgresRepo) FindByChannelAddress(ctx context.Context, address string) (Account, error) {
	q := `SELECT ` + accountColumns + `
FROM accounts
WHERE channel_address = $1 AND is_active
LIMIT 1`
	return scanAccount(r.db.QueryRowContext(ctx, q, address))
}

func (r *PostgresRepo) Upsert(ctx context.Context, in Install, now time.Time) (Account, error) {
	q := `
INSERT INTO accounts (
  id, crm_account_id, access_token, refresh_token, token_expires_at, is_active, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,TRUE,$6,$6)
ON CONFLICT (crm_account_id)
DO UPDATE SET access_token = EXCLUDED.access_token,
              refresh_token = EXCLUDED.refresh_token,
              token_expires_at = EXCLUDED.token_expires_at,
              is_active = TRUE,
              updated_at = EXCLUDED.updated_at
RETURNING ` + accountColumns
	a, err := scanAccount(r.db.QueryRowContext(ctx, q,
		uuid.NewString(), in.CRMAccountID, in.AccessToken, in.RefreshToken, in.TokenExpiresAt, now))
	if err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	return a, nil
}

func (r *PostgresRepo) SetChannelAddress(ctx context.Context, id, address string, now time.Time) (Account, error) {
	q := `
UPDATE accounts SET channel_address = NULLIF($2, ''), updated_at = $3
WHERE id = $1
RETURNING ` + accountColumns
	a, err := scanAccount(r.db.QueryRowContext(ctx, q, id, address, now))
	if utils.IsUniqueViolation(err) {
		return Account{}, ErrDuplicate
	}
	return a, err
}

func (r *PostgresRepo) SetCallingSettings(ctx context.Context, id string, s CallingSettings, now time.Time) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET calling_settings = $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, string(raw), now)
	if err != nil {
		return fmt.Errorf("set calling settings: %w", err)
	}
	return mustAffect(res)
}

func (r *PostgresRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE accounts
SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = $5
WHERE id = $1`, id, accessToken, refreshToken, expiresAt, now)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
