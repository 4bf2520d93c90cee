package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nexfleet/linkd/internal/database"
	"github.com/nexfleet/linkd/internal/model"
)

// DeviceCodeRepository is the authoritative store for pairing records.
// Every status transition is a compare-and-swap keyed on the expected
// current status: the boolean result reports whether the caller won the
// transition, and losing is not an error.
type DeviceCodeRepository interface {
	Create(ctx context.Context, params model.CreateDeviceCodeParams) (*model.DeviceCode, error)
	FindByCode(ctx context.Context, code string) (*model.DeviceCode, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.DeviceCode, error)
	Authorize(ctx context.Context, id, accountID string) (bool, error)
	Deny(ctx context.Context, id string) (bool, error)
	Expire(ctx context.Context, id string) (bool, error)
	Consume(ctx context.Context, q database.DBTX, id string) (bool, error)
	SetNextPoll(ctx context.Context, id string, nextPollAt time.Time, pollCount int) error
	ExpireTimedOut(ctx context.Context) (int64, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type deviceCodeRepo struct {
	db *sqlx.DB
}

func NewDeviceCodeRepository(db *sqlx.DB) DeviceCodeRepository {
	return &deviceCodeRepo{db: db}
}

func (r *deviceCodeRepo) Create(ctx context.Context, params model.CreateDeviceCodeParams) (*model.DeviceCode, error) {
	var dc model.DeviceCode
	err := r.db.GetContext(ctx, &dc, `
		INSERT INTO device_codes (id, code, token_hash, client_type, status, ip_address, user_agent, next_poll_at, expires_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8)
		RETURNING *
	`, uuid.NewString(), params.Code, params.TokenHash, params.ClientType,
		params.IPAddress, params.UserAgent, params.NextPollAt, params.ExpiresAt)
	if err != nil {
		return nil, translateDuplicate(err)
	}
	return &dc, nil
}

func (r *deviceCodeRepo) FindByCode(ctx context.Context, code string) (*model.DeviceCode, error) {
	var dc model.DeviceCode
	err := r.db.GetContext(ctx, &dc, `
		SELECT * FROM device_codes
		WHERE code = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, code)
	return HandleNotFound(&dc, err)
}

func (r *deviceCodeRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.DeviceCode, error) {
	var dc model.DeviceCode
	err := r.db.GetContext(ctx, &dc, `
		SELECT * FROM device_codes
		WHERE token_hash = $1
	`, tokenHash)
	return HandleNotFound(&dc, err)
}

func (r *deviceCodeRepo) Authorize(ctx context.Context, id, accountID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_codes SET
			status = 'authorized',
			account_id = $2
		WHERE id = $1 AND status = 'pending' AND expires_at > NOW()
	`, id, accountID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (r *deviceCodeRepo) Deny(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_codes SET
			status = 'denied',
			resolved_at = NOW()
		WHERE id = $1 AND status = 'pending' AND expires_at > NOW()
	`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (r *deviceCodeRepo) Expire(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_codes SET
			status = 'expired',
			resolved_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'authorized')
	`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (r *deviceCodeRepo) Consume(ctx context.Context, q database.DBTX, id string) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE device_codes SET
			status = 'consumed',
			resolved_at = NOW()
		WHERE id = $1 AND status = 'authorized'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (r *deviceCodeRepo) SetNextPoll(ctx context.Context, id string, nextPollAt time.Time, pollCount int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_codes SET
			next_poll_at = $2,
			poll_count = $3
		WHERE id = $1
	`, id, nextPollAt, pollCount)
	return err
}

// ExpireTimedOut is the sweep step: every pending or authorized record past
// its deadline becomes expired. The status guard makes it idempotent and
// keeps it from touching consumed or denied records.
func (r *deviceCodeRepo) ExpireTimedOut(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_codes SET
			status = 'expired',
			resolved_at = NOW()
		WHERE status IN ('pending', 'authorized') AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *deviceCodeRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM device_codes
		WHERE status IN ('denied', 'expired', 'consumed') AND resolved_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
