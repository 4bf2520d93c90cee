package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/nexfleet/linkd/internal/database"
	"github.com/nexfleet/linkd/internal/model"
)

type SessionRepository interface {
	Create(ctx context.Context, q database.DBTX, params model.CreateSessionParams) (*model.Session, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type sessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

// Create inserts a session through q so it can share the transaction that
// consumes a device code.
func (r *sessionRepo) Create(ctx context.Context, q database.DBTX, params model.CreateSessionParams) (*model.Session, error) {
	var s model.Session
	err := q.GetContext(ctx, &s, `
		INSERT INTO sessions (id, account_id, token_hash, ip_address, user_agent, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.ID, params.AccountID, params.TokenHash, params.IPAddress, params.UserAgent, params.ExpiresAt)
	if err != nil {
		return nil, translateDuplicate(err)
	}
	return &s, nil
}

func (r *sessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	var s model.Session
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM sessions
		WHERE token_hash = $1 AND expires_at > NOW()
	`, tokenHash)
	return HandleNotFound(&s, err)
}

func (r *sessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
