package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/nexfleet/linkd/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
}

type accountRepo struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `
		SELECT * FROM accounts
		WHERE id = $1
	`, id)
	return HandleNotFound(&a, err)
}
