package model

import (
	"time"
)

// Session is the credential issued when an authorized device code is
// consumed. The raw token leaves the server exactly once, in the poll
// response that wins the consume transition.
type Session struct {
	ID        string    `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"accountId"`
	TokenHash string    `db:"token_hash" json:"-"`
	IPAddress string    `db:"ip_address" json:"ipAddress"`
	UserAgent string    `db:"user_agent" json:"userAgent"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type CreateSessionParams struct {
	ID        string
	AccountID string
	TokenHash string
	IPAddress string
	UserAgent string
	ExpiresAt time.Time
}
