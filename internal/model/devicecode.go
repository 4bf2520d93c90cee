package model

import (
	"time"
)

type CodeStatus string

const (
	CodeStatusPending    CodeStatus = "pending"
	CodeStatusAuthorized CodeStatus = "authorized"
	CodeStatusDenied     CodeStatus = "denied"
	CodeStatusExpired    CodeStatus = "expired"
	CodeStatusConsumed   CodeStatus = "consumed"
)

// Terminal reports whether no further transition can leave this status.
func (s CodeStatus) Terminal() bool {
	switch s {
	case CodeStatusDenied, CodeStatusExpired, CodeStatusConsumed:
		return true
	}
	return false
}

type ClientType string

const (
	ClientTypeMobile    ClientType = "mobile"
	ClientTypeConnector ClientType = "connector"
)

var ClientTypes = []string{string(ClientTypeMobile), string(ClientTypeConnector)}

// DeviceCode is one pairing attempt. The raw poll token is never stored;
// only TokenHash is. AccountID is set if and only if the status is
// authorized or consumed.
type DeviceCode struct {
	ID         string     `db:"id" json:"id"`
	Code       string     `db:"code" json:"code"`
	TokenHash  string     `db:"token_hash" json:"-"`
	ClientType ClientType `db:"client_type" json:"clientType"`
	Status     CodeStatus `db:"status" json:"status"`
	AccountID  *string    `db:"account_id" json:"accountId,omitempty"`
	IPAddress  string     `db:"ip_address" json:"ipAddress"`
	UserAgent  string     `db:"user_agent" json:"userAgent"`
	PollCount  int        `db:"poll_count" json:"-"`
	NextPollAt time.Time  `db:"next_poll_at" json:"-"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expiresAt"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}

// TimedOut is the pure expiry check every operation consults: a pending or
// authorized record past its deadline is expired regardless of whether the
// sweep has run.
func (d *DeviceCode) TimedOut(now time.Time) bool {
	if d.Status != CodeStatusPending && d.Status != CodeStatusAuthorized {
		return false
	}
	return now.After(d.ExpiresAt)
}

type CreateDeviceCodeParams struct {
	Code       string
	TokenHash  string
	ClientType ClientType
	IPAddress  string
	UserAgent  string
	NextPollAt time.Time
	ExpiresAt  time.Time
}
