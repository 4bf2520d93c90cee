package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const SweepJobInterval = 1 * time.Minute

// Heartbeat interval for persistent notification connections
const HeartbeatInterval = 30 * time.Second

// Default rate limiting
const (
	CreateCodeLimitPerMin = 10
	PollLimitPerMin       = 60
	AuthorizeLimitPerMin  = 30
)
