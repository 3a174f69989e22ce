// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Call lifecycle constants
const (
	// CallRingTimeout is how long an unanswered call stream lives before the
	// store expires it. Expiry makes the stream vanish silently; clients see
	// "no call" rather than an explicit timeout event.
	CallRingTimeout = 90 * time.Second

	// CallEndedGraceTTL keeps a terminated call stream readable for a short
	// window so late readers can still observe the terminal reason and
	// duration before the log disappears.
	CallEndedGraceTTL = 5 * time.Second
)

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 24 * time.Hour
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)
