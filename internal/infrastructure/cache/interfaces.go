package cache

import "time"

// Key prefixes for consistent cache key naming
const (
	SessionPrefix     = "gov:session:"
	UserSessionPrefix = "gov:user-sessions:"
	RateLimitPrefix   = "gov:ratelimit:"
)

// Common TTL values
const (
	DefaultSessionTTL = 24 * time.Hour
	RateLimitGrace    = time.Minute
)
