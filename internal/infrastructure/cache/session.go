package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// SessionCache keeps live audit sessions in Redis hashes with a sliding TTL.
// Each user also has a set of their cached session ids.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewSessionCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "session_cache")),
	}
}

func sessionKey(id string) string { return SessionPrefix + id }
func userKey(userID string) string { return UserSessionPrefix + userID }

// Put stores the session and refreshes its TTL.
func (c *SessionCache) Put(ctx context.Context, s *audit.Session) error {
	fields := map[string]interface{}{
		"user_id":       s.UserID,
		"ip_address":    s.IPAddress,
		"user_agent":    s.UserAgent,
		"started_at":    s.StartedAt.UnixNano(),
		"last_activity": s.LastActivity.UnixNano(),
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(s.SessionID), fields)
	pipe.Expire(ctx, sessionKey(s.SessionID), c.ttl)
	pipe.SAdd(ctx, userKey(s.UserID), s.SessionID)
	pipe.Expire(ctx, userKey(s.UserID), c.ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Session cache write failed", zap.String("session_id", s.SessionID), zap.Error(err))
		return fmt.Errorf("session cache write failed: %w", err)
	}
	return nil
}

// Get returns the cached session or a not-found error.
func (c *SessionCache) Get(ctx context.Context, sessionID string) (*audit.Session, error) {
	vals, err := c.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session cache read failed: %w", err)
	}
	if len(vals) == 0 {
		return nil, errors.ErrSessionNotFound
	}

	s := &audit.Session{
		SessionID: sessionID,
		UserID:    vals["user_id"],
		IPAddress: vals["ip_address"],
		UserAgent: vals["user_agent"],
	}
	started, err := strconv.ParseInt(vals["started_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached session %s: %w", sessionID, err)
	}
	last, err := strconv.ParseInt(vals["last_activity"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached session %s: %w", sessionID, err)
	}
	s.StartedAt = time.Unix(0, started).UTC()
	s.LastActivity = time.Unix(0, last).UTC()
	return s, nil
}

// Touch moves lastActivity forward and slides the TTL. A missing session is
// reported as not found.
func (c *SessionCache) Touch(ctx context.Context, sessionID string, at time.Time) error {
	key := sessionKey(sessionID)
	current, err := c.client.HGet(ctx, key, "last_activity").Int64()
	if err == redis.Nil {
		return errors.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("session cache read failed: %w", err)
	}

	pipe := c.client.TxPipeline()
	if at.UnixNano() > current {
		pipe.HSet(ctx, key, "last_activity", at.UnixNano())
	}
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session cache touch failed: %w", err)
	}
	return nil
}

// Remove evicts a session.
func (c *SessionCache) Remove(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)
	userID, err := c.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session cache read failed: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, userKey(userID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session cache delete failed: %w", err)
	}
	return nil
}

// UserSessions lists cached session ids of a user, pruning ids whose hash
// has expired.
func (c *SessionCache) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := c.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session cache read failed: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := c.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("session cache read failed: %w", err)
		}
		if n == 0 {
			c.client.SRem(ctx, userKey(userID), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}
