package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// CreateSession persists a new session and caches it.
func (s *Service) CreateSession(ctx context.Context, session *audit.Session) (*audit.Session, error) {
	now := s.now().UTC()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.LastActivity = session.StartedAt
	session.EndedAt = nil

	if err := session.Validate(); err != nil {
		return nil, err
	}
	if err := s.repos.Sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, session); err != nil {
			s.logger.Warn("Failed to cache session", zap.String("session_id", session.SessionID), zap.Error(err))
		}
	}
	return session, nil
}

// EndSession stamps the end time and evicts the cached copy.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	if err := s.repos.Sessions.EndSession(ctx, sessionID, s.now().UTC()); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Remove(ctx, sessionID); err != nil {
			s.logger.Warn("Failed to evict cached session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// GetSession reads through the cache.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*audit.Session, error) {
	if s.cache != nil {
		sess, err := s.cache.Get(ctx, sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.IsNotFound(err) {
			s.logger.Warn("Session cache read failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	sess, err := s.repos.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && sess.Active() {
		_ = s.cache.Put(ctx, sess)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]*audit.Session, error) {
	return s.repos.Sessions.ListSessions(ctx, userID, activeOnly)
}

// touchActivity advances lastActivity as an event is accepted. The hot cache
// takes the update when it holds the session; otherwise the repository row is
// touched directly. touchSessions makes the cached value durable at flush.
func (s *Service) touchActivity(ctx context.Context, e *audit.Event) {
	if e.SessionID == "" || e.SessionID == audit.SystemActor || s.repos.Sessions == nil {
		return
	}
	if s.cache != nil {
		err := s.cache.Touch(ctx, e.SessionID, e.Timestamp)
		if err == nil {
			return
		}
		if !errors.IsNotFound(err) {
			s.logger.Warn("Failed to touch cached session", zap.String("session_id", e.SessionID), zap.Error(err))
		}
	}
	if err := s.repos.Sessions.TouchSession(ctx, e.SessionID, e.Timestamp); err != nil && !errors.IsNotFound(err) {
		s.logger.Warn("Failed to touch session", zap.String("session_id", e.SessionID), zap.Error(err))
	}
}

// touchSessions advances lastActivity for every session seen in a written
// batch. Unknown sessions are ignored.
func (s *Service) touchSessions(ctx context.Context, batch []*audit.Event) {
	if s.repos.Sessions == nil {
		return
	}
	latest := make(map[string]time.Time)
	for _, e := range batch {
		if e.SessionID == "" || e.SessionID == audit.SystemActor {
			continue
		}
		if e.Timestamp.After(latest[e.SessionID]) {
			latest[e.SessionID] = e.Timestamp
		}
	}
	for id, at := range latest {
		if err := s.repos.Sessions.TouchSession(ctx, id, at); err != nil {
			if !errors.IsNotFound(err) {
				s.logger.Warn("Failed to touch session", zap.String("session_id", id), zap.Error(err))
			}
			continue
		}
		if s.cache != nil {
			if err := s.cache.Touch(ctx, id, at); err != nil && !errors.IsNotFound(err) {
				s.logger.Warn("Failed to touch cached session", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
}
