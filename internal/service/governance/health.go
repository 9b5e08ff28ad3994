package governance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const healthCheckTimeout = 10 * time.Second

// ComponentHealth is the state of one subsystem.
type ComponentHealth struct {
	Status  HealthStatus           `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is the state of the engine.
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthCheck probes every subsystem and publishes the report.
func (s *Service) HealthCheck(ctx context.Context) *HealthReport {
	ctx, span := s.tracer.Start(ctx, "Governance.HealthCheck")
	defer span.End()

	report := &HealthReport{
		Status:     StatusHealthy,
		CheckedAt:  s.now().UTC(),
		Components: make(map[string]ComponentHealth, 3),
	}
	report.Components["evidence"] = s.checkEvidence(ctx)
	report.Components["audit"] = s.checkAudit()
	report.Components["risk"] = s.checkRisk(ctx)

	for _, c := range report.Components {
		switch {
		case c.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case c.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}

	s.mu.Lock()
	s.lastHealth = report
	s.mu.Unlock()

	if s.bus != nil {
		components := make(map[string]interface{}, len(report.Components))
		for name, c := range report.Components {
			components[name] = string(c.Status)
		}
		s.bus.Publish(ctx, events.NewEvent(events.HealthCheck, eventSource, map[string]interface{}{
			"status":     string(report.Status),
			"components": components,
		}))
	}
	return report
}

// LastHealth returns the most recent report, or nil before the first check.
func (s *Service) LastHealth() *HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHealth
}

func (s *Service) checkEvidence(ctx context.Context) ComponentHealth {
	stats, err := s.subs.Evidence.Stats(ctx, s.now().Add(-s.config.StatsWindow))
	if err != nil {
		return ComponentHealth{Status: StatusUnhealthy, Error: err.Error()}
	}
	h := ComponentHealth{
		Status: StatusHealthy,
		Details: map[string]interface{}{
			"scheduled_rules": s.subs.Evidence.ScheduledRules(),
			"records":         stats.Evidence.Total,
			"jobs_completed":  stats.Jobs.Completed,
			"jobs_failed":     stats.Jobs.Failed,
		},
	}
	if stats.Jobs.Failed > 0 && stats.Jobs.Failed >= stats.Jobs.Completed {
		h.Status = StatusDegraded
	}
	return h
}

func (s *Service) checkAudit() ComponentHealth {
	ah := s.subs.Audit.Health()
	h := ComponentHealth{
		Status: StatusHealthy,
		Error:  ah.LastError,
		Details: map[string]interface{}{
			"pending":    ah.Pending,
			"last_flush": ah.LastFlush,
		},
	}
	switch {
	case ah.Closed:
		h.Status = StatusUnhealthy
	case !ah.Healthy:
		h.Status = StatusDegraded
	}
	return h
}

func (s *Service) checkRisk(ctx context.Context) ComponentHealth {
	h := ComponentHealth{Status: StatusHealthy, Details: map[string]interface{}{}}
	for _, fw := range s.enabledCatalog().IDs() {
		risks, err := s.subs.Risk.ListRisks(ctx, fw)
		if err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Error: err.Error()}
		}
		h.Details[fw] = len(risks)
		if _, err := s.subs.Risk.LatestAssessment(ctx, fw); err != nil && !errors.IsNotFound(err) {
			return ComponentHealth{Status: StatusUnhealthy, Error: err.Error()}
		}
	}
	return h
}

func (s *Service) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			report := s.HealthCheck(ctx)
			cancel()
			if report.Status != StatusHealthy {
				fields := []zap.Field{zap.String("status", string(report.Status))}
				for name, c := range report.Components {
					if c.Status != StatusHealthy {
						fields = append(fields, zap.String(name, string(c.Status)))
					}
				}
				s.logger.Warn("Governance health degraded", fields...)
			}
		}
	}
}
