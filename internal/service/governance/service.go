package governance

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
)

const eventSource = "governance"

// Config configures the orchestrator.
type Config struct {
	// EnabledFrameworks narrows the catalog; empty enables every framework
	EnabledFrameworks []string
	// FreshnessDays is how old evidence may be and still count (default: 90)
	FreshnessDays int
	// HealthInterval is the period of background health checks (default: 60s)
	HealthInterval time.Duration
	// TargetMaturity is the gap analysis default target, 1-5 (default: 4)
	TargetMaturity int
	// StatsWindow bounds the job outcomes shown on the dashboard (default: 24h)
	StatsWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		FreshnessDays:  90,
		HealthInterval: 60 * time.Second,
		TargetMaturity: 4,
		StatsWindow:    24 * time.Hour,
	}
}

// propagated lists the events mirrored into the audit trail.
var propagated = []events.Type{
	events.EvidenceCollected,
	events.CollectionFailed,
	events.AlertTriggered,
	events.RiskAssessmentCompleted,
	events.RiskAccepted,
	events.MitigationAdded,
	events.AssessmentCompleted,
}

// Service composes evidence collection, the audit trail and risk assessment.
// It is the only entry point for external callers.
type Service struct {
	config  Config
	logger  *zap.Logger
	catalog *compliance.Catalog
	subs    Subsystems
	bus     *events.Bus
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time

	mu          sync.RWMutex
	enabled     *compliance.Catalog
	assessments map[string]*compliance.Assessment
	lastHealth  *HealthReport

	started     bool
	unsubscribe func()
	stop        chan struct{}
	wg          sync.WaitGroup
}

func NewService(config Config, logger *zap.Logger, catalog *compliance.Catalog, subs Subsystems, bus *events.Bus, registry *metrics.Registry) *Service {
	defaults := DefaultConfig()
	if config.FreshnessDays <= 0 {
		config.FreshnessDays = defaults.FreshnessDays
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = defaults.HealthInterval
	}
	if config.TargetMaturity < 1 || config.TargetMaturity > 5 {
		config.TargetMaturity = defaults.TargetMaturity
	}
	if config.StatsWindow <= 0 {
		config.StatsWindow = defaults.StatsWindow
	}
	return &Service{
		config:      config,
		logger:      logger.With(zap.String("component", "governance")),
		catalog:     catalog,
		subs:        subs,
		bus:         bus,
		metrics:     registry,
		tracer:      otel.Tracer("governance.service"),
		now:         time.Now,
		assessments: make(map[string]*compliance.Assessment),
		stop:        make(chan struct{}),
	}
}

// Start narrows the catalog to the enabled frameworks, schedules persisted
// collection rules, mirrors subsystem events into the audit trail and starts
// periodic health checks.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Governance.Start")
	defer span.End()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.NewConflictError("governance engine already started")
	}
	enabled, err := s.catalog.Enabled(s.config.EnabledFrameworks)
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		return err
	}
	s.enabled = enabled
	s.started = true
	s.mu.Unlock()

	scheduled, err := s.subs.Evidence.LoadRules(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(events.ObserverFunc(s.propagate), propagated...)
	}

	s.wg.Add(1)
	go s.healthLoop()

	s.logger.Info("Governance engine started",
		zap.Strings("frameworks", enabled.IDs()),
		zap.Int("scheduled_rules", scheduled),
		zap.Duration("health_interval", s.config.HealthInterval))
	return nil
}

// Frameworks lists the enabled frameworks.
func (s *Service) Frameworks() []*compliance.Framework {
	cat := s.enabledCatalog()
	ids := cat.IDs()
	out := make([]*compliance.Framework, 0, len(ids))
	for _, id := range ids {
		fw, _ := cat.Framework(id)
		out = append(out, fw)
	}
	return out
}

func (s *Service) enabledCatalog() *compliance.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.enabled != nil {
		return s.enabled
	}
	return s.catalog
}

func (s *Service) framework(id string) (*compliance.Framework, error) {
	return s.enabledCatalog().Framework(id)
}

// propagate writes a subsystem event to the audit trail as a system action.
// Alert events skip rule evaluation so an alert can never trigger itself.
func (s *Service) propagate(ctx context.Context, e events.Event) {
	resource := resourceFor(e)
	record := audit.NewSystemEvent(string(e.Type), resource, e.Data)
	record.CorrelationID = e.ID.String()

	var err error
	if e.Type == events.AlertTriggered {
		_, err = s.subs.Audit.LogSystemEvent(ctx, record)
	} else {
		_, err = s.subs.Audit.LogEvent(ctx, record)
	}
	if err != nil {
		s.logger.Warn("Failed to mirror event into audit trail",
			zap.String("event_type", string(e.Type)),
			zap.String("event_id", e.ID.String()),
			zap.Error(err))
	}
}

func resourceFor(e events.Event) audit.Resource {
	keys := []struct{ key, typ string }{
		{"evidence_id", "evidence"},
		{"mitigation_id", "mitigation"},
		{"risk_id", "risk"},
		{"assessment_id", "assessment"},
		{"job_id", "collection_job"},
		{"rule_id", "rule"},
	}
	for _, k := range keys {
		if v, ok := e.Data[k.key].(string); ok && v != "" {
			if k.key == "rule_id" && e.Type == events.AlertTriggered {
				return audit.Resource{Type: "alert_rule", ID: v}
			}
			return audit.Resource{Type: k.typ, ID: v}
		}
	}
	return audit.Resource{Type: "engine", ID: e.Source}
}

// Close stops health checks, drains collection jobs and then the audit
// trail, so events raised by the last jobs are still recorded.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	var firstErr error
	if err := s.subs.Evidence.Close(ctx); err != nil {
		s.logger.Error("Evidence shutdown failed", zap.Error(err))
		firstErr = err
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if err := s.subs.Audit.Close(ctx); err != nil {
		s.logger.Error("Audit trail shutdown failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info("Governance engine stopped")
	return firstErr
}
