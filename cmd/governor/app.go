package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/api/rest"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/cache"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/config"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/database"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/memstore"
	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
	auditsvc "github.com/davidleathers/compliance-governance-engine/internal/service/audit"
	evidencesvc "github.com/davidleathers/compliance-governance-engine/internal/service/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/service/governance"
	risksvc "github.com/davidleathers/compliance-governance-engine/internal/service/risk"
)

// stores is the storage backend chosen by storage.driver.
type stores struct {
	evidence evidence.Store
	rules    evidence.RuleRepository
	audit    auditsvc.Repositories
	risks    risk.Repository
}

func memoryStores() stores {
	m := memstore.New()
	return stores{
		evidence: m.Evidence,
		rules:    m.Rules,
		audit: auditsvc.Repositories{
			Events:     m.Audit,
			Rollups:    m.Audit,
			AlertRules: m.Alerts,
			Sessions:   m.Sessions,
			Policies:   m.Retention,
		},
		risks: m.Risks,
	}
}

func postgresStores(pool *database.ConnectionPool) stores {
	r := database.NewRepositories(pool)
	return stores{
		evidence: r.Evidence,
		rules:    r.Rules,
		audit: auditsvc.Repositories{
			Events:     r.Audit,
			Rollups:    r.Audit,
			AlertRules: r.Alerts,
			Sessions:   r.Sessions,
			Policies:   r.Retention,
		},
		risks: r.Risks,
	}
}

type appOptions struct {
	// migrate applies pending schema migrations before the repositories are used
	migrate bool
}

// app is the fully wired engine.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *metrics.Registry
	bus      *events.Bus
	hub      *events.Hub

	pool  *database.ConnectionPool
	redis *redis.Client

	evidence   *evidencesvc.Service
	audit      *auditsvc.Service
	risk       *risksvc.Service
	governance *governance.Service

	closers []func(context.Context) error
}

// newApp connects storage, builds every service and starts the orchestrator.
// On error everything already opened is released.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	started := false
	defer func() {
		if !started {
			a.close(context.Background())
		}
	}()

	var err error
	a.registry, err = metrics.NewRegistry(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics registry: %w", err)
	}
	a.bus = events.NewBus(logger)
	a.hub = events.NewHub(logger, events.DefaultWebSocketConfig())
	unsubscribe := a.bus.Subscribe(a.hub)
	a.closers = append(a.closers, func(context.Context) error {
		unsubscribe()
		return nil
	})

	var st stores
	switch cfg.Storage.Driver {
	case "postgres":
		a.pool, err = database.NewConnectionPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if opts.migrate {
			if err := migrateUp(a.pool, cfg.Database.MigrationsPath, logger); err != nil {
				return nil, err
			}
		}
		st = postgresStores(a.pool)
	default:
		logger.Warn("Using in-memory storage; data is lost on exit")
		st = memoryStores()
	}

	var sessionCache auditsvc.SessionCache
	if cfg.Redis.URL != "" {
		a.redis, err = cache.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		sessionCache = cache.NewSessionCache(a.redis, cfg.Redis.SessionTTL, logger)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	catalog, err := compliance.LoadCatalog(cfg.Governance.CatalogPath)
	if err != nil {
		return nil, err
	}

	a.evidence = evidencesvc.NewService(
		evidencesvc.Config{RetentionDays: cfg.Evidence.RetentionDays},
		logger, st.evidence, st.rules, a.collectors(), a.bus, a.registry)

	a.audit = auditsvc.NewService(
		auditsvc.Config{
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			AlertQueue:    cfg.Audit.AlertQueue,
			Location:      loc,
		},
		logger, st.audit, sessionCache, a.dispatcher(), a.bus, a.registry)

	a.risk = risksvc.NewService(
		risksvc.Config{IndustryThreat: cfg.Risk.IndustryThreatFactor},
		logger, st.risks, a.bus, a.registry)

	a.governance = governance.NewService(
		governance.Config{
			EnabledFrameworks: cfg.Governance.EnabledFrameworks,
			FreshnessDays:     cfg.Evidence.FreshnessDays,
			HealthInterval:    cfg.Governance.HealthCheckInterval,
		},
		logger, catalog,
		governance.Subsystems{Evidence: a.evidence, Audit: a.audit, Risk: a.risk},
		a.bus, a.registry)

	if err = a.governance.Start(ctx); err != nil {
		// the orchestrator never started its loops; stop the subsystems directly
		a.governance = nil
		_ = a.evidence.Close(ctx)
		_ = a.audit.Close(ctx)
		return nil, err
	}
	started = true
	return a, nil
}

// migrateUp applies pending migrations over a handle on the shared pool and
// hands its connection back before the repositories start.
func migrateUp(pool *database.ConnectionPool, dir string, logger *zap.Logger) error {
	m, err := database.NewMigrator(pool.DB(), dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("Failed to close migrator", zap.Error(err))
		}
	}()
	return m.Up(0)
}

func (a *app) collectors() *evidencesvc.Registry {
	reg := evidencesvc.NewRegistry()
	reg.Register(evidencesvc.NewHTTPCollector(a.cfg.Evidence.HTTPTimeout))
	reg.Register(evidencesvc.NewScriptCollector(a.cfg.Evidence.CommandTimeout))
	reg.Register(evidencesvc.NewManualCollector(a.cfg.Evidence.ArtifactRoot))
	if a.pool != nil {
		reg.Register(evidencesvc.NewQueryCollector(a.pool.Pool()))
	}
	return reg
}

func (a *app) dispatcher() auditsvc.Notifier {
	n := a.cfg.Notifications
	var mailer auditsvc.Mailer
	if n.SMTPAddr != "" {
		mailer = auditsvc.NewSMTPMailer(n.SMTPAddr, n.SMTPFrom)
	}
	poster := events.NewWebhookClient(n.WebhookTimeout, n.WebhookSecret)
	return auditsvc.NewDispatcher(a.logger, mailer, poster, n.RatePerSecond, n.Burst, a.registry)
}

// limiter shares the API budget across replicas when Redis is configured.
func (a *app) limiter() rest.Limiter {
	rl := a.cfg.Server.RateLimit
	if a.redis != nil {
		return cache.NewRateLimiter(a.redis, rl.RequestsPerSecond, time.Second, a.logger)
	}
	return rest.NewLocalLimiter(rl.RequestsPerSecond, rl.BurstSize)
}

func (a *app) services() rest.Services {
	return rest.Services{
		Governance: a.governance,
		Evidence:   a.evidence,
		Audit:      a.audit,
		Risk:       a.risk,
	}
}

// close stops the orchestrator (which drains evidence and audit) and then
// releases connections.
func (a *app) close(ctx context.Context) {
	if a.governance != nil {
		if err := a.governance.Close(ctx); err != nil {
			a.logger.Error("Governance shutdown failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("Shutdown step failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close Redis", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Error("Failed to close database pool", zap.Error(err))
		}
	}
}
