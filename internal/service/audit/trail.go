package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
)

const eventSource = "audit-trail"

// Config configures batching and analytics of the audit trail.
type Config struct {
	// BatchSize is the largest number of events written in one bulk operation (default: 1000)
	BatchSize int
	// FlushInterval is how long pending events wait without a full batch (default: 5s)
	FlushInterval time.Duration
	// AlertQueue bounds events waiting for alert evaluation (default: 1024)
	AlertQueue int
	// Location is the timezone of the access-hour analysis (default: time.Local)
	Location *time.Location
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		AlertQueue:    1024,
		Location:      time.Local,
	}
}

// Repositories groups the stores the trail persists to.
type Repositories struct {
	Events     audit.Repository
	Rollups    audit.RollupRepository
	AlertRules audit.AlertRuleRepository
	Sessions   audit.SessionRepository
	Policies   audit.RetentionPolicyRepository
}

// SessionCache is the hot copy of live sessions.
type SessionCache interface {
	Put(ctx context.Context, s *audit.Session) error
	Get(ctx context.Context, sessionID string) (*audit.Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Remove(ctx context.Context, sessionID string) error
}

// Service records audit events in batches and evaluates alert rules over them.
type Service struct {
	config    Config
	logger    *zap.Logger
	repos     Repositories
	cache     SessionCache
	notifier  Notifier
	publisher events.Publisher
	metrics   *metrics.Registry
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	pending []*audit.Event
	closed  bool

	// flushMu serializes writers; only the holder removes from the front of pending.
	flushMu sync.Mutex

	statusMu  sync.Mutex
	lastFlush time.Time
	lastError error

	kick   chan struct{}
	alerts chan *audit.Event

	alertMu  sync.Mutex
	matchers []*audit.Matcher
	loaded   bool
	window   *audit.Window

	loopWG   sync.WaitGroup
	notifyWG sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewService creates the trail and starts its flush loop and alert worker.
// A nil cache, notifier or publisher disables that feature.
func NewService(
	config Config,
	logger *zap.Logger,
	repos Repositories,
	cache SessionCache,
	notifier Notifier,
	publisher events.Publisher,
	registry *metrics.Registry,
) *Service {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.AlertQueue <= 0 {
		config.AlertQueue = defaults.AlertQueue
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if publisher == nil {
		publisher = events.Discard{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		config:    config,
		logger:    logger.With(zap.String("component", "audit_trail")),
		repos:     repos,
		cache:     cache,
		notifier:  notifier,
		publisher: publisher,
		metrics:   registry,
		tracer:    otel.Tracer("audit.trail"),
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		alerts:    make(chan *audit.Event, config.AlertQueue),
		window:    audit.NewWindow(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.loopWG.Add(2)
	go s.flushLoop()
	go s.alertLoop()
	return s
}

// LogEvent validates the event, stamps id and timestamp when absent and
// queues it. The returned copy is the event as it will be stored.
func (s *Service) LogEvent(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	return s.log(ctx, event, true)
}

// LogSystemEvent queues an event the engine emits about itself. It is not
// evaluated against alert rules.
func (s *Service) LogSystemEvent(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	return s.log(ctx, event, false)
}

func (s *Service) log(ctx context.Context, event *audit.Event, evaluate bool) (*audit.Event, error) {
	_, span := s.tracer.Start(ctx, "AuditTrail.LogEvent",
		trace.WithAttributes(attribute.String("action", event.Action)))
	defer span.End()

	e := *event
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if err := e.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.NewConflictError("audit trail is closed")
	}
	s.pending = append(s.pending, &e)
	depth := len(s.pending)
	dropped := false
	if evaluate {
		// sent under mu so Close cannot close the channel in between
		c := e
		select {
		case s.alerts <- &c:
		default:
			dropped = true
		}
	}
	s.mu.Unlock()

	s.touchActivity(ctx, &e)
	s.metrics.RecordAuditLogged(ctx, e.Action)
	s.metrics.SetPendingEvents(int64(depth))
	if dropped {
		s.logger.Warn("Alert queue full, event not evaluated",
			zap.String("event_id", e.ID.String()),
			zap.String("action", e.Action))
	}

	if depth >= s.config.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}

	out := e
	return &out, nil
}

// Flush writes every pending event, one batch per bulk operation, oldest
// first. A failed batch stays at the front of the queue and the error is
// returned.
func (s *Service) Flush(ctx context.Context) error {
	_, err := s.flush(ctx, false)
	return err
}

// flush writes batches until the queue is empty, or with fullOnly until less
// than a full batch remains. It returns the number of events written.
func (s *Service) flush(ctx context.Context, fullOnly bool) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	written := 0
	for {
		s.mu.Lock()
		n := len(s.pending)
		if n == 0 || (fullOnly && n < s.config.BatchSize) {
			s.mu.Unlock()
			return written, nil
		}
		if n > s.config.BatchSize {
			n = s.config.BatchSize
		}
		batch := make([]*audit.Event, n)
		copy(batch, s.pending[:n])
		s.mu.Unlock()

		if err := s.writeBatch(ctx, batch); err != nil {
			s.setStatus(time.Time{}, err)
			return written, err
		}

		s.mu.Lock()
		s.pending = s.pending[n:]
		depth := len(s.pending)
		s.mu.Unlock()

		s.setStatus(s.now(), nil)
		written += n
		s.metrics.SetPendingEvents(int64(depth))
	}
}

func (s *Service) writeBatch(ctx context.Context, batch []*audit.Event) error {
	ctx, span := s.tracer.Start(ctx, "AuditTrail.writeBatch",
		trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	start := time.Now()
	if err := s.repos.Events.StoreBatch(ctx, batch); err != nil {
		span.RecordError(err)
		s.metrics.RecordAuditFlush(ctx, float64(time.Since(start).Milliseconds()), len(batch), false)
		if errors.IsType(err, errors.ErrorTypePersistence) {
			return err
		}
		return errors.NewPersistenceError(fmt.Sprintf("failed to write %d audit events", len(batch))).WithCause(err)
	}
	s.metrics.RecordAuditFlush(ctx, float64(time.Since(start).Milliseconds()), len(batch), true)

	// the batch is durable from here on; later failures must not re-queue it
	if s.repos.Rollups != nil {
		if err := s.repos.Rollups.ApplyRollups(ctx, audit.Rollups(batch)); err != nil {
			s.logger.Error("Failed to update audit rollups", zap.Int("batch_size", len(batch)), zap.Error(err))
		}
	}
	s.touchSessions(ctx, batch)

	s.logger.Debug("Audit batch written", zap.Int("batch_size", len(batch)))
	return nil
}

func (s *Service) flushLoop() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
			if _, err := s.flush(s.ctx, true); err != nil {
				s.logger.Error("Audit batch flush failed, retrying on next tick", zap.Error(err))
			}
		case <-ticker.C:
			if s.Pending() == 0 {
				continue
			}
			if _, err := s.flush(s.ctx, false); err != nil {
				s.logger.Error("Audit flush failed, retrying on next tick", zap.Error(err))
			}
		}
	}
}

func (s *Service) setStatus(flushed time.Time, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if !flushed.IsZero() {
		s.lastFlush = flushed
	}
	s.lastError = err
}

// Pending reports the number of events not yet written.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops accepting events, drains the queue and waits for alert
// evaluation and in-flight notifications.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.alerts)
	s.loopWG.Wait()

	err := s.Flush(ctx)
	if err != nil {
		s.logger.Error("Final audit flush failed",
			zap.Int("pending", s.Pending()),
			zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Health reports the state of the trail.
type Health struct {
	Healthy   bool      `json:"healthy"`
	Pending   int       `json:"pending"`
	LastFlush time.Time `json:"last_flush,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Closed    bool      `json:"closed"`
}

func (s *Service) Health() Health {
	s.mu.Lock()
	h := Health{Pending: len(s.pending), Closed: s.closed}
	s.mu.Unlock()

	s.statusMu.Lock()
	h.LastFlush = s.lastFlush
	if s.lastError != nil {
		h.LastError = s.lastError.Error()
	}
	s.statusMu.Unlock()

	// a queue more than ten batches deep means writes are not keeping up
	h.Healthy = !h.Closed && h.LastError == "" && h.Pending < 10*s.config.BatchSize
	return h
}
