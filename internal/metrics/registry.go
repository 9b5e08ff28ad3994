package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the governance engine's OpenTelemetry instruments. A nil
// *Registry is valid and records nothing.
type Registry struct {
	meter metric.Meter

	// Evidence collection
	CollectionDuration   metric.Float64Histogram
	CollectionCounter    metric.Int64Counter
	EvidenceDeduplicated metric.Int64Counter
	ScheduledRules       metric.Int64ObservableGauge

	// Audit trail
	AuditEventsLogged    metric.Int64Counter
	AuditFlushDuration   metric.Float64Histogram
	AuditFlushBatchSize  metric.Int64Histogram
	AuditFlushFailures   metric.Int64Counter
	AuditPendingEvents   metric.Int64ObservableGauge
	AlertsTriggered      metric.Int64Counter
	NotificationFailures metric.Int64Counter

	// Risk and governance
	RiskAssessmentDuration metric.Float64Histogram
	ControlRiskScore       metric.Float64Histogram
	ComplianceAssessments  metric.Int64Counter

	// API
	APIRequestDuration metric.Float64Histogram
	APIRequestCounter  metric.Int64Counter

	mu             sync.RWMutex
	scheduledRules int64
	pendingEvents  int64
}

// NewRegistry creates every instrument on the named meter.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	if err := r.initCollectionMetrics(); err != nil {
		return nil, err
	}
	if err := r.initAuditMetrics(); err != nil {
		return nil, err
	}
	if err := r.initRiskMetrics(); err != nil {
		return nil, err
	}
	if err := r.initAPIMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initCollectionMetrics() error {
	var err error

	r.CollectionDuration, err = r.meter.Float64Histogram(
		"governance.evidence.collection_duration",
		metric.WithDescription("Duration of evidence collection jobs in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 25, 100, 250, 1000, 5000, 15000, 30000),
	)
	if err != nil {
		return err
	}

	r.CollectionCounter, err = r.meter.Int64Counter(
		"governance.evidence.collections_total",
		metric.WithDescription("Finished collection jobs by status"),
	)
	if err != nil {
		return err
	}

	r.EvidenceDeduplicated, err = r.meter.Int64Counter(
		"governance.evidence.deduplicated_total",
		metric.WithDescription("Collections that matched an existing content hash"),
	)
	if err != nil {
		return err
	}

	r.ScheduledRules, err = r.meter.Int64ObservableGauge(
		"governance.evidence.scheduled_rules",
		metric.WithDescription("Collection rules with a live timer"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.scheduledRules)
			return nil
		}),
	)
	return err
}

func (r *Registry) initAuditMetrics() error {
	var err error

	r.AuditEventsLogged, err = r.meter.Int64Counter(
		"governance.audit.events_total",
		metric.WithDescription("Audit events accepted by LogEvent"),
	)
	if err != nil {
		return err
	}

	r.AuditFlushDuration, err = r.meter.Float64Histogram(
		"governance.audit.flush_duration",
		metric.WithDescription("Duration of audit batch writes in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return err
	}

	r.AuditFlushBatchSize, err = r.meter.Int64Histogram(
		"governance.audit.flush_batch_size",
		metric.WithDescription("Events written per audit flush"),
		metric.WithExplicitBucketBoundaries(1, 10, 100, 250, 500, 1000),
	)
	if err != nil {
		return err
	}

	r.AuditFlushFailures, err = r.meter.Int64Counter(
		"governance.audit.flush_failures_total",
		metric.WithDescription("Audit batch writes that failed and were re-queued"),
	)
	if err != nil {
		return err
	}

	r.AuditPendingEvents, err = r.meter.Int64ObservableGauge(
		"governance.audit.pending_events",
		metric.WithDescription("Accepted audit events not yet durable"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.pendingEvents)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.AlertsTriggered, err = r.meter.Int64Counter(
		"governance.audit.alerts_triggered_total",
		metric.WithDescription("Alert rule matches by severity"),
	)
	if err != nil {
		return err
	}

	r.NotificationFailures, err = r.meter.Int64Counter(
		"governance.audit.notification_failures_total",
		metric.WithDescription("Failed alert notification deliveries by channel"),
	)
	return err
}

func (r *Registry) initRiskMetrics() error {
	var err error

	r.RiskAssessmentDuration, err = r.meter.Float64Histogram(
		"governance.risk.assessment_duration",
		metric.WithDescription("Duration of framework risk assessments in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	r.ControlRiskScore, err = r.meter.Float64Histogram(
		"governance.risk.control_score",
		metric.WithDescription("Per-control risk scores"),
		metric.WithExplicitBucketBoundaries(20, 40, 60, 80, 100),
	)
	if err != nil {
		return err
	}

	r.ComplianceAssessments, err = r.meter.Int64Counter(
		"governance.compliance.assessments_total",
		metric.WithDescription("Compliance assessments by framework and overall status"),
	)
	return err
}

func (r *Registry) initAPIMetrics() error {
	var err error

	r.APIRequestDuration, err = r.meter.Float64Histogram(
		"governance.api.request_duration",
		metric.WithDescription("API request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000),
	)
	if err != nil {
		return err
	}

	r.APIRequestCounter, err = r.meter.Int64Counter(
		"governance.api.requests_total",
		metric.WithDescription("Total API requests"),
	)
	return err
}

// SetScheduledRules sets the number of rules holding a timer.
func (r *Registry) SetScheduledRules(n int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduledRules = n
}

// SetPendingEvents sets the audit queue depth.
func (r *Registry) SetPendingEvents(n int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingEvents = n
}

// RecordCollection records a finished collection job.
func (r *Registry) RecordCollection(ctx context.Context, durationMs float64, collectorType, status string, deduplicated bool) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("collector_type", collectorType),
		attribute.String("status", status),
	)
	r.CollectionDuration.Record(ctx, durationMs, attrs)
	r.CollectionCounter.Add(ctx, 1, attrs)
	if deduplicated {
		r.EvidenceDeduplicated.Add(ctx, 1, metric.WithAttributes(attribute.String("collector_type", collectorType)))
	}
}

// RecordAuditLogged counts accepted audit events.
func (r *Registry) RecordAuditLogged(ctx context.Context, action string) {
	if r == nil {
		return
	}
	r.AuditEventsLogged.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordAuditFlush records one batch write attempt.
func (r *Registry) RecordAuditFlush(ctx context.Context, durationMs float64, size int, success bool) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	r.AuditFlushDuration.Record(ctx, durationMs, attrs)
	if success {
		r.AuditFlushBatchSize.Record(ctx, int64(size))
	} else {
		r.AuditFlushFailures.Add(ctx, 1)
	}
}

// RecordAlert counts a fired alert rule.
func (r *Registry) RecordAlert(ctx context.Context, severity string) {
	if r == nil {
		return
	}
	r.AlertsTriggered.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordNotificationFailure counts a failed email or webhook delivery.
func (r *Registry) RecordNotificationFailure(ctx context.Context, channel string) {
	if r == nil {
		return
	}
	r.NotificationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordRiskAssessment records a framework assessment and its control scores.
func (r *Registry) RecordRiskAssessment(ctx context.Context, frameworkID string, durationMs float64, scores []float64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("framework_id", frameworkID))
	r.RiskAssessmentDuration.Record(ctx, durationMs, attrs)
	for _, s := range scores {
		r.ControlRiskScore.Record(ctx, s, attrs)
	}
}

// RecordComplianceAssessment counts an assessment by outcome.
func (r *Registry) RecordComplianceAssessment(ctx context.Context, frameworkID, status string) {
	if r == nil {
		return
	}
	r.ComplianceAssessments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("framework_id", frameworkID),
		attribute.String("status", status),
	))
}

// RecordAPIRequest records API request metrics.
func (r *Registry) RecordAPIRequest(ctx context.Context, duration float64, method, path string, statusCode int) {
	if r == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status_code", statusCode),
	}

	r.APIRequestDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
	r.APIRequestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
