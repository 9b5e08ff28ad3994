package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Posture gauges scraped from /metrics alongside the request metrics.
var (
	complianceScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Subsystem: "framework",
			Name:      "compliance_score",
			Help:      "Compliance score of the latest assessment, 0-100",
		},
		[]string{"framework"},
	)

	riskScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Subsystem: "framework",
			Name:      "risk_score",
			Help:      "Overall risk score of the latest risk assessment",
		},
		[]string{"framework"},
	)

	highRiskControls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Subsystem: "framework",
			Name:      "high_risk_controls",
			Help:      "Controls currently assessed at high or critical risk",
		},
		[]string{"framework"},
	)

	scheduledRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Subsystem: "evidence",
			Name:      "scheduled_rules",
			Help:      "Collection rules with an armed timer",
		},
	)

	auditQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Subsystem: "audit",
			Name:      "pending_events",
			Help:      "Audit events accepted but not yet persisted",
		},
	)

	streamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "governance",
			Subsystem: "events",
			Name:      "websocket_clients",
			Help:      "Connected event stream clients",
		},
	)

	dbConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "connections",
			Help:      "Number of connections in the pool",
		},
		[]string{"state"},
	)

	dbConnectionPoolMax = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "max_connections",
			Help:      "Maximum number of connections allowed",
		},
	)
)

// collectGauges samples the engine every interval until ctx is done.
func (a *app) collectGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.sampleGauges(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) sampleGauges(ctx context.Context) {
	scheduledRules.Set(float64(a.evidence.ScheduledRules()))
	auditQueue.Set(float64(a.audit.Pending()))
	streamClients.Set(float64(a.hub.ClientCount()))

	if a.pool != nil {
		stat := a.pool.Pool().Stat()
		dbConnectionPoolSize.WithLabelValues("active").Set(float64(stat.AcquiredConns()))
		dbConnectionPoolSize.WithLabelValues("idle").Set(float64(stat.IdleConns()))
		dbConnectionPoolSize.WithLabelValues("total").Set(float64(stat.TotalConns()))
		dbConnectionPoolMax.Set(float64(stat.MaxConns()))
	}

	dash, err := a.governance.GetComplianceDashboard(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("Failed to sample compliance posture", zap.Error(err))
		}
		return
	}
	for _, fw := range dash.Frameworks {
		complianceScore.WithLabelValues(fw.FrameworkID).Set(fw.ComplianceScore)
		riskScore.WithLabelValues(fw.FrameworkID).Set(fw.RiskScore)
		highRiskControls.WithLabelValues(fw.FrameworkID).Set(float64(len(fw.HighRiskControls)))
	}
}
