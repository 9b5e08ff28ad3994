package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry("governance-test")
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		r.RecordCollection(ctx, 12.5, "api", "completed", true)
		r.RecordAuditLogged(ctx, "login")
		r.RecordAuditFlush(ctx, 3, 1000, true)
		r.RecordAuditFlush(ctx, 3, 1000, false)
		r.RecordAlert(ctx, "high")
		r.RecordNotificationFailure(ctx, "webhook")
		r.RecordRiskAssessment(ctx, "soc2", 20, []float64{10, 90})
		r.RecordComplianceAssessment(ctx, "soc2", "compliant")
		r.RecordAPIRequest(ctx, 1.2, "GET", "/health", 200)
		r.SetScheduledRules(3)
		r.SetPendingEvents(42)
	})

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, int64(3), r.scheduledRules)
	assert.Equal(t, int64(42), r.pendingEvents)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordCollection(context.Background(), 1, "api", "failed", false)
		r.SetPendingEvents(1)
	})
}
