package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/memstore"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var controls = []compliance.Control{
	// non-compliant when missing from inputs; scores 100
	{ID: "CC6.1", RiskWeight: 10, AutomationLevel: compliance.AutomationManual, EvidenceTypes: []string{"mfa_config"}},
	// partially compliant; scores about 73
	{ID: "CC7.2", RiskWeight: 7, AutomationLevel: compliance.AutomationPartial, EvidenceTypes: []string{"siem_alerts"}},
	// compliant and automated; scores under 20
	{ID: "CC1.1", RiskWeight: 2, AutomationLevel: compliance.AutomationFull, EvidenceTypes: []string{"policy_doc"}},
}

func inputs() map[string]ControlInput {
	fresh := 10 * 24 * time.Hour
	return map[string]ControlInput{
		"CC7.2": {Status: compliance.StatusPartiallyCompliant, EvidenceAge: &fresh},
		"CC1.1": {Status: compliance.StatusCompliant, EvidenceAge: &fresh},
	}
}

func newTestService(t *testing.T) (*Service, *memstore.RiskStore, *recorder) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memstore.NewRiskStore()
	bus := events.NewBus(logger)
	rec := &recorder{}
	bus.Subscribe(rec)
	return NewService(Config{}, logger, store, bus, nil), store, rec
}

func riskFor(t *testing.T, store *memstore.RiskStore, controlID string) *risk.ComplianceRisk {
	t.Helper()
	r, err := store.GetRiskForControl(context.Background(), "soc2", controlID)
	require.NoError(t, err)
	return r
}

func TestAssessFrameworkRisk(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()

	snap, err := svc.AssessFrameworkRisk(ctx, "soc2", controls, inputs())
	require.NoError(t, err)

	assert.Equal(t, 1, snap.PerLevelCounts[risk.LevelCritical])
	assert.Equal(t, 1, snap.PerLevelCounts[risk.LevelHigh])
	assert.GreaterOrEqual(t, len(snap.Recommendations), 2)

	critical := riskFor(t, store, "CC6.1")
	assert.Equal(t, compliance.StatusNonCompliant, critical.Status)
	assert.Equal(t, 100.0, critical.RiskScore)
	assert.Equal(t, risk.LevelCritical, critical.RiskLevel)
	assert.Equal(t, 1, critical.Incidents)
	assert.Equal(t, critical.RiskScore, critical.ResidualRisk)
	assert.NotEqual(t, uuid.Nil, critical.ID)

	high := riskFor(t, store, "CC7.2")
	assert.Equal(t, risk.LevelHigh, high.RiskLevel)
	assert.Equal(t, 0, high.Incidents)
	assert.InDelta(t, 73.2, high.RiskScore, 0.1)

	low := riskFor(t, store, "CC1.1")
	assert.Less(t, low.RiskScore, 20.0)

	latest, err := svc.LatestAssessment(ctx, "soc2")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)

	completed := rec.ofType(events.RiskAssessmentCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "soc2", completed[0].Data["framework_id"])
}

func TestReassessmentKeepsHistory(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AssessFrameworkRisk(ctx, "soc2", controls, inputs())
	require.NoError(t, err)
	critical := riskFor(t, store, "CC6.1")
	high := riskFor(t, store, "CC7.2")

	_, err = svc.AddMitigation(ctx, critical.ID, risk.Mitigation{
		Description:          "Enforce hardware keys",
		Type:                 risk.MitigationTechnical,
		Effectiveness:        50,
		ImplementationStatus: risk.StatusImplemented,
	})
	require.NoError(t, err)
	_, err = svc.AcceptRisk(ctx, high.ID, "ciso@example.com", "compensating SIEM review")
	require.NoError(t, err)

	_, err = svc.AssessFrameworkRisk(ctx, "soc2", controls, inputs())
	require.NoError(t, err)

	again := riskFor(t, store, "CC6.1")
	assert.Equal(t, critical.ID, again.ID)
	assert.Equal(t, 2, again.Incidents)
	require.Len(t, again.Mitigations, 1)
	assert.InDelta(t, again.RiskScore*0.5, again.ResidualRisk, 0.001)

	accepted := riskFor(t, store, "CC7.2")
	assert.True(t, accepted.Accepted())
	assert.Equal(t, "ciso@example.com", accepted.AcceptedBy)

	all, err := svc.ListRisks(ctx, "soc2")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMitigationLifecycle(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.AssessFrameworkRisk(ctx, "soc2", controls, inputs())
	require.NoError(t, err)
	r := riskFor(t, store, "CC6.1")

	updated, err := svc.AddMitigation(ctx, r.ID, risk.Mitigation{
		Description:   "Quarterly access review",
		Type:          risk.MitigationAdministrative,
		Effectiveness: 40,
	})
	require.NoError(t, err)
	require.Len(t, updated.Mitigations, 1)
	m := updated.Mitigations[0]
	assert.Equal(t, risk.StatusPlanned, m.ImplementationStatus)
	assert.Equal(t, updated.RiskScore, updated.ResidualRisk, "planned mitigations do not reduce risk")
	assert.Len(t, rec.ofType(events.MitigationAdded), 1)

	updated, err = svc.UpdateMitigationStatus(ctx, r.ID, m.ID, risk.StatusVerified)
	require.NoError(t, err)
	assert.InDelta(t, updated.RiskScore*0.6, updated.ResidualRisk, 0.001)

	_, err = svc.UpdateMitigationStatus(ctx, r.ID, m.ID, risk.ImplementationStatus("done"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = svc.UpdateMitigationStatus(ctx, r.ID, uuid.New(), risk.StatusVerified)
	assert.True(t, errors.IsNotFound(err))

	_, err = svc.AddMitigation(ctx, r.ID, risk.Mitigation{Type: risk.MitigationTechnical})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = svc.AddMitigation(ctx, uuid.New(), risk.Mitigation{
		Description: "x", Type: risk.MitigationTechnical,
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestHighRiskControls(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.AssessFrameworkRisk(ctx, "soc2", controls, inputs())
	require.NoError(t, err)

	list, err := svc.GetHighRiskControls(ctx, "soc2")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "CC6.1", list[0].ControlID)
	assert.Equal(t, "CC7.2", list[1].ControlID)

	_, err = svc.AcceptRisk(ctx, list[0].ID, "", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = svc.AcceptRisk(ctx, list[0].ID, "ciso@example.com", "insured")
	require.NoError(t, err)
	require.Len(t, rec.ofType(events.RiskAccepted), 1)

	list, err = svc.GetHighRiskControls(ctx, "soc2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "CC7.2", list[0].ControlID)

	accepted := riskFor(t, store, "CC6.1")
	require.NotNil(t, accepted.AcceptedAt)
	assert.Equal(t, "insured", accepted.AcceptanceJustification)
}

func TestLatestAssessmentMissing(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.LatestAssessment(context.Background(), "iso27001")
	assert.True(t, errors.IsNotFound(err))
}
