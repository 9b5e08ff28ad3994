package database

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/compliance"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/risk"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/config"
	"github.com/davidleathers/compliance-governance-engine/internal/testutil/containers"
)

func migrationsDir(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}

func setupPostgres(t *testing.T) *Repositories {
	t.Helper()
	url := containers.Postgres(t)
	ctx := context.Background()

	logger := zaptest.NewLogger(t)
	pool, err := NewConnectionPool(ctx, config.DatabaseConfig{URL: url, MaxOpenConns: 5, MaxIdleConns: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	db := pool.DB()
	t.Cleanup(func() { _ = db.Close() })
	migrator, err := NewMigrator(db, migrationsDir(t), logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up(0))

	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)
	require.NoError(t, migrator.Close())

	_, err = pool.Health(ctx)
	require.NoError(t, err)

	return NewRepositories(pool)
}

func TestPostgresRepositories(t *testing.T) {
	repos := setupPostgres(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("evidence dedupe and mapping", func(t *testing.T) {
		rec, err := evidence.NewRecord("mfa_config", "okta", "collector-1", map[string]any{"enforced": true, "users": 12}, base)
		require.NoError(t, err)

		stored, created, err := repos.Evidence.Insert(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, rec.ContentHash, evidence.ContentHash(stored.Payload))

		dup, err := evidence.NewRecord("mfa_config", "okta", "collector-2", map[string]any{"users": 12, "enforced": true}, base.Add(time.Hour))
		require.NoError(t, err)
		again, created, err := repos.Evidence.Insert(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, rec.ID, again.ID)

		refs := evidence.Refs("soc2", []string{"CC6.1", "CC6.2"})
		n, err := repos.Evidence.MapToControls(ctx, rec.ID, refs)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = repos.Evidence.MapToControls(ctx, rec.ID, refs)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = repos.Evidence.MapToControls(ctx, uuid.New(), refs)
		assert.True(t, errors.IsNotFound(err))

		list, err := repos.Evidence.ListForControl(ctx, "soc2", "CC6.1")
		require.NoError(t, err)
		require.Len(t, list, 1)

		require.NoError(t, repos.Evidence.MarkVerified(ctx, rec.ID))
		st, err := repos.Evidence.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Total)
		assert.Equal(t, int64(1), st.Verified)
		assert.Equal(t, int64(1), st.ByType["mfa_config"])

		removed, err := repos.Evidence.DeleteOlderThan(ctx, base.Add(time.Minute), []string{"other"})
		require.NoError(t, err)
		assert.Zero(t, removed)
		removed, err = repos.Evidence.DeleteOlderThan(ctx, base.Add(time.Minute), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		list, err = repos.Evidence.ListForControl(ctx, "soc2", "CC6.1")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("collection rules and history", func(t *testing.T) {
		rule := &evidence.Rule{
			ID:           uuid.New(),
			Name:         "MFA export",
			FrameworkID:  "soc2",
			ControlIDs:   []string{"CC6.1"},
			EvidenceType: "mfa_config",
			Automation:   evidence.Automation{Enabled: true, Schedule: "0 * * * *"},
			Collector:    evidence.CollectorSpec{Type: evidence.CollectorAPI, Config: map[string]any{"url": "https://idp.example/mfa"}},
			Validation:   &evidence.Validation{Required: true, Rules: []evidence.ValidationRule{{Field: "enforced", Operator: evidence.OpEquals, Value: true}}},
			Active:       true,
			CreatedAt:    base,
			UpdatedAt:    base,
		}
		require.NoError(t, repos.Rules.SaveRule(ctx, rule))

		got, err := repos.Rules.GetRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://idp.example/mfa", got.Collector.Config["url"])
		require.NotNil(t, got.Validation)
		assert.Equal(t, evidence.OpEquals, got.Validation.Rules[0].Operator)

		next := base.Add(time.Hour)
		require.NoError(t, repos.Rules.UpdateSchedule(ctx, rule.ID, nil, &next))
		got, err = repos.Rules.GetRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Automation.LastRun)
		assert.True(t, got.Automation.NextRun.Equal(next))

		list, err := repos.Rules.ListRules(ctx, evidence.RuleFilter{FrameworkID: "soc2", ActiveOnly: true, Automated: true})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = repos.Rules.GetRule(ctx, uuid.New())
		assert.True(t, errors.IsNotFound(err))

		for i, status := range []evidence.JobStatus{evidence.JobCompleted, evidence.JobFailed, evidence.JobCompleted} {
			require.NoError(t, repos.Rules.AppendHistory(ctx, &evidence.HistoryEntry{
				ID: uuid.New(), RuleID: rule.ID, JobID: uuid.New(), Status: status,
				StartedAt: base.Add(time.Duration(i) * time.Minute), CompletedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			}))
		}
		hist, err := repos.Rules.ListHistory(ctx, rule.ID, 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.True(t, hist[0].CompletedAt.After(hist[1].CompletedAt))

		st, err := repos.Rules.HistoryStats(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Completed)
		assert.Equal(t, int64(1), st.Failed)
	})

	t.Run("audit batch query and rollups", func(t *testing.T) {
		batch := make([]*audit.Event, 0, 3)
		for i, action := range []string{"login", "login", "export"} {
			batch = append(batch, &audit.Event{
				ID: uuid.New(), Timestamp: base.Add(time.Duration(i) * time.Minute),
				UserID: "alice", UserEmail: "alice@example.com", UserRole: "admin", Action: action,
				Resource: audit.Resource{Type: "report", ID: "r-1", Name: "Quarterly"},
				Details:  map[string]any{"n": float64(i)}, Result: audit.ResultSuccess,
				IPAddress: "10.0.0.1", SessionID: "s-1",
				Compliance: &audit.ComplianceTags{FrameworkIDs: []string{"soc2"}},
			})
		}
		require.NoError(t, repos.Audit.StoreBatch(ctx, batch))
		require.NoError(t, repos.Audit.ApplyRollups(ctx, audit.Rollups(batch)))

		err := repos.Audit.StoreBatch(ctx, batch[:1])
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

		events, err := repos.Audit.Query(ctx, audit.Filter{Actions: []string{"login"}})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
		assert.Equal(t, []string{"soc2"}, events[0].Compliance.FrameworkIDs)

		to := base.Add(2 * time.Minute)
		n, err := repos.Audit.Count(ctx, audit.Filter{Search: "QUARTER", To: &to})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		page, err := repos.Audit.Query(ctx, audit.Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "login", page[0].Action)

		hourly, err := repos.Audit.HourlyCounts(ctx, base.Add(30*time.Minute), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, hourly, 1)
		assert.Equal(t, int64(3), hourly[0].Count)

		first, err := repos.Audit.Query(ctx, audit.Filter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, first, 1)
		rest, err := repos.Audit.Query(ctx, audit.Filter{After: audit.CursorOf(first[0])})
		require.NoError(t, err)
		require.Len(t, rest, 2)
		for _, e := range rest {
			assert.NotEqual(t, first[0].ID, e.ID)
			assert.False(t, e.Timestamp.After(first[0].Timestamp))
		}

		removed, err := repos.Audit.DeleteBefore(ctx, base.Add(time.Hour), []string{"export"}, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		hourly, err = repos.Audit.HourlyCounts(ctx, base.Add(30*time.Minute), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, hourly, 1)
		assert.Equal(t, int64(2), hourly[0].Count)
	})

	t.Run("alert rules sessions and retention", func(t *testing.T) {
		rule := &audit.AlertRule{
			ID: uuid.New(), Name: "failed logins", Severity: audit.SeverityHigh, Active: true,
			Conditions:    audit.Conditions{Actions: []string{"login"}, Results: []audit.Result{audit.ResultFailure}},
			Notifications: audit.Notifications{Emails: []string{"sec@example.com"}},
			CreatedAt:     base, UpdatedAt: base,
		}
		require.NoError(t, repos.Alerts.SaveAlertRule(ctx, rule))
		updated, err := repos.Alerts.RecordTrigger(ctx, rule.ID, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.TriggerCount)
		assert.Equal(t, []string{"sec@example.com"}, updated.Notifications.Emails)
		_, err = repos.Alerts.RecordTrigger(ctx, uuid.New(), base)
		assert.True(t, errors.IsNotFound(err))

		sess := &audit.Session{SessionID: "s-1", UserID: "alice", IPAddress: "10.0.0.1", StartedAt: base, LastActivity: base}
		require.NoError(t, repos.Sessions.CreateSession(ctx, sess))
		assert.True(t, errors.IsType(repos.Sessions.CreateSession(ctx, sess), errors.ErrorTypeConflict))

		require.NoError(t, repos.Sessions.TouchSession(ctx, "s-1", base.Add(time.Hour)))
		require.NoError(t, repos.Sessions.TouchSession(ctx, "s-1", base.Add(time.Minute)))
		got, err := repos.Sessions.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.True(t, got.LastActivity.Equal(base.Add(time.Hour)))

		require.NoError(t, repos.Sessions.EndSession(ctx, "s-1", base.Add(2*time.Hour)))
		active, err := repos.Sessions.ListSessions(ctx, "alice", true)
		require.NoError(t, err)
		assert.Empty(t, active)

		require.NoError(t, repos.Retention.SavePolicy(ctx, &audit.RetentionPolicy{ID: uuid.New(), Name: "b-default", RetentionDays: 365, Active: true}))
		require.NoError(t, repos.Retention.SavePolicy(ctx, &audit.RetentionPolicy{ID: uuid.New(), Name: "a-logins", RetentionDays: 30, Actions: []string{"login"}, Priority: 10, Active: true}))
		policies, err := repos.Retention.ListPolicies(ctx, true)
		require.NoError(t, err)
		require.Len(t, policies, 2)
		assert.Equal(t, "a-logins", policies[0].Name)
		assert.Nil(t, policies[1].Actions)
	})

	t.Run("risks and snapshots", func(t *testing.T) {
		cr := &risk.ComplianceRisk{
			ID: uuid.New(), FrameworkID: "soc2", ControlID: "CC6.1",
			Status: compliance.StatusNonCompliant, AutomationLevel: compliance.AutomationManual,
			EvidenceTypes: []string{"mfa_config"}, RiskLevel: risk.LevelCritical,
			Likelihood: 5, Impact: 5, RiskScore: 100, ResidualRisk: 100,
			ReviewDate: base.AddDate(0, 0, 30), AssessedAt: base,
		}
		require.NoError(t, repos.Risks.UpsertRisk(ctx, cr))
		firstID := cr.ID

		again := *cr
		again.ID = uuid.New()
		again.RiskScore = 80
		require.NoError(t, repos.Risks.UpsertRisk(ctx, &again))
		assert.Equal(t, firstID, again.ID)

		again.Mitigations = []risk.Mitigation{{ID: uuid.New(), Description: "Enforce MFA", Type: risk.MitigationTechnical, Effectiveness: 50, ImplementationStatus: risk.StatusImplemented}}
		again.RecomputeResidual()
		require.NoError(t, repos.Risks.UpdateRisk(ctx, &again))

		got, err := repos.Risks.GetRiskForControl(ctx, "soc2", "CC6.1")
		require.NoError(t, err)
		assert.InDelta(t, 40, got.ResidualRisk, 0.001)
		require.Len(t, got.Mitigations, 1)

		missing := again
		missing.ID = uuid.New()
		assert.True(t, errors.IsNotFound(repos.Risks.UpdateRisk(ctx, &missing)))

		_, err = repos.Risks.LatestSnapshot(ctx, "soc2")
		assert.True(t, errors.IsNotFound(err))
		snap := risk.NewSnapshot("soc2", []*risk.ComplianceRisk{got}, base)
		require.NoError(t, repos.Risks.SaveSnapshot(ctx, snap))
		latest, err := repos.Risks.LatestSnapshot(ctx, "soc2")
		require.NoError(t, err)
		assert.Equal(t, snap.ID, latest.ID)
		assert.Equal(t, snap.PerLevelCounts, latest.PerLevelCounts)
	})
}
