package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

func sampleEvent() *Event {
	return &Event{
		UserID:    "u-1",
		UserEmail: "ana@example.com",
		UserRole:  "admin",
		Action:    "login",
		Resource:  Resource{Type: "console", ID: "main"},
		Result:    ResultFailure,
		IPAddress: "10.0.0.7",
		SessionID: "s-1",
		Timestamp: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Event)
		ok     bool
	}{
		{"valid", func(e *Event) {}, true},
		{"missing user", func(e *Event) { e.UserID = "" }, false},
		{"bad email", func(e *Event) { e.UserEmail = "not-an-email" }, false},
		{"bad result", func(e *Event) { e.Result = "maybe" }, false},
		{"bad ip", func(e *Event) { e.IPAddress = "999.1.1.1" }, false},
		{"ipv6", func(e *Event) { e.IPAddress = "::1" }, true},
		{"missing resource id", func(e *Event) { e.Resource.ID = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEvent()
			tt.mutate(e)
			err := e.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}

	assert.NoError(t, NewSystemEvent("evidence-collected", Resource{Type: "evidence", ID: "x"}, nil).Validate())
}

func TestMatcher(t *testing.T) {
	rule := &AlertRule{
		ID:       uuid.New(),
		Name:     "failed logins",
		Severity: SeverityHigh,
		Conditions: Conditions{
			Actions: []string{"login"},
			Results: []Result{ResultFailure},
		},
	}
	require.NoError(t, rule.Validate())
	m, err := Compile(rule)
	require.NoError(t, err)

	failure := sampleEvent()
	success := sampleEvent()
	success.Result = ResultSuccess

	assert.True(t, m.Matches(failure))
	assert.False(t, m.Matches(success))

	rule.Conditions.UserPatterns = []string{`@corp\.com$`}
	rule.Conditions.IPPatterns = []string{`^10\.`}
	m, err = Compile(rule)
	require.NoError(t, err)
	assert.False(t, m.Matches(failure))

	failure.UserEmail = "bob@corp.com"
	assert.True(t, m.Matches(failure))
	failure.IPAddress = "192.168.1.1"
	assert.False(t, m.Matches(failure))
}

func TestAlertRuleValidate(t *testing.T) {
	rule := &AlertRule{Name: "x", Severity: SeverityLow, Conditions: Conditions{UserPatterns: []string{"("}}}
	assert.True(t, errors.IsType(rule.Validate(), errors.ErrorTypeValidation))

	rule = &AlertRule{Name: "x", Severity: "urgent"}
	assert.Error(t, rule.Validate())

	rule = &AlertRule{Name: "x", Severity: SeverityLow, Notifications: Notifications{Emails: []string{"nope"}}}
	assert.Error(t, rule.Validate())

	rule = &AlertRule{Name: "x", Severity: SeverityLow, Conditions: Conditions{Frequency: &Frequency{Count: 0, WindowMinutes: 5}}}
	assert.Error(t, rule.Validate())
}

func TestWindow(t *testing.T) {
	w := NewWindow()
	rule := uuid.New()
	f := Frequency{Count: 3, WindowMinutes: 10}
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	assert.False(t, w.Observe(rule, "u1", f, base))
	assert.False(t, w.Observe(rule, "u1", f, base.Add(2*time.Minute)))
	assert.False(t, w.Observe(rule, "u2", f, base.Add(3*time.Minute)), "other users count separately")
	assert.True(t, w.Observe(rule, "u1", f, base.Add(4*time.Minute)))

	// window restarts after firing
	assert.False(t, w.Observe(rule, "u1", f, base.Add(5*time.Minute)))

	// old hits slide out
	assert.False(t, w.Observe(rule, "u2", f, base.Add(14*time.Minute)))
	assert.False(t, w.Observe(rule, "u2", f, base.Add(15*time.Minute)), "hit at +3m expired")

	w.Forget(rule)
	assert.Zero(t, w.Len())
}

func TestWindowSweepsIdlePairs(t *testing.T) {
	w := NewWindow()
	rule := uuid.New()
	f := Frequency{Count: 5, WindowMinutes: 10}
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 50; i++ {
		w.Observe(rule, fmt.Sprintf("one-off-%d", i), f, base.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 50, w.Len())

	// a later event evicts every pair whose hits aged out
	w.Observe(rule, "active", f, base.Add(30*time.Minute))
	assert.Equal(t, 1, w.Len())

	// pairs still inside their window survive a sweep
	w.Observe(rule, "recent", f, base.Add(35*time.Minute))
	w.Observe(rule, "active", f, base.Add(37*time.Minute))
	assert.Equal(t, 2, w.Len())
}

func TestRollups(t *testing.T) {
	e1 := sampleEvent()
	e2 := sampleEvent()
	e2.Timestamp = e2.Timestamp.Add(30 * time.Minute)
	e3 := sampleEvent()
	e3.Timestamp = e3.Timestamp.Add(time.Hour)
	e3.Result = ResultSuccess

	deltas := Rollups([]*Event{e1, e2, e3})

	byKey := map[string]int64{}
	for _, d := range deltas {
		byKey[string(d.Bucket)+"|"+d.Key+"|"+d.HourStart.Format("15")] += d.Count
	}
	assert.Equal(t, int64(2), byKey["hour|2026-05-04T12:00:00Z|12"])
	assert.Equal(t, int64(1), byKey["hour|2026-05-04T13:00:00Z|13"])
	assert.Equal(t, int64(2), byKey["result|failure|12"])
	assert.Equal(t, int64(1), byKey["result|success|13"])
	assert.Equal(t, int64(2), byKey["action|login|12"])
}

func TestSummarize(t *testing.T) {
	loc := time.UTC
	day := time.Date(2026, 6, 1, 10, 0, 0, 0, loc)
	var events []*Event

	// 7 failed logins from one address
	for i := 0; i < 7; i++ {
		e := sampleEvent()
		e.Timestamp = day.Add(time.Duration(i) * time.Minute)
		events = append(events, e)
	}
	// 12 failed logins from another, high severity
	for i := 0; i < 12; i++ {
		e := sampleEvent()
		e.UserID = "u-2"
		e.IPAddress = "10.9.9.9"
		e.Timestamp = day.Add(time.Duration(i) * time.Minute)
		events = append(events, e)
	}
	// off-hours activity on 4 distinct days
	for d := 0; d < 4; d++ {
		e := sampleEvent()
		e.UserID = "night-owl"
		e.Action = "read"
		e.Result = ResultSuccess
		e.Timestamp = time.Date(2026, 6, 2+d, 23, 15, 0, 0, loc)
		events = append(events, e)
	}
	// 4 failed escalations
	for i := 0; i < 4; i++ {
		e := sampleEvent()
		e.UserID = "climber"
		e.Action = "role_change"
		events = append(events, e)
	}

	stats := Summarize(events, day, day.Add(7*24*time.Hour), loc)

	assert.Equal(t, int64(len(events)), stats.Total)
	assert.Equal(t, int64(19), stats.ByAction["login"])
	assert.Equal(t, int64(4), stats.ByUser["night-owl"])

	kinds := map[SuspiciousKind][]SuspiciousActivity{}
	for _, s := range stats.Suspicious {
		kinds[s.Kind] = append(kinds[s.Kind], s)
	}
	require.Len(t, kinds[SuspiciousFailedLogins], 2)
	for _, s := range kinds[SuspiciousFailedLogins] {
		if s.UserID == "u-2" {
			assert.Equal(t, SeverityHigh, s.Severity)
		} else {
			assert.Equal(t, SeverityMedium, s.Severity)
		}
	}
	require.Len(t, kinds[SuspiciousUnusualHours], 1)
	assert.Equal(t, "night-owl", kinds[SuspiciousUnusualHours][0].UserID)
	assert.Equal(t, SeverityLow, kinds[SuspiciousUnusualHours][0].Severity)
	require.Len(t, kinds[SuspiciousPrivilegeEscalations], 1)
	assert.Equal(t, SeverityHigh, kinds[SuspiciousPrivilegeEscalations][0].Severity)

	require.NotEmpty(t, stats.TopResources)
	assert.Equal(t, "console", stats.TopResources[0].Type)
}

func TestRetentionOrdering(t *testing.T) {
	policies := []*RetentionPolicy{
		{Name: "a", Priority: 1},
		{Name: "b", Priority: 5},
		{Name: "c", Priority: 1},
	}
	SortByPriority(policies)
	assert.Equal(t, "b", policies[0].Name)
	assert.Equal(t, "a", policies[1].Name)
	assert.Equal(t, "c", policies[2].Name)

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	p := &RetentionPolicy{RetentionDays: 30}
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), p.Cutoff(now))
}
