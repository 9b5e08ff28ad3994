package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/events"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/memstore"
)

// recordingRepo remembers the size and contents of every bulk write.
type recordingRepo struct {
	*memstore.AuditStore
	mu      sync.Mutex
	batches [][]*audit.Event
}

func (r *recordingRepo) StoreBatch(ctx context.Context, batch []*audit.Event) error {
	r.mu.Lock()
	r.batches = append(r.batches, append([]*audit.Event(nil), batch...))
	r.mu.Unlock()
	return r.AuditStore.StoreBatch(ctx, batch)
}

func (r *recordingRepo) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.batches))
	for i, b := range r.batches {
		out[i] = len(b)
	}
	return out
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) StoreBatch(ctx context.Context, events []*audit.Event) error {
	return m.Called(ctx, events).Error(0)
}

func (m *mockRepo) Query(context.Context, audit.Filter) ([]*audit.Event, error) { return nil, nil }
func (m *mockRepo) Count(context.Context, audit.Filter) (int64, error)          { return 0, nil }
func (m *mockRepo) DeleteBefore(context.Context, time.Time, []string, []string) (int64, error) {
	return 0, nil
}

type harness struct {
	svc    *Service
	stores *memstore.Stores
	bus    *events.Bus
}

func newHarness(t *testing.T, cfg Config, mutate func(*Repositories)) *harness {
	t.Helper()
	stores := memstore.New()
	repos := Repositories{
		Events:     stores.Audit,
		Rollups:    stores.Audit,
		AlertRules: stores.Alerts,
		Sessions:   stores.Sessions,
		Policies:   stores.Retention,
	}
	if mutate != nil {
		mutate(&repos)
	}
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger)
	svc := NewService(cfg, logger, repos, nil, nil, bus, nil)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &harness{svc: svc, stores: stores, bus: bus}
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.Location = time.UTC
	return cfg
}

func newEvent(user, action string, result audit.Result) *audit.Event {
	return &audit.Event{
		UserID:    user,
		UserEmail: user + "@example.com",
		UserRole:  "admin",
		Action:    action,
		Resource:  audit.Resource{Type: "account", ID: "acct-1"},
		Result:    result,
		IPAddress: "10.0.0.1",
		SessionID: "sess-" + user,
	}
}

func TestLogEventAssignsIdentity(t *testing.T) {
	h := newHarness(t, quietConfig(), nil)
	ctx := context.Background()

	in := newEvent("alice", "login", audit.ResultSuccess)
	out, err := h.svc.LogEvent(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, in.ID, out.ID)
	assert.False(t, out.Timestamp.IsZero())
	assert.Equal(t, 1, h.svc.Pending())

	bad := newEvent("bob", "login", audit.ResultSuccess)
	bad.UserEmail = "not-an-email"
	_, err = h.svc.LogEvent(ctx, bad)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, 1, h.svc.Pending())

	stored, err := h.stores.Audit.Count(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Zero(t, stored, "nothing is written before a flush")
}

func TestFlushWritesFullBatchesInOrder(t *testing.T) {
	var repo *recordingRepo
	h := newHarness(t, quietConfig(), func(r *Repositories) {
		repo = &recordingRepo{AuditStore: r.Events.(*memstore.AuditStore)}
		r.Events = repo
	})
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	var first *audit.Event
	for i := 0; i < 2500; i++ {
		e := newEvent(fmt.Sprintf("user-%d", i%7), "read", audit.ResultSuccess)
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		out, err := h.svc.LogEvent(ctx, e)
		require.NoError(t, err)
		if i == 0 {
			first = out
		}
	}

	require.NoError(t, h.svc.Flush(ctx))
	assert.Equal(t, []int{1000, 1000, 500}, repo.sizes())
	assert.Equal(t, 0, h.svc.Pending())

	repo.mu.Lock()
	assert.Equal(t, first.ID, repo.batches[0][0].ID)
	assert.True(t, repo.batches[1][0].Timestamp.After(repo.batches[0][999].Timestamp))
	repo.mu.Unlock()

	total, err := h.stores.Audit.Count(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), total)

	hourly, err := h.stores.Audit.HourlyCounts(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	var sum int64
	for _, hc := range hourly {
		sum += hc.Count
	}
	assert.Equal(t, int64(2500), sum, "rollups cover every written event")
}

func TestFullBatchFlushesInBackground(t *testing.T) {
	cfg := quietConfig()
	cfg.BatchSize = 10
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := h.svc.LogEvent(ctx, newEvent("alice", "read", audit.ResultSuccess))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return h.svc.Pending() == 5 }, time.Second, 5*time.Millisecond,
		"only full batches are written without an explicit flush")
	n, err := h.stores.Audit.Count(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestIdleFlush(t *testing.T) {
	cfg := quietConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)

	_, err := h.svc.LogEvent(context.Background(), newEvent("alice", "read", audit.ResultSuccess))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.svc.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.svc.Health().LastFlush.IsZero())
}

func TestFailedBatchIsRequeued(t *testing.T) {
	repo := &mockRepo{}
	repo.On("StoreBatch", mock.Anything, mock.Anything).Return(fmt.Errorf("connection reset")).Once()
	repo.On("StoreBatch", mock.Anything, mock.Anything).Return(nil).Once()

	h := newHarness(t, quietConfig(), func(r *Repositories) { r.Events = repo })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		out, err := h.svc.LogEvent(ctx, newEvent("alice", "update", audit.ResultSuccess))
		require.NoError(t, err)
		ids = append(ids, out.ID.String())
	}

	err := h.svc.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePersistence))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 3, h.svc.Pending())
	assert.False(t, h.svc.Health().Healthy)

	require.NoError(t, h.svc.Flush(ctx))
	assert.Equal(t, 0, h.svc.Pending())
	assert.True(t, h.svc.Health().Healthy)

	repo.AssertNumberOfCalls(t, "StoreBatch", 2)
	retried := repo.Calls[1].Arguments.Get(1).([]*audit.Event)
	require.Len(t, retried, 3)
	for i, e := range retried {
		assert.Equal(t, ids[i], e.ID.String())
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	h := newHarness(t, quietConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.LogEvent(ctx, newEvent("alice", "read", audit.ResultSuccess))
		require.NoError(t, err)
	}
	require.NoError(t, h.svc.Close(ctx))

	n, err := h.stores.Audit.Count(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = h.svc.LogEvent(ctx, newEvent("alice", "read", audit.ResultSuccess))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.True(t, h.svc.Health().Closed)
	assert.NoError(t, h.svc.Close(ctx))
}
