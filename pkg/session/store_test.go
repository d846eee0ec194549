package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s := NewStore(cfg, opts...)
	t.Cleanup(s.Stop)
	return s
}

func handshake() *protocol.HandshakeParams {
	return &protocol.HandshakeParams{
		ProtocolVersion: protocol.ProtocolRevision,
		Capabilities:    map[string]interface{}{"roots": map[string]interface{}{}},
		ClientInfo:      protocol.ClientInfo{Name: "test-client", Version: "1.0.0"},
	}
}

func createReady(t *testing.T, s *Store) string {
	t.Helper()
	snap, err := s.CreateSession(ConnectionWebSocket, "127.0.0.1:5000", nil)
	require.NoError(t, err)
	_, err = s.InitializeSession(snap.ID, handshake())
	require.NoError(t, err)
	return snap.ID
}

func TestCreateSession(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	snap, err := s.CreateSession(ConnectionHTTP, "10.0.0.1:1234", map[string]string{"user_agent": "curl"})
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, StateConnecting, snap.State)
	assert.Equal(t, ConnectionHTTP, snap.ConnectionType)
	assert.Equal(t, "10.0.0.1:1234", snap.RemoteAddress)
	assert.Equal(t, "curl", snap.Metadata["user_agent"])
	assert.Equal(t, 1, s.SessionCount())
	assert.False(t, snap.Initialized())
}

func TestMaxSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 2
	s := newTestStore(t, cfg)

	a, err := s.CreateSession(ConnectionStdio, "", nil)
	require.NoError(t, err)
	_, err = s.CreateSession(ConnectionStdio, "", nil)
	require.NoError(t, err)

	_, err = s.CreateSession(ConnectionStdio, "", nil)
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionLimit))
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryCapacity))
	assert.Equal(t, 2, s.SessionCount())

	require.True(t, s.CloseSession(a.ID, "client closed"))
	_, err = s.CreateSession(ConnectionStdio, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.SessionCount())
}

func TestConcurrentCreateRespectsLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 10
	s := newTestStore(t, cfg)

	var (
		wg       sync.WaitGroup
		accepted int64
		rejected int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateSession(ConnectionWebSocket, "", nil); err != nil {
				atomic.AddInt64(&rejected, 1)
				return
			}
			atomic.AddInt64(&accepted, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), accepted)
	assert.Equal(t, int64(40), rejected)
	assert.Equal(t, 10, s.SessionCount())
}

func TestConcurrentCreateDistinctIDs(t *testing.T) {
	s := newTestStore(t, Config{MaxSessions: 0})

	const n = 64
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := s.CreateSession(ConnectionWebSocket, "", nil)
			if assert.NoError(t, err) {
				ids <- snap.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestDuplicateGeneratedID(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), WithIDGenerator(func() string { return "fixed" }))

	_, err := s.CreateSession(ConnectionStdio, "", nil)
	require.NoError(t, err)
	_, err = s.CreateSession(ConnectionStdio, "", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, s.SessionCount())
}

func TestInitializeSession(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	snap, err := s.CreateSession(ConnectionWebSocket, "", nil)
	require.NoError(t, err)
	assert.Empty(t, s.GetActiveSessions())

	ready, err := s.InitializeSession(snap.ID, handshake())
	require.NoError(t, err)
	assert.Equal(t, StateReady, ready.State)
	assert.Equal(t, "test-client", ready.ClientInfo.Name)
	assert.Equal(t, protocol.ProtocolRevision, ready.ProtocolVersion)
	assert.Contains(t, ready.Capabilities, "roots")

	active := s.GetActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, snap.ID, active[0].ID)

	t.Run("second initialize fails", func(t *testing.T) {
		_, err := s.InitializeSession(snap.ID, handshake())
		require.Error(t, err)
		assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidState))

		got, _ := s.GetSession(snap.ID)
		assert.Equal(t, StateReady, got.State)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := s.InitializeSession("missing", handshake())
		assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))
	})

	t.Run("unsupported version negotiates down", func(t *testing.T) {
		other, err := s.CreateSession(ConnectionWebSocket, "", nil)
		require.NoError(t, err)
		params := handshake()
		params.ProtocolVersion = "1999-01-01"
		got, err := s.InitializeSession(other.ID, params)
		require.NoError(t, err)
		assert.Equal(t, protocol.ProtocolRevision, got.ProtocolVersion)
	})
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := createReady(t, s)
	require.NoError(t, s.SetContext(id, "k", "v"))

	snap, ok := s.GetSession(id)
	require.True(t, ok)
	snap.Context["k"] = "changed"
	snap.Capabilities["injected"] = true

	again, _ := s.GetSession(id)
	assert.Equal(t, "v", again.Context["k"])
	assert.NotContains(t, again.Capabilities, "injected")
}

func TestUpdateActivity(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, DefaultConfig(), WithClock(clock.Now))
	id := createReady(t, s)

	clock.Advance(time.Minute)
	require.NoError(t, s.UpdateActivity(id))

	snap, _ := s.GetSession(id)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, clock.Now(), snap.LastActivity)

	require.NoError(t, s.MarkIdle(id))
	snap, _ = s.GetSession(id)
	assert.Equal(t, StateIdle, snap.State)

	require.NoError(t, s.UpdateActivity(id))
	snap, _ = s.GetSession(id)
	assert.Equal(t, StateActive, snap.State)

	assert.True(t, mcperrors.IsCode(s.UpdateActivity("missing"), mcperrors.CodeSessionNotFound))
}

func TestUpdateActivityBeforeHandshakeKeepsState(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	snap, err := s.CreateSession(ConnectionStdio, "", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateActivity(snap.ID))
	got, _ := s.GetSession(snap.ID)
	assert.Equal(t, StateConnecting, got.State)

	assert.Error(t, s.MarkIdle(snap.ID))
}

func TestCloseSession(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := createReady(t, s)
	other := createReady(t, s)

	_, err := s.Subscribe(id, "file:///a")
	require.NoError(t, err)
	_, err = s.Subscribe(id, "file:///b")
	require.NoError(t, err)
	_, err = s.Subscribe(other, "file:///a")
	require.NoError(t, err)

	var (
		hookSnap   *Snapshot
		hookReason string
	)
	s.OnClose(func(snap *Snapshot, reason string) {
		hookSnap, hookReason = snap, reason
	})

	require.True(t, s.CloseSession(id, "client closed"))

	_, ok := s.GetSession(id)
	assert.False(t, ok)
	assert.Equal(t, []string{other}, s.Subscribers("file:///a"))
	assert.Empty(t, s.Subscribers("file:///b"))
	assert.Empty(t, s.Subscriptions(id))

	require.NotNil(t, hookSnap)
	assert.Equal(t, id, hookSnap.ID)
	assert.Equal(t, StateDisconnected, hookSnap.State)
	assert.Equal(t, "client closed", hookReason)

	assert.False(t, s.CloseSession(id, "again"))
	assert.False(t, s.CloseSession("never-existed", ""))
}

func TestFailSession(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := createReady(t, s)

	var reason string
	s.OnClose(func(_ *Snapshot, r string) { reason = r })

	assert.True(t, s.FailSession(id, fmt.Errorf("broken pipe")))
	assert.Equal(t, "broken pipe", reason)
	assert.Equal(t, 0, s.SessionCount())
}

func TestCloseHookMayReenterStore(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := createReady(t, s)

	done := make(chan int, 1)
	s.OnClose(func(*Snapshot, string) {
		done <- s.SessionCount()
	})
	s.CloseSession(id, "bye")

	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("close hook deadlocked")
	}
}

func TestSessionContext(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := createReady(t, s)

	assert.Equal(t, "fallback", s.GetContext(id, "level", "fallback"))
	require.NoError(t, s.SetContext(id, "level", "debug"))
	assert.Equal(t, "debug", s.GetContext(id, "level", "fallback"))

	assert.True(t, s.DeleteContext(id, "level"))
	assert.False(t, s.DeleteContext(id, "level"))
	assert.Nil(t, s.GetContext(id, "level", nil))

	assert.Error(t, s.SetContext("missing", "k", 1))
	assert.Equal(t, 7, s.GetContext("missing", "k", 7))
}

func TestSessionMetrics(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := createReady(t, s)
	other := createReady(t, s)

	s.RecordRequest(id, 100)
	s.RecordReceived(id, 20)
	s.RecordResponse(id, 50, 10*time.Millisecond, false)
	s.RecordRequest(id, 100)
	s.RecordResponse(id, 60, 30*time.Millisecond, true)
	s.RecordNotification(id, 40)
	s.RecordError(id)

	m, ok := s.Metrics(id)
	require.True(t, ok)
	assert.Equal(t, int64(2), m.RequestsReceived)
	assert.Equal(t, int64(2), m.ResponsesSent)
	assert.Equal(t, int64(1), m.NotificationsSent)
	assert.Equal(t, int64(2), m.ErrorsCount)
	assert.Equal(t, int64(220), m.BytesReceived)
	assert.Equal(t, int64(150), m.BytesSent)
	assert.Equal(t, 20*time.Millisecond, m.AvgResponseTime)

	// traffic for a closed session touches nothing
	s.CloseSession(id, "done")
	s.RecordRequest(id, 1)
	s.RecordResponse(id, 1, time.Millisecond, false)
	_, ok = s.Metrics(id)
	assert.False(t, ok)

	om, ok := s.Metrics(other)
	require.True(t, ok)
	assert.Equal(t, Metrics{}, om)
}

func TestSubscriptions(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := createReady(t, s)

	added, err := s.Subscribe(id, "file:///x")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Subscribe(id, "file:///x")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"file:///x"}, s.Subscriptions(id))
	assert.Equal(t, []string{id}, s.Subscribers("file:///x"))

	assert.False(t, s.Unsubscribe(id, "file:///nope"))
	assert.Equal(t, []string{"file:///x"}, s.Subscriptions(id))

	assert.True(t, s.Unsubscribe(id, "file:///x"))
	assert.False(t, s.Unsubscribe(id, "file:///x"))
	assert.Empty(t, s.Subscribers("file:///x"))
}

func TestSubscribeRequiresLiveInitializedSession(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	_, err := s.Subscribe("missing", "file:///x")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeSessionNotFound))

	snap, err := s.CreateSession(ConnectionStdio, "", nil)
	require.NoError(t, err)
	_, err = s.Subscribe(snap.ID, "file:///x")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeNotInitialized))

	id := createReady(t, s)
	_, err = s.Subscribe(id, "  ")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{MaxSessions: 10, SessionTimeout: 10 * time.Minute, IdleAfter: time.Minute, SweepInterval: time.Second}
	s := newTestStore(t, cfg, WithClock(clock.Now))

	stale := createReady(t, s)
	fresh := createReady(t, s)
	_, err := s.Subscribe(stale, "file:///x")
	require.NoError(t, err)

	var reasons []string
	s.OnClose(func(_ *Snapshot, reason string) { reasons = append(reasons, reason) })

	clock.Advance(2 * time.Minute)
	require.NoError(t, s.UpdateActivity(fresh))
	assert.Equal(t, 0, s.Sweep())

	snap, _ := s.GetSession(stale)
	assert.Equal(t, StateIdle, snap.State)

	clock.Advance(9 * time.Minute)
	assert.Equal(t, 1, s.Sweep())

	_, ok := s.GetSession(stale)
	assert.False(t, ok)
	_, ok = s.GetSession(fresh)
	assert.True(t, ok)
	assert.Empty(t, s.Subscribers("file:///x"))
	assert.Equal(t, []string{ReasonIdleTimeout}, reasons)
}

func TestSweepDisabledTimeout(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, Config{}, WithClock(clock.Now))
	createReady(t, s)

	clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, s.Sweep())
	assert.Equal(t, 1, s.SessionCount())
}

func TestBackgroundSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	var base = time.Now()
	var offset int64
	now := func() time.Time { return base.Add(time.Duration(atomic.LoadInt64(&offset))) }

	s := NewStore(Config{SessionTimeout: time.Second, SweepInterval: 10 * time.Millisecond},
		WithLogger(logging.Discard()), WithClock(now))
	id := createReady(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	atomic.StoreInt64(&offset, int64(time.Minute))
	assert.Eventually(t, func() bool {
		_, ok := s.GetSession(id)
		return !ok
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestStopOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore(DefaultConfig(), WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	s.Stop()
}

func TestCloseAll(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	createReady(t, s)
	createReady(t, s)
	_, err := s.CreateSession(ConnectionStdio, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, s.CloseAll(ReasonShutdown))
	assert.Equal(t, 0, s.SessionCount())
}

func TestStoreReportsToMetricsProvider(t *testing.T) {
	p, err := observability.NewMetricsProvider(observability.MetricsConfig{})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	s := newTestStore(t, cfg, WithMetrics(p))

	id := createReady(t, s)
	_, err = s.CreateSession(ConnectionStdio, "", nil)
	require.Error(t, err)
	s.CloseSession(id, "done")

	count, err := testutil.GatherAndCount(p.Registry(), "mcp_engine_session_events_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count) // created, initialized, rejected, closed
}

func TestConcurrentStoreOperations(t *testing.T) {
	s := newTestStore(t, Config{MaxSessions: 0})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := s.CreateSession(ConnectionWebSocket, "", nil)
			if !assert.NoError(t, err) {
				return
			}
			id := snap.ID
			_, err = s.InitializeSession(id, handshake())
			assert.NoError(t, err)
			uri := fmt.Sprintf("file:///%d", i%3)
			for j := 0; j < 20; j++ {
				_ = s.UpdateActivity(id)
				s.RecordRequest(id, 10)
				_, _ = s.Subscribe(id, uri)
				_ = s.Subscribers(uri)
				_ = s.GetActiveSessions()
			}
			s.CloseSession(id, "done")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, s.SessionCount())
	for i := 0; i < 3; i++ {
		assert.Empty(t, s.Subscribers(fmt.Sprintf("file:///%d", i)))
	}
}
