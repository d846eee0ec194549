package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// Reasons passed to close hooks by the store itself
const (
	ReasonIdleTimeout = "idle timeout"
	ReasonShutdown    = "shutdown"
)

// Config holds the store limits
type Config struct {
	// MaxSessions caps the number of live sessions; 0 means unlimited
	MaxSessions int
	// SessionTimeout closes sessions without activity for this long; 0 disables expiry
	SessionTimeout time.Duration
	// IdleAfter marks operational sessions Idle after this much inactivity
	IdleAfter time.Duration
	// SweepInterval is the period of the background expiry sweep
	SweepInterval time.Duration
}

// DefaultConfig returns the store defaults
func DefaultConfig() Config {
	return Config{
		MaxSessions:    100,
		SessionTimeout: 30 * time.Minute,
		IdleAfter:      5 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// CloseHook runs after a session has been removed. Hooks are called
// without the store lock held, so they may call back into the store.
type CloseHook func(snap *Snapshot, reason string)

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics provider that receives session events
func WithMetrics(m observability.MetricsProvider) Option {
	return func(s *Store) {
		s.metrics = observability.OrNoop(m)
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator replaces the UUID session id generator
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// Store owns every session and the subscription index. One mutex guards
// both, so a session and its subscriptions always disappear together.
type Store struct {
	config  Config
	logger  logging.Logger
	metrics observability.MetricsProvider
	now     func() time.Time
	newID   func() string

	mu       sync.RWMutex
	sessions map[string]*session
	subs     *subscriptionIndex
	hooks    []CloseHook

	runMu    sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates an empty store
func NewStore(config Config, opts ...Option) *Store {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}

	s := &Store{
		config:   config,
		logger:   logging.OrGlobal(nil),
		metrics:  observability.NoopMetricsProvider{},
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*session),
		subs:     newSubscriptionIndex(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(logging.String(logging.ComponentKey, "session"))
	return s
}

// Config returns the store limits
func (s *Store) Config() Config {
	return s.config
}

// OnClose registers a hook that runs whenever a session is removed
func (s *Store) OnClose(hook CloseHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// CreateSession allocates a session in the Connecting state. The capacity
// check and the insert happen under one lock, so concurrent creators can
// never push the store past MaxSessions.
func (s *Store) CreateSession(connType ConnectionType, remoteAddr string, metadata map[string]string) (*Snapshot, error) {
	now := s.now()

	s.mu.Lock()
	if s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		live := len(s.sessions)
		s.mu.Unlock()

		s.metrics.RecordSessionEvent(context.Background(), "rejected")
		s.logger.Warn("Session limit reached",
			logging.String("connection_type", string(connType)),
			logging.String("remote_addr", remoteAddr),
			logging.Int("max_sessions", s.config.MaxSessions),
		)
		return nil, mcperrors.SessionLimitExceeded(s.config.MaxSessions, live)
	}

	id := s.newID()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return nil, mcperrors.Internal("create session", fmt.Errorf("duplicate session id %q", id))
	}

	sess := &session{
		id:           id,
		connType:     connType,
		remoteAddr:   remoteAddr,
		metadata:     copyStrings(metadata),
		state:        StateConnecting, // Created is never observable
		context:      make(map[string]interface{}),
		createdAt:    now,
		lastActivity: now,
	}
	s.sessions[id] = sess
	count := len(s.sessions)
	snap := sess.snapshot()
	s.mu.Unlock()

	s.metrics.RecordSessionEvent(context.Background(), "created")
	s.metrics.SetActiveSessions(count)
	s.logger.Info("Session created",
		logging.String(logging.SessionIDKey, id),
		logging.String("connection_type", string(connType)),
		logging.String("remote_addr", remoteAddr),
	)
	return snap, nil
}

// InitializeSession completes the handshake for a session in Connecting,
// storing the client's info and capabilities and moving it to Ready. Any
// other state yields an invalid-state error, so the move happens once.
func (s *Store) InitializeSession(sessionID string, params *protocol.HandshakeParams) (*Snapshot, error) {
	if params == nil {
		return nil, mcperrors.InvalidParams("params", "params are required")
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, mcperrors.SessionNotFound(sessionID)
	}
	if sess.state != StateConnecting {
		from := sess.state
		s.mu.Unlock()
		return nil, mcperrors.InvalidStateTransition(sessionID, from.String(), StateReady.String())
	}

	sess.protocolVersion = protocol.NegotiateProtocolVersion(params.ProtocolVersion)
	sess.clientInfo = params.ClientInfo
	sess.capabilities = copyValues(params.Capabilities)
	sess.state = StateReady
	sess.lastActivity = s.now()
	snap := sess.snapshot()
	s.mu.Unlock()

	s.metrics.RecordSessionEvent(context.Background(), "initialized")
	s.logger.Info("Session initialized",
		logging.String(logging.SessionIDKey, sessionID),
		logging.String("client", params.ClientInfo.Name),
		logging.String("client_version", params.ClientInfo.Version),
		logging.String("protocol_version", snap.ProtocolVersion),
	)
	return snap, nil
}

// CloseSession moves a session through Disconnecting, removes it together
// with its subscriptions and runs the close hooks. Closing an absent
// session is a no-op that returns false.
func (s *Store) CloseSession(sessionID, reason string) bool {
	s.mu.Lock()
	snap, subs, ok := s.removeLocked(sessionID)
	count := len(s.sessions)
	hooks := append([]CloseHook(nil), s.hooks...)
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.afterClose(snap, subs, reason, count, hooks)
	return true
}

// removeLocked detaches a session from the map and the subscription index.
// The caller holds s.mu.
func (s *Store) removeLocked(sessionID string) (*Snapshot, int, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, 0, false
	}
	sess.state = StateDisconnecting
	delete(s.sessions, sessionID)
	subs := s.subs.removeSession(sessionID)
	sess.state = StateDisconnected
	return sess.snapshot(), subs, true
}

func (s *Store) afterClose(snap *Snapshot, subs int, reason string, count int, hooks []CloseHook) {
	event := "closed"
	if reason == ReasonIdleTimeout {
		event = "expired"
	}
	s.metrics.RecordSessionEvent(context.Background(), event)
	s.metrics.SetActiveSessions(count)
	s.logger.Info("Session closed",
		logging.String(logging.SessionIDKey, snap.ID),
		logging.String("reason", reason),
		logging.Int("subscriptions", subs),
		logging.Duration("lifetime", snap.LastActivity.Sub(snap.CreatedAt)),
	)

	for _, hook := range hooks {
		hook(snap, reason)
	}
}

// FailSession moves a session to the Error state and closes it
func (s *Store) FailSession(sessionID string, cause error) bool {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok && CanTransition(sess.state, StateError) {
		sess.state = StateError
	}
	s.mu.Unlock()

	reason := "error"
	if cause != nil {
		reason = cause.Error()
	}
	return s.CloseSession(sessionID, reason)
}

// UpdateActivity records that a message arrived for the session. A Ready or
// Idle session becomes Active.
func (s *Store) UpdateActivity(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return mcperrors.SessionNotFound(sessionID)
	}
	sess.lastActivity = s.now()
	if (sess.state == StateReady || sess.state == StateIdle) && CanTransition(sess.state, StateActive) {
		sess.state = StateActive
	}
	return nil
}

// MarkIdle moves an operational session to Idle. Idle is informational;
// the next activity makes the session Active again.
func (s *Store) MarkIdle(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return mcperrors.SessionNotFound(sessionID)
	}
	if sess.state == StateIdle {
		return nil
	}
	if !CanTransition(sess.state, StateIdle) {
		return mcperrors.InvalidStateTransition(sessionID, sess.state.String(), StateIdle.String())
	}
	sess.state = StateIdle
	return nil
}

// GetSession returns a copy of the session, or false when it does not exist
func (s *Store) GetSession(sessionID string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess.snapshot(), true
}

// GetActiveSessions returns the sessions that completed the handshake and
// are not closing, oldest first
func (s *Store) GetActiveSessions() []*Snapshot {
	s.mu.RLock()
	out := make([]*Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.state.IsOperational() {
			out = append(out, sess.snapshot())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionCount returns the number of live sessions in any state
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetContext stores a value in the session's key/value context
func (s *Store) SetContext(sessionID, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return mcperrors.SessionNotFound(sessionID)
	}
	sess.context[key] = value
	return nil
}

// GetContext returns the value stored under key, or def when the key or
// the session is absent
func (s *Store) GetContext(sessionID, key string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return def
	}
	if v, ok := sess.context[key]; ok {
		return v
	}
	return def
}

// DeleteContext removes a key and reports whether it was present
func (s *Store) DeleteContext(sessionID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := sess.context[key]; !ok {
		return false
	}
	delete(sess.context, key)
	return true
}

// withMetrics applies fn to the session's counters. Unknown sessions are
// ignored so late traffic for a closed session touches nothing.
func (s *Store) withMetrics(sessionID string, fn func(m *Metrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		fn(&sess.metrics)
	}
}

// RecordRequest counts an inbound request of n bytes
func (s *Store) RecordRequest(sessionID string, n int) {
	s.withMetrics(sessionID, func(m *Metrics) {
		m.RequestsReceived++
		m.BytesReceived += int64(n)
	})
}

// RecordReceived counts inbound bytes that did not carry a request
func (s *Store) RecordReceived(sessionID string, n int) {
	s.withMetrics(sessionID, func(m *Metrics) {
		m.BytesReceived += int64(n)
	})
}

// RecordResponse counts an outbound response and folds its latency into
// the running average
func (s *Store) RecordResponse(sessionID string, n int, latency time.Duration, isError bool) {
	s.withMetrics(sessionID, func(m *Metrics) {
		m.ResponsesSent++
		m.BytesSent += int64(n)
		if isError {
			m.ErrorsCount++
		}
		m.recordLatency(latency)
	})
}

// RecordNotification counts an outbound notification
func (s *Store) RecordNotification(sessionID string, n int) {
	s.withMetrics(sessionID, func(m *Metrics) {
		m.NotificationsSent++
		m.BytesSent += int64(n)
	})
}

// RecordError counts a failure that produced no response, such as a write error
func (s *Store) RecordError(sessionID string) {
	s.withMetrics(sessionID, func(m *Metrics) {
		m.ErrorsCount++
	})
}

// Metrics returns the session's counters
func (s *Store) Metrics(sessionID string) (Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Metrics{}, false
	}
	return sess.metrics, true
}

// Start launches the background sweep. It returns immediately; call Stop
// to end the sweep.
func (s *Store) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return errors.New("session store already started")
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
	return nil
}

// Stop ends the sweep and waits for it to exit. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// CloseAll closes every live session with the given reason
func (s *Store) CloseAll(reason string) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if s.CloseSession(id, reason) {
			closed++
		}
	}
	return closed
}

// Sweep closes sessions whose last activity is older than SessionTimeout
// and marks quiet operational sessions Idle. It returns the number of
// sessions closed. The background loop calls it on every tick.
func (s *Store) Sweep() int {
	now := s.now()

	type closed struct {
		snap *Snapshot
		subs int
	}
	var expired []closed

	s.mu.Lock()
	for id, sess := range s.sessions {
		inactive := now.Sub(sess.lastActivity)
		if s.config.SessionTimeout > 0 && inactive > s.config.SessionTimeout {
			if snap, subs, ok := s.removeLocked(id); ok {
				expired = append(expired, closed{snap, subs})
			}
			continue
		}
		if s.config.IdleAfter > 0 && inactive > s.config.IdleAfter && CanTransition(sess.state, StateIdle) {
			sess.state = StateIdle
		}
	}
	count := len(s.sessions)
	hooks := append([]CloseHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, e := range expired {
		s.afterClose(e.snap, e.subs, ReasonIdleTimeout, count, hooks)
	}
	if len(expired) > 0 {
		s.logger.Debug("Swept expired sessions", logging.Int("count", len(expired)))
	}
	return len(expired)
}
