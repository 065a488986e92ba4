// Package relay owns the websocket connections to the chat backend. The
// manager keeps exactly one connection per conversation key no matter how
// many UI surfaces subscribe, drives reconnects from a per-endpoint backoff
// policy, and publishes normalized inbound messages plus connection state
// transitions on the event bus.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/assistdesk/relay/internal/backoff"
	"github.com/assistdesk/relay/internal/events"
	"github.com/assistdesk/relay/internal/wire"
	"github.com/assistdesk/relay/pkg/models"
)

// StateChange is the detail published on the connection-state topic.
type StateChange struct {
	Key     models.ConversationKey `json:"key"`
	State   models.ConnState       `json:"-"`
	Status  string                 `json:"status"`
	Attempt int                    `json:"attempt,omitempty"`
	RetryIn time.Duration          `json:"retry_in,omitempty"`
	// Permanent marks retry-budget exhaustion: no further automatic
	// attempts happen until a manual reconnect.
	Permanent bool   `json:"permanent,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Control actions accepted on the websocket-control topic.
const (
	ControlReconnect = "reconnect"
)

// ControlRequest asks the manager to act on a connection. Other components
// publish these on the websocket-control topic instead of holding a manager
// reference.
type ControlRequest struct {
	Key    models.ConversationKey `json:"key"`
	Action string                 `json:"action"`
}

// stoppable is what a scheduled retry gives back so it can be canceled.
type stoppable interface {
	Stop() bool
}

type conn struct {
	key    models.ConversationKey
	url    string
	policy backoff.Policy

	refs    int
	state   models.ConnState
	attempt int
	sock    Socket
	timer   stoppable

	// gen invalidates in-flight dials, read loops, and timer callbacks
	// from a previous life of this connection.
	gen uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Manager multiplexes subscribers onto relay sockets.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*conn

	dialer Dialer
	bus    *events.Bus
	norm   *wire.Normalizer
	logger *slog.Logger

	// newTimer schedules a reconnect; replaced in tests.
	newTimer func(d time.Duration, fn func()) stoppable

	unsubControl func()
}

// NewManager creates a manager and attaches it to the control topic.
func NewManager(dialer Dialer, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		conns:  make(map[string]*conn),
		dialer: dialer,
		bus:    bus,
		norm:   wire.NewNormalizer(),
		logger: logger.With("component", "relay"),
		newTimer: func(d time.Duration, fn func()) stoppable {
			return time.AfterFunc(d, fn)
		},
	}
	m.unsubControl = bus.Subscribe(events.TopicSocketControl, m.onControl)
	return m
}

func (m *Manager) onControl(detail any) {
	req, ok := detail.(ControlRequest)
	if !ok {
		return
	}
	if req.Action == ControlReconnect {
		m.Reconnect(req.Key)
	}
}

// Subscribe attaches a subscriber to the conversation's socket, opening it on
// first use. Subscribing to an already-open conversation is a cheap refcount
// increment: no second socket, no handshake, no duplicate frames.
func (m *Manager) Subscribe(key models.ConversationKey, endpointURL string, policy backoff.Policy) error {
	if !key.Valid() {
		return fmt.Errorf("relay: invalid conversation key %q", key.String())
	}
	if endpointURL == "" {
		return fmt.Errorf("relay: empty endpoint URL for %s", key.String())
	}

	m.mu.Lock()
	if c, ok := m.conns[key.String()]; ok {
		c.refs++
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		key:    key,
		url:    endpointURL,
		policy: policy.Normalize(),
		refs:   1,
		state:  models.ConnIdle,
		ctx:    ctx,
		cancel: cancel,
	}
	m.conns[key.String()] = c
	gen := c.gen
	m.mu.Unlock()

	go m.connect(key.String(), gen)
	return nil
}

// Unsubscribe detaches one subscriber. The socket closes and any pending
// reconnect timer is canceled only when the last subscriber leaves; a timer
// left ticking for an abandoned conversation would reconnect a socket nobody
// is reading.
func (m *Manager) Unsubscribe(key models.ConversationKey) {
	m.mu.Lock()
	c, ok := m.conns[key.String()]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.refs--
	if c.refs > 0 {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(key.String(), c)
	m.mu.Unlock()

	m.publish(StateChange{Key: key, State: models.ConnClosed, Status: models.ConnClosed.String()})
	m.logger.Info("connection released", "conversation", key.String())
}

// teardownLocked invalidates the connection and removes it from the table.
// Caller holds m.mu.
func (m *Manager) teardownLocked(mapKey string, c *conn) {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
		if c.state == models.ConnOpen {
			metricOpenConnections.Dec()
		}
	}
	c.state = models.ConnClosed
	c.cancel()
	delete(m.conns, mapKey)
}

// Send transmits an operator reply on the conversation's socket. It reports
// false, transmitting nothing, unless the socket is currently open: there is
// no queue, and a frame refused here is for the caller to surface, not to
// buffer.
func (m *Manager) Send(key models.ConversationKey, sender wire.SenderType, message string) bool {
	m.mu.Lock()
	c, ok := m.conns[key.String()]
	if !ok || c.state != models.ConnOpen || c.sock == nil {
		m.mu.Unlock()
		metricSendRejections.Inc()
		return false
	}
	sock := c.sock
	m.mu.Unlock()

	data, err := wire.EncodeOutbound(key, sender, message)
	if err != nil {
		m.logger.Warn("outbound frame rejected", "conversation", key.String(), "error", err)
		metricSendRejections.Inc()
		return false
	}
	if err := sock.WriteMessage(data); err != nil {
		// The read loop will observe the same broken socket and drive
		// the reconnect; here we only report the failed send.
		m.logger.Warn("outbound write failed", "conversation", key.String(), "error", err)
		metricSendRejections.Inc()
		return false
	}
	metricFramesSent.Inc()
	return true
}

// Reconnect forces an immediate dial, resetting the attempt counter so a
// user-initiated retry starts a fresh backoff schedule even after automatic
// retries were exhausted.
func (m *Manager) Reconnect(key models.ConversationKey) {
	m.mu.Lock()
	c, ok := m.conns[key.String()]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.attempt = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sock := c.sock
	c.sock = nil
	if c.state == models.ConnOpen {
		metricOpenConnections.Dec()
	}
	c.state = models.ConnIdle
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	m.logger.Info("manual reconnect", "conversation", key.String())
	go m.connect(key.String(), gen)
}

// State returns the connection state for a conversation.
func (m *Manager) State(key models.ConversationKey) (models.ConnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key.String()]
	if !ok {
		return models.ConnIdle, false
	}
	return c.state, true
}

// States snapshots every tracked connection, keyed by conversation string.
func (m *Manager) States() map[string]models.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.ConnState, len(m.conns))
	for k, c := range m.conns {
		out[k] = c.state
	}
	return out
}

// Close tears down every connection and detaches from the control topic.
func (m *Manager) Close() {
	if m.unsubControl != nil {
		m.unsubControl()
	}
	m.mu.Lock()
	for mapKey, c := range m.conns {
		m.teardownLocked(mapKey, c)
	}
	m.mu.Unlock()
}

func (m *Manager) connect(mapKey string, gen uint64) {
	m.mu.Lock()
	c, ok := m.conns[mapKey]
	if !ok || c.gen != gen {
		m.mu.Unlock()
		return
	}
	c.state = models.ConnConnecting
	key := c.key
	url := c.url
	ctx := c.ctx
	attempt := c.attempt
	m.mu.Unlock()

	m.publish(StateChange{Key: key, State: models.ConnConnecting, Status: models.ConnConnecting.String(), Attempt: attempt})

	sock, err := m.dialer.Dial(ctx, url)
	if err != nil {
		m.handleFailure(mapKey, gen, err)
		return
	}

	m.mu.Lock()
	c, ok = m.conns[mapKey]
	if !ok || c.gen != gen {
		m.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.state = models.ConnOpen
	// A successful handshake restarts the backoff schedule from scratch.
	c.attempt = 0
	m.mu.Unlock()

	metricOpenConnections.Inc()
	metricConnectionsOpened.Inc()
	m.logger.Info("connection open", "conversation", key.String(), "endpoint", url)
	m.publish(StateChange{Key: key, State: models.ConnOpen, Status: models.ConnOpen.String()})

	go m.readLoop(mapKey, gen, key, sock)
}

// readLoop reads frames until the socket fails, normalizing and publishing
// each one in arrival order.
func (m *Manager) readLoop(mapKey string, gen uint64, key models.ConversationKey, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.handleFailure(mapKey, gen, err)
			return
		}
		msg := m.norm.Normalize(key, data)
		metricFramesReceived.WithLabelValues(key.String()).Inc()
		m.bus.Publish(events.TopicMessageReceived, msg)
	}
}

// handleFailure records a dead socket and either schedules the next attempt
// per the endpoint's policy or declares the failure permanent.
func (m *Manager) handleFailure(mapKey string, gen uint64, cause error) {
	m.mu.Lock()
	c, ok := m.conns[mapKey]
	if !ok || c.gen != gen {
		m.mu.Unlock()
		return
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	if c.state == models.ConnOpen {
		metricOpenConnections.Dec()
	}
	c.state = models.ConnClosed
	key := c.key
	attempt := c.attempt

	if !c.policy.ShouldRetry(attempt) {
		m.mu.Unlock()
		metricPermanentFailures.Inc()
		m.logger.Error("connection failed permanently",
			"conversation", key.String(), "attempts", attempt, "error", cause)
		m.publish(StateChange{
			Key:       key,
			State:     models.ConnClosed,
			Status:    models.ConnClosed.String(),
			Attempt:   attempt,
			Permanent: true,
			Err:       cause.Error(),
		})
		return
	}

	delay := c.policy.NextDelay(attempt)
	c.attempt++
	c.timer = m.newTimer(delay, func() { m.retryFire(mapKey, gen) })
	m.mu.Unlock()

	metricReconnectAttempts.WithLabelValues(key.String()).Inc()
	m.logger.Warn("connection lost, retry scheduled",
		"conversation", key.String(), "attempt", attempt+1, "retry_in", delay, "error", cause)
	m.publish(StateChange{
		Key:     key,
		State:   models.ConnClosed,
		Status:  models.ConnClosed.String(),
		Attempt: attempt + 1,
		RetryIn: delay,
		Err:     cause.Error(),
	})
}

func (m *Manager) retryFire(mapKey string, gen uint64) {
	m.mu.Lock()
	c, ok := m.conns[mapKey]
	if !ok || c.gen != gen {
		m.mu.Unlock()
		return
	}
	c.timer = nil
	m.mu.Unlock()
	m.connect(mapKey, gen)
}

func (m *Manager) publish(change StateChange) {
	m.bus.Publish(events.TopicConnectionState, change)
}
