package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/assistdesk/relay/internal/backoff"
	"github.com/assistdesk/relay/internal/events"
	"github.com/assistdesk/relay/internal/wire"
	"github.com/assistdesk/relay/pkg/models"
)

type readResult struct {
	data []byte
	err  error
}

type fakeSocket struct {
	mu     sync.Mutex
	writes [][]byte
	frames chan readResult
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{frames: make(chan readResult, 16)}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	r, ok := <-s.frames
	if !ok {
		return nil, errors.New("socket closed")
	}
	return r.data, r.err
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

func (s *fakeSocket) push(data string) {
	s.frames <- readResult{data: []byte(data)}
}

func (s *fakeSocket) fail(err error) {
	s.frames <- readResult{err: err}
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	dial  func() (Socket, error)
}

func (d *fakeDialer) Dial(ctx context.Context, endpointURL string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	fn := d.dial
	d.mu.Unlock()
	return fn()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setDial(fn func() (Socket, error)) {
	d.mu.Lock()
	d.dial = fn
	d.mu.Unlock()
}

type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		t.fn()
	}
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) newTimer(d time.Duration, fn func()) stoppable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.delays = append(s.delays, d)
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) fireLast() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	t.fire()
}

func (s *fakeScheduler) lastTimer() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

func (s *fakeScheduler) recordedDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

func newTestManager(dial func() (Socket, error)) (*Manager, *fakeDialer, *fakeScheduler, *events.Bus, chan StateChange) {
	dialer := &fakeDialer{dial: dial}
	sched := &fakeScheduler{}
	bus := events.NewBus(nil)
	changes := make(chan StateChange, 64)
	bus.Subscribe(events.TopicConnectionState, func(detail any) {
		changes <- detail.(StateChange)
	})
	m := NewManager(dialer, bus, nil)
	m.newTimer = sched.newTimer
	return m, dialer, sched, bus, changes
}

func waitChange(t *testing.T, changes chan StateChange, pred func(StateChange) bool) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-changes:
			if pred(change) {
				return change
			}
		case <-deadline:
			t.Fatal("timed out waiting for state change")
		}
	}
}

func waitOpen(t *testing.T, changes chan StateChange) {
	t.Helper()
	waitChange(t, changes, func(c StateChange) bool { return c.State == models.ConnOpen })
}

var testKey = models.NewWebsiteKey("wk_test", "v_1")

func TestSubscribeIsIdempotent(t *testing.T) {
	sock := newFakeSocket()
	m, dialer, _, _, changes := newTestManager(func() (Socket, error) { return sock, nil })
	defer m.Close()

	if err := m.Subscribe(testKey, "wss://relay.test/ws", backoff.DefaultPolicy()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitOpen(t, changes)

	if err := m.Subscribe(testKey, "wss://relay.test/ws", backoff.DefaultPolicy()); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}

	// First unsubscribe only drops the refcount.
	m.Unsubscribe(testKey)
	if state, ok := m.State(testKey); !ok || state != models.ConnOpen {
		t.Errorf("state after first unsubscribe = %v ok=%v, want open", state, ok)
	}

	m.Unsubscribe(testKey)
	if _, ok := m.State(testKey); ok {
		t.Error("connection still tracked after last unsubscribe")
	}
}

func TestSubscribeRejectsInvalidKey(t *testing.T) {
	m, _, _, _, _ := newTestManager(func() (Socket, error) { return newFakeSocket(), nil })
	defer m.Close()

	if err := m.Subscribe(models.ConversationKey{}, "wss://relay.test/ws", backoff.DefaultPolicy()); err == nil {
		t.Error("expected error for invalid key")
	}
	if err := m.Subscribe(testKey, "", backoff.DefaultPolicy()); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestSendGatedOnOpenState(t *testing.T) {
	sock := newFakeSocket()
	m, _, _, _, changes := newTestManager(func() (Socket, error) { return sock, nil })
	defer m.Close()

	// No subscription at all: nothing to send on.
	if m.Send(testKey, wire.SenderHuman, "hello") {
		t.Error("Send succeeded with no connection")
	}

	if err := m.Subscribe(testKey, "wss://relay.test/ws", backoff.DefaultPolicy()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitOpen(t, changes)

	if !m.Send(testKey, wire.SenderHuman, "hello") {
		t.Fatal("Send failed on open connection")
	}
	if got := sock.writeCount(); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}

	// Kill the socket; once the manager observes the failure, sends must
	// be refused again with no frame written.
	sock.fail(errors.New("peer gone"))
	waitChange(t, changes, func(c StateChange) bool { return c.State == models.ConnClosed })
	if m.Send(testKey, wire.SenderHuman, "lost") {
		t.Error("Send succeeded on closed connection")
	}
	if got := sock.writeCount(); got != 1 {
		t.Errorf("writes after close = %d, want 1", got)
	}
}

func TestBackoffScheduleAndExhaustion(t *testing.T) {
	dialErr := errors.New("connection refused")
	m, dialer, sched, _, changes := newTestManager(func() (Socket, error) { return nil, dialErr })
	defer m.Close()

	policy := backoff.Policy{
		Mode:        backoff.ModeExponential,
		Base:        time.Second,
		Max:         time.Minute,
		MaxAttempts: 5,
	}
	if err := m.Subscribe(testKey, "wss://relay.test/ws", policy); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i := range want {
		change := waitChange(t, changes, func(c StateChange) bool {
			return c.State == models.ConnClosed && !c.Permanent
		})
		if change.RetryIn != want[i] {
			t.Errorf("retry %d scheduled in %v, want %v", i+1, change.RetryIn, want[i])
		}
		sched.fireLast()
	}

	final := waitChange(t, changes, func(c StateChange) bool { return c.Permanent })
	if final.Err == "" {
		t.Error("permanent failure carries no error detail")
	}
	if got := sched.recordedDelays(); len(got) != len(want) {
		t.Fatalf("scheduled %d retries, want %d", len(got), len(want))
	}
	// 1 initial dial + 5 retries.
	if got := dialer.dialCount(); got != 6 {
		t.Errorf("dial count = %d, want 6", got)
	}

	// A manual reconnect starts over with a fresh attempt counter even
	// though automatic retries were exhausted.
	dialer.setDial(func() (Socket, error) { return newFakeSocket(), nil })
	m.Reconnect(testKey)
	waitOpen(t, changes)
}

func TestFixedPolicyUsesConstantDelay(t *testing.T) {
	dialErr := errors.New("connection refused")
	m, _, sched, _, changes := newTestManager(func() (Socket, error) { return nil, dialErr })
	defer m.Close()

	if err := m.Subscribe(testKey, "wss://relay.test/ws", backoff.FixedPolicy()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		waitChange(t, changes, func(c StateChange) bool {
			return c.State == models.ConnClosed && !c.Permanent
		})
		sched.fireLast()
	}
	for i, d := range sched.recordedDelays() {
		if d != 3*time.Second {
			t.Errorf("delay %d = %v, want 3s", i, d)
		}
	}
}

func TestUnsubscribeCancelsPendingRetry(t *testing.T) {
	dialErr := errors.New("connection refused")
	m, dialer, sched, _, changes := newTestManager(func() (Socket, error) { return nil, dialErr })
	defer m.Close()

	if err := m.Subscribe(testKey, "wss://relay.test/ws", backoff.DefaultPolicy()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitChange(t, changes, func(c StateChange) bool { return c.State == models.ConnClosed })

	pending := sched.lastTimer()
	dialsBefore := dialer.dialCount()

	m.Unsubscribe(testKey)

	pending.mu.Lock()
	stopped := pending.stopped
	pending.mu.Unlock()
	if !stopped {
		t.Error("pending retry timer not stopped on unsubscribe")
	}

	// Even if the timer had already fired concurrently, the generation
	// guard must keep it from dialing a released connection.
	pending.fn()
	time.Sleep(20 * time.Millisecond)
	if got := dialer.dialCount(); got != dialsBefore {
		t.Errorf("dial count = %d after unsubscribe, want %d", got, dialsBefore)
	}
}

func TestInboundFramesPublishedInArrivalOrder(t *testing.T) {
	sock := newFakeSocket()
	m, _, _, bus, changes := newTestManager(func() (Socket, error) { return sock, nil })
	defer m.Close()

	msgs := make(chan models.InboundMessage, 16)
	bus.Subscribe(events.TopicMessageReceived, func(detail any) {
		msgs <- detail.(models.InboundMessage)
	})

	if err := m.Subscribe(testKey, "wss://relay.test/ws", backoff.DefaultPolicy()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitOpen(t, changes)

	sock.push(`{"type":"text","sender_type":"visitor","content":"where is my order?"}`)
	sock.push(`{"type":"chat_takeover","message":"let me check that for you"}`)
	sock.push(`{"type":"assistant","sender_type":"assistant","answer":"your order shipped"}`)

	wantOrigins := []models.Origin{models.OriginCustomer, models.OriginHuman, models.OriginAssistant}
	for i, want := range wantOrigins {
		select {
		case msg := <-msgs:
			if msg.Origin != want {
				t.Errorf("message %d origin = %s, want %s", i, msg.Origin, want)
			}
			if msg.Conversation != testKey {
				t.Errorf("message %d conversation = %v", i, msg.Conversation)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestControlTopicTriggersReconnect(t *testing.T) {
	sock := newFakeSocket()
	m, dialer, _, bus, changes := newTestManager(func() (Socket, error) { return sock, nil })
	defer m.Close()

	if err := m.Subscribe(testKey, "wss://relay.test/ws", backoff.DefaultPolicy()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitOpen(t, changes)

	second := newFakeSocket()
	dialer.setDial(func() (Socket, error) { return second, nil })

	bus.Publish(events.TopicSocketControl, ControlRequest{Key: testKey, Action: ControlReconnect})
	waitOpen(t, changes)
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}
