package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/state"
)

type fakeTransport struct {
	mu          sync.Mutex
	handler     func(any)
	dials       int
	disconnects int
	wipes       int
	ready       bool
	dialErr     error
}

func (f *fakeTransport) OnEvent(handler func(any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Dial(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	return f.dialErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) WipeCredentials(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wipes++
	return nil
}

func (f *fakeTransport) emit(evt any) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(evt)
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) wipeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wipes
}

func (f *fakeTransport) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectMax = 10 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.HeartbeatInterval = time.Second
	cfg.WatchdogStale = time.Minute
	cfg.ConflictDelay = time.Millisecond
	cfg.ErrorDelay = time.Millisecond
	cfg.ForcedQRDelay = time.Millisecond
	cfg.PostWipeDelay = time.Millisecond
	cfg.StableGrace = 0
	return cfg
}

func startSupervisor(t *testing.T, cfg Config, transport *fakeTransport) *Supervisor {
	s := New(cfg, transport, NewPipeline(PipelineDeps{}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestSupervisor_ConnectLifecycle(t *testing.T) {
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, testConfig(), transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, state.StateConnecting, s.State())

	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	status := s.Status()
	assert.True(t, status.Connected)
	assert.Zero(t, status.Attempts)
	assert.Zero(t, status.Conflicts)
	assert.False(t, status.StateChangedAt.IsZero())
	assert.False(t, status.ConnectedAt.IsZero())
}

func TestSupervisor_BackoffDelaySequence(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMultiplier = 2
	cfg.ReconnectJitter = 0
	cfg.ReconnectMax = 40 * time.Millisecond
	s := New(cfg, &fakeTransport{}, NewPipeline(PipelineDeps{}), nil)

	// Without jitter the schedule is deterministic: delays never decrease,
	// stay within [base, cap] and end pinned at the cap.
	var prev time.Duration
	for i := 0; i < 6; i++ {
		d := s.nextDelay(0)
		assert.GreaterOrEqual(t, d, prev)
		assert.GreaterOrEqual(t, d, cfg.ReconnectBase)
		assert.LessOrEqual(t, d, cfg.ReconnectMax)
		prev = d
	}
	assert.Equal(t, cfg.ReconnectMax, prev)

	// Cause-specific floors lift early delays.
	s.bo.Reset()
	assert.GreaterOrEqual(t, s.nextDelay(25*time.Millisecond), 25*time.Millisecond)

	// A reset starts the cycle over at the base delay.
	s.bo.Reset()
	assert.Equal(t, cfg.ReconnectBase, s.nextDelay(0))
}

func TestSupervisor_AttemptCapRestartsBackoffCycle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	transport := &fakeTransport{dialErr: errors.New("network unreachable")}
	s := startSupervisor(t, cfg, transport)

	// Every dial fails, so the attempt counter keeps climbing. Past the cap
	// the cycle restarts instead of giving up.
	require.Eventually(t, func() bool { return transport.dialCount() >= 6 }, 2*time.Second, time.Millisecond)
	attempts := s.Status().Attempts
	assert.GreaterOrEqual(t, attempts, 1)
	assert.LessOrEqual(t, attempts, cfg.MaxAttempts)
}

func TestSupervisor_DropsStaleGenerationEvents(t *testing.T) {
	s := New(testConfig(), &fakeTransport{}, NewPipeline(PipelineDeps{}), nil)
	s.reconnectTimer = newStoppedTimer()
	s.deadlineTimer = newStoppedTimer()
	ctx := context.Background()

	s.fire(ctx, state.TriggerStart)
	s.mu.Lock()
	s.gen = 2
	s.mu.Unlock()

	// A QR code emitted by a superseded socket is discarded.
	s.handleEvent(ctx, taggedEvent{gen: 1, evt: &events.QR{Codes: []string{"stale-code"}}})
	assert.Equal(t, state.StateConnecting, s.State())
	assert.Empty(t, s.QRCodes())

	// The same event from the live socket is processed.
	s.handleEvent(ctx, taggedEvent{gen: 2, evt: &events.QR{Codes: []string{"live-code"}}})
	assert.Equal(t, state.StateQR, s.State())
	assert.Equal(t, "live-code", <-s.QRCodes())
}

func TestSupervisor_StableGraceDelaysConnectedFlag(t *testing.T) {
	cfg := testConfig()
	cfg.StableGrace = time.Hour
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, cfg, transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	// Open but not yet stable.
	assert.False(t, s.Status().Connected)
}

func TestSupervisor_ReconnectsAfterDisconnect(t *testing.T) {
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, testConfig(), transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	transport.emit(&events.Disconnected{})
	require.Eventually(t, func() bool { return transport.dialCount() >= 2 }, time.Second, time.Millisecond)

	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)
}

func TestSupervisor_DialErrorRetries(t *testing.T) {
	transport := &fakeTransport{dialErr: errors.New("network unreachable")}
	startSupervisor(t, testConfig(), transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 3 }, time.Second, time.Millisecond)
}

func TestSupervisor_QRPairing(t *testing.T) {
	transport := &fakeTransport{}
	s := startSupervisor(t, testConfig(), transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.QR{Codes: []string{"code-1", "code-2"}})

	require.Eventually(t, func() bool { return s.State() == state.StateQR }, time.Second, time.Millisecond)
	select {
	case code := <-s.QRCodes():
		// Only the first code is active.
		assert.Equal(t, "code-1", code)
	case <-time.After(time.Second):
		t.Fatal("no QR code received")
	}

	transport.emit(&events.PairSuccess{})
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)
}

func TestSupervisor_ConflictSelfHeal(t *testing.T) {
	cfg := testConfig()
	cfg.ConflictThreshold = 1
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, cfg, transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	transport.emit(&events.StreamReplaced{})
	require.Eventually(t, func() bool { return transport.wipeCount() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return transport.dialCount() >= 2 }, time.Second, time.Millisecond)
	assert.Zero(t, s.Status().Conflicts)
}

func TestSupervisor_ConflictBelowThresholdReconnectsWithCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ConflictThreshold = 3
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, cfg, transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	transport.emit(&events.StreamReplaced{})
	require.Eventually(t, func() bool { return transport.dialCount() >= 2 }, time.Second, time.Millisecond)
	assert.Zero(t, transport.wipeCount())
	assert.Equal(t, 1, s.Status().Conflicts)
}

func TestSupervisor_AuthFailureWipesCredentials(t *testing.T) {
	transport := &fakeTransport{}
	startSupervisor(t, testConfig(), transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.ConnectFailure{Reason: events.ConnectFailureReason(401)})

	require.Eventually(t, func() bool { return transport.wipeCount() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return transport.dialCount() >= 2 }, time.Second, time.Millisecond)
}

func TestSupervisor_LoggedOutWipesCredentials(t *testing.T) {
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, testConfig(), transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	transport.emit(&events.LoggedOut{})
	require.Eventually(t, func() bool { return transport.wipeCount() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return transport.dialCount() >= 2 }, time.Second, time.Millisecond)
}

func TestSupervisor_HeartbeatDetectsSilentDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.HeartbeatFailures = 2
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, cfg, transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	// The socket dies without any disconnect event.
	transport.setReady(false)
	require.Eventually(t, func() bool { return transport.dialCount() >= 2 }, time.Second, time.Millisecond)
}

func TestSupervisor_ForceNewQR(t *testing.T) {
	transport := &fakeTransport{ready: true}
	s := startSupervisor(t, testConfig(), transport)

	require.Eventually(t, func() bool { return transport.dialCount() >= 1 }, time.Second, time.Millisecond)
	transport.emit(&events.Connected{})
	require.Eventually(t, func() bool { return s.State() == state.StateOpen }, time.Second, time.Millisecond)

	s.ForceNewQR()
	require.Eventually(t, func() bool { return transport.wipeCount() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return transport.dialCount() >= 2 }, time.Second, time.Millisecond)
}
