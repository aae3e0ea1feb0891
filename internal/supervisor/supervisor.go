// Package supervisor owns the WhatsApp connection lifecycle: dialing,
// reconnection with backoff, heartbeat and watchdog probes, conflict
// self-healing, and the inbound message pipeline.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/state"
)

// Transport is the connection surface the supervisor drives.
type Transport interface {
	OnEvent(handler func(any))
	Dial(ctx context.Context) error
	Disconnect()
	IsReady() bool
	WipeCredentials(ctx context.Context) error
}

// Config tunes the supervisor's timing behavior.
type Config struct {
	ReconnectBase       time.Duration
	ReconnectMultiplier float64
	ReconnectJitter     float64
	ReconnectMax        time.Duration
	// MaxAttempts resets the backoff cycle, it never gives up.
	MaxAttempts int

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatFailures int
	WatchdogStale     time.Duration

	ConflictThreshold int
	ConflictDelay     time.Duration
	ErrorDelay        time.Duration
	ForcedQRDelay     time.Duration
	PostWipeDelay     time.Duration
	StableGrace       time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:       2 * time.Second,
		ReconnectMultiplier: 1.5,
		ReconnectJitter:     0.15,
		ReconnectMax:        5 * time.Minute,
		MaxAttempts:         10,
		ConnectTimeout:      30 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatFailures:   3,
		WatchdogStale:       5 * time.Minute,
		ConflictThreshold:   3,
		ConflictDelay:       10 * time.Second,
		ErrorDelay:          3001 * time.Millisecond,
		ForcedQRDelay:       time.Second,
		PostWipeDelay:       3 * time.Second,
		StableGrace:         15 * time.Second,
	}
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State          state.State `json:"state"`
	Connected      bool        `json:"connected"`
	Generation     uint64      `json:"generation"`
	Attempts       int         `json:"attempts"`
	Conflicts      int         `json:"conflicts"`
	ConnectedAt    time.Time   `json:"connected_at"`
	LastEventAt    time.Time   `json:"last_event_at"`
	StateChangedAt time.Time   `json:"state_changed_at"`
}

type taggedEvent struct {
	gen uint64
	evt any
}

// Supervisor runs the connection event loop. All state mutation happens on
// that single goroutine; other goroutines interact through channels and the
// snapshot mutex.
type Supervisor struct {
	cfg       Config
	transport Transport
	machine   *state.Machine
	pipeline  *Pipeline
	log       *slog.Logger

	events  chan taggedEvent
	control chan func(context.Context)
	qrChan  chan string
	bo      *backoff.ExponentialBackOff

	reconnectTimer *time.Timer
	deadlineTimer  *time.Timer

	mu              sync.Mutex
	gen             uint64
	attempts        int
	conflicts       int
	heartbeatMisses int
	connectedAt     time.Time
	lastEventAt     time.Time
	stateChangedAt  time.Time
}

// New creates a Supervisor and registers itself as the transport's event
// handler.
func New(cfg Config, transport Transport, pipeline *Pipeline, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBase
	bo.Multiplier = cfg.ReconnectMultiplier
	bo.RandomizationFactor = cfg.ReconnectJitter
	bo.MaxInterval = cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	// Reset must be called after changing the intervals so they take effect.
	bo.Reset()

	s := &Supervisor{
		cfg:       cfg,
		transport: transport,
		machine:   state.NewMachine(),
		pipeline:  pipeline,
		log:       log,
		events:    make(chan taggedEvent, 256),
		control:   make(chan func(context.Context), 8),
		qrChan:    make(chan string, 8),
		bo:        bo,
	}
	s.machine.OnTransition(func(_ context.Context, from, to state.State, trigger state.Trigger) {
		s.mu.Lock()
		s.stateChangedAt = time.Now()
		s.mu.Unlock()
		s.log.Debug("state transition", "from", from, "to", to, "trigger", trigger)
	})
	transport.OnEvent(s.enqueue)
	return s
}

// QRCodes returns the channel carrying pairing codes to render.
func (s *Supervisor) QRCodes() <-chan string {
	return s.qrChan
}

// State returns the current lifecycle state.
func (s *Supervisor) State() state.State {
	return s.machine.MustState()
}

// Status returns a snapshot of the connection. Connected only turns true
// after the session has stayed open for the stability grace period.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.machine.MustState()
	return Status{
		State:          st,
		Connected:      st == state.StateOpen && !s.connectedAt.IsZero() && time.Since(s.connectedAt) >= s.cfg.StableGrace,
		Generation:     s.gen,
		Attempts:       s.attempts,
		Conflicts:      s.conflicts,
		ConnectedAt:    s.connectedAt,
		LastEventAt:    s.lastEventAt,
		StateChangedAt: s.stateChangedAt,
	}
}

// ForceNewQR wipes credentials and schedules a fresh pairing. Safe to call
// from any goroutine.
func (s *Supervisor) ForceNewQR() {
	s.control <- func(ctx context.Context) {
		s.log.Info("forcing new QR pairing")
		if err := s.transport.WipeCredentials(ctx); err != nil {
			s.log.Error("credential wipe failed", "error", err)
		}
		s.transport.Disconnect()
		s.fire(ctx, state.TriggerDisconnected)
		s.scheduleReconnect(s.cfg.ForcedQRDelay)
	}
}

// enqueue is called from transport goroutines. Events are tagged with the
// current connection generation; the loop drops events from prior sockets.
func (s *Supervisor) enqueue(evt any) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	select {
	case s.events <- taggedEvent{gen: gen, evt: evt}:
	default:
		s.log.Warn("event channel full, dropping event")
	}
}

// Run drives the connection until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.reconnectTimer = newStoppedTimer()
	s.deadlineTimer = newStoppedTimer()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	watchdog := time.NewTicker(s.cfg.WatchdogStale / 2)
	defer watchdog.Stop()

	s.dial(ctx)

	for {
		select {
		case <-ctx.Done():
			s.transport.Disconnect()
			s.pipeline.Wait()
			return ctx.Err()
		case te := <-s.events:
			s.handleEvent(ctx, te)
		case fn := <-s.control:
			fn(ctx)
		case <-s.reconnectTimer.C:
			s.dial(ctx)
		case <-s.deadlineTimer.C:
			s.onConnectTimeout(ctx)
		case <-heartbeat.C:
			s.checkHeartbeat(ctx)
		case <-watchdog.C:
			s.checkWatchdog(ctx)
		}
	}
}

// dial opens a new connection attempt under a fresh generation.
func (s *Supervisor) dial(ctx context.Context) {
	s.mu.Lock()
	s.gen++
	s.attempts++
	attempts := s.attempts
	s.heartbeatMisses = 0
	s.lastEventAt = time.Now()
	s.mu.Unlock()

	if s.cfg.MaxAttempts > 0 && attempts > s.cfg.MaxAttempts {
		// Start a fresh backoff cycle instead of giving up.
		s.log.Warn("reconnect attempt cap reached, resetting backoff", "attempts", attempts)
		s.bo.Reset()
		s.mu.Lock()
		s.attempts = 1
		s.mu.Unlock()
	}

	switch s.machine.MustState() {
	case state.StateStarting:
		s.fire(ctx, state.TriggerStart)
	case state.StateClose:
		s.fire(ctx, state.TriggerReconnect)
	}

	s.log.Info("connecting", "attempt", attempts)
	if err := s.transport.Dial(ctx); err != nil {
		s.log.Error("dial failed", "error", err)
		s.fire(ctx, state.TriggerDisconnected)
		s.scheduleReconnect(s.nextDelay(s.cfg.ErrorDelay))
		return
	}
	resetTimer(s.deadlineTimer, s.cfg.ConnectTimeout)
}

func (s *Supervisor) handleEvent(ctx context.Context, te taggedEvent) {
	s.mu.Lock()
	stale := te.gen != s.gen
	if !stale {
		s.lastEventAt = time.Now()
	}
	s.mu.Unlock()
	if stale {
		s.log.Debug("dropping stale event", "gen", te.gen)
		return
	}

	switch evt := te.evt.(type) {
	case *events.QR:
		s.onQR(ctx, evt)
	case *events.PairSuccess:
		s.log.Info("pairing successful")
	case *events.Connected:
		s.onConnected(ctx)
	case *events.StreamReplaced:
		s.onConflict(ctx)
	case *events.LoggedOut:
		s.log.Warn("logged out by server, wiping credentials")
		s.wipeAndReconnect(ctx)
	case *events.ConnectFailure:
		s.onConnectFailure(ctx, evt)
	case *events.Disconnected:
		s.log.Warn("disconnected")
		s.fire(ctx, state.TriggerDisconnected)
		s.scheduleReconnect(s.nextDelay(0))
	case *events.KeepAliveTimeout:
		s.log.Warn("keepalive timeout", "error_count", evt.ErrorCount)
	case *events.Message:
		s.pipeline.Handle(ctx, evt)
	}
}

func (s *Supervisor) onQR(ctx context.Context, evt *events.QR) {
	stopTimer(s.deadlineTimer)
	s.fire(ctx, state.TriggerQRReceived)
	// Only the first code is currently scannable; rotation fires a new event.
	if len(evt.Codes) > 0 {
		select {
		case s.qrChan <- evt.Codes[0]:
		default:
			s.log.Warn("QR channel full, dropping code")
		}
	}
}

func (s *Supervisor) onConnected(ctx context.Context) {
	stopTimer(s.deadlineTimer)
	stopTimer(s.reconnectTimer)
	s.fire(ctx, state.TriggerConnected)
	s.bo.Reset()
	s.mu.Lock()
	s.attempts = 0
	s.conflicts = 0
	s.heartbeatMisses = 0
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.log.Info("session open")
}

// onConflict handles stream-replaced: another device took over the session.
// Repeated conflicts mean the stored credentials are contested, so after the
// threshold they are wiped to force a clean pairing.
func (s *Supervisor) onConflict(ctx context.Context) {
	s.mu.Lock()
	s.conflicts++
	conflicts := s.conflicts
	s.mu.Unlock()

	s.log.Warn("session conflict, stream replaced", "count", conflicts)
	s.fire(ctx, state.TriggerDisconnected)

	if conflicts >= s.cfg.ConflictThreshold {
		s.log.Warn("conflict threshold reached, wiping credentials")
		s.mu.Lock()
		s.conflicts = 0
		s.mu.Unlock()
		s.wipeAndReconnect(ctx)
		return
	}
	s.scheduleReconnect(s.nextDelay(s.cfg.ConflictDelay))
}

func (s *Supervisor) onConnectFailure(ctx context.Context, evt *events.ConnectFailure) {
	s.log.Warn("connect failure", "reason", evt.Reason)
	s.fire(ctx, state.TriggerDisconnected)

	// 401/405 mean the stored session is rejected for good.
	if code := int(evt.Reason); code == 401 || code == 405 {
		s.wipeAndReconnect(ctx)
		return
	}
	s.scheduleReconnect(s.nextDelay(s.cfg.ErrorDelay))
}

func (s *Supervisor) wipeAndReconnect(ctx context.Context) {
	s.fire(ctx, state.TriggerDisconnected)
	if err := s.transport.WipeCredentials(ctx); err != nil {
		s.log.Error("credential wipe failed", "error", err)
	}
	s.scheduleReconnect(s.cfg.PostWipeDelay)
}

// onConnectTimeout fires when neither Connected nor QR arrived in time.
func (s *Supervisor) onConnectTimeout(ctx context.Context) {
	st := s.machine.MustState()
	if st != state.StateConnecting {
		return
	}
	s.log.Warn("connect timeout", "timeout", s.cfg.ConnectTimeout)
	s.transport.Disconnect()
	s.fire(ctx, state.TriggerDisconnected)
	s.scheduleReconnect(s.nextDelay(0))
}

// checkHeartbeat probes readiness while open. Consecutive failures mean the
// socket died without a disconnect event.
func (s *Supervisor) checkHeartbeat(ctx context.Context) {
	if !s.machine.IsOpen() {
		return
	}
	if s.transport.IsReady() {
		s.mu.Lock()
		s.heartbeatMisses = 0
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.heartbeatMisses++
	misses := s.heartbeatMisses
	s.mu.Unlock()
	s.log.Warn("heartbeat probe failed", "misses", misses)

	if misses >= s.cfg.HeartbeatFailures {
		s.log.Warn("silent disconnect detected, forcing reconnect")
		s.mu.Lock()
		s.heartbeatMisses = 0
		s.mu.Unlock()
		s.forceReconnect(ctx)
	}
}

// checkWatchdog forces a reconnect when an open session has gone quiet for
// longer than the stale threshold.
func (s *Supervisor) checkWatchdog(ctx context.Context) {
	if !s.machine.IsOpen() {
		return
	}
	s.mu.Lock()
	idle := time.Since(s.lastEventAt)
	s.mu.Unlock()
	if idle < s.cfg.WatchdogStale {
		return
	}
	s.log.Warn("session stale, forcing reconnect", "idle", idle)
	s.forceReconnect(ctx)
}

func (s *Supervisor) forceReconnect(ctx context.Context) {
	s.transport.Disconnect()
	s.fire(ctx, state.TriggerDisconnected)
	s.scheduleReconnect(s.nextDelay(0))
}

// nextDelay advances the backoff, floored at the base delay and at min for
// cause-specific delays.
func (s *Supervisor) nextDelay(min time.Duration) time.Duration {
	if min < s.cfg.ReconnectBase {
		min = s.cfg.ReconnectBase
	}
	d := s.bo.NextBackOff()
	if d < min {
		d = min
	}
	return d
}

func (s *Supervisor) scheduleReconnect(d time.Duration) {
	s.log.Info("reconnect scheduled", "delay", d)
	resetTimer(s.reconnectTimer, d)
}

// fire applies a trigger, ignoring transitions that are invalid for the
// current state (stale events routinely cause those). Applied transitions are
// observed through the machine callback registered in New.
func (s *Supervisor) fire(ctx context.Context, trigger state.Trigger) {
	if ok, _ := s.machine.CanFire(ctx, trigger); !ok {
		return
	}
	if err := s.machine.Fire(ctx, trigger); err != nil {
		s.log.Debug("transition rejected", "trigger", trigger, "error", err)
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
