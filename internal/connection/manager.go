// ABOUTME: Connection manager: state machine, single-flight dialing, retry policy.
// ABOUTME: One handler table dispatches inbound envelopes and lifecycle events in order.

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solstice-im/chatsync/internal/metrics"
	"github.com/solstice-im/chatsync/internal/transport"
	"github.com/solstice-im/chatsync/internal/wire"
)

// State is the connection lifecycle state, owned exclusively by the Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Lifecycle event names dispatched through the handler table alongside
// server events.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventError           = "error"
	EventReconnected     = "reconnected"
	EventReconnectFailed = "reconnect_failed"
)

// Connection errors.
var (
	// ErrNotConnected means Emit was called without a live socket.
	ErrNotConnected = errors.New("not connected")

	// ErrOffline means the device reports no network connectivity.
	ErrOffline = errors.New("device is offline")

	// ErrRetriesExhausted means every attempt in the retry budget failed.
	ErrRetriesExhausted = errors.New("connection retries exhausted")

	// ErrWatchdogExpired means an attempt produced neither success nor
	// error within the watchdog timeout.
	ErrWatchdogExpired = errors.New("connection attempt watchdog expired")
)

// Handler receives the raw payload of one dispatched event.
type Handler func(payload json.RawMessage)

// Config bounds the reconnection policy.
type Config struct {
	MaxRetries      int           // attempts per Connect intent
	BackoffMin      time.Duration // first retry delay
	BackoffMax      time.Duration // delay ceiling
	AttemptTimeout  time.Duration // hard per-attempt dial timeout
	WatchdogTimeout time.Duration // forces connecting back to disconnected
	WriteTimeout    time.Duration // per-Emit write deadline
	DispatchBuffer  int           // queued events before drops
}

// DefaultConfig returns the production policy bounds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		BackoffMin:      time.Second,
		BackoffMax:      5 * time.Second,
		AttemptTimeout:  20 * time.Second,
		WatchdogTimeout: 30 * time.Second,
		WriteTimeout:    10 * time.Second,
		DispatchBuffer:  256,
	}
}

type dispatchItem struct {
	event   string
	payload json.RawMessage
}

// Manager owns exactly one logical connection per active credential.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	monitor transport.NetworkMonitor
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         State
	lastErr       error
	token         string
	shouldConnect bool
	socket        transport.Socket
	gen           int // bumped on every teardown; stale goroutines exit
	sessions      int // completed connects, drives the reconnected event
	deferredStop  *time.Timer
	handlers      map[string]Handler

	queue chan dispatchItem
	done  chan struct{}
}

// NewManager creates a manager. Pass nil logger for default; monitor may be
// nil when the platform has no reachability source.
func NewManager(cfg Config, dialer transport.Dialer, monitor transport.NetworkMonitor, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if monitor == nil {
		monitor = transport.NewStaticMonitor(true)
	}

	mgr := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		monitor:  monitor,
		logger:   logger.With("component", "connection"),
		metrics:  m,
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
		queue:    make(chan dispatchItem, cfg.DispatchBuffer),
		done:     make(chan struct{}),
	}

	go mgr.dispatchLoop()
	go mgr.watchNetwork()
	return mgr
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the current error state, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// On registers the handler for a logical event name, replacing any previous
// one. One handler per event keeps deregistration a single table clear.
func (m *Manager) On(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = h
}

// Off removes the handler for one event name.
func (m *Manager) Off(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, event)
}

// RemoveAllHandlers clears the whole handler table.
func (m *Manager) RemoveAllHandlers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string]Handler)
}

// Connect starts (or joins) a connection attempt for the credential. It is
// non-blocking; the outcome surfaces through lifecycle events.
//
// Single-flight: while an attempt for the same credential is connecting or
// connected, Connect is a no-op. A different credential tears the previous
// connection down completely, handler table included, before dialing.
func (m *Manager) Connect(token string) {
	m.mu.Lock()

	m.cancelDeferredLocked()

	if m.shouldConnect && m.token == token &&
		(m.state == StateConnecting || m.state == StateConnected) {
		m.mu.Unlock()
		return
	}

	if m.token != "" && m.token != token {
		m.teardownLocked()
		m.handlers = make(map[string]Handler)
		m.logger.Info("credential changed, previous connection torn down")
	} else if m.socket != nil || m.state == StateConnecting {
		m.teardownLocked()
	}

	m.token = token
	m.shouldConnect = true
	m.state = StateConnecting
	m.lastErr = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.connectLoop(gen, token)
}

// Disconnect closes the connection immediately and clears the intent to be
// connected. Handlers stay registered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelDeferredLocked()
	m.shouldConnect = false
	wasLive := m.socket != nil || m.state == StateConnecting
	m.teardownLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if wasLive {
		m.dispatch(EventDisconnected, nil)
	}
}

// DisconnectAfter schedules a disconnect after the grace period. A Connect
// or CancelDeferredDisconnect before it fires cancels it, avoiding
// disconnect/reconnect thrash on brief background transitions.
func (m *Manager) DisconnectAfter(grace time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelDeferredLocked()
	m.deferredStop = time.AfterFunc(grace, m.Disconnect)
	m.logger.Debug("disconnect deferred", "grace", grace)
}

// CancelDeferredDisconnect cancels a pending deferred disconnect.
func (m *Manager) CancelDeferredDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelDeferredLocked()
}

func (m *Manager) cancelDeferredLocked() {
	if m.deferredStop != nil {
		m.deferredStop.Stop()
		m.deferredStop = nil
	}
}

// Emit transmits one logical event to the server.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()

	if sock == nil {
		return ErrNotConnected
	}

	env, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	if err := sock.WriteEnvelope(writeCtx, env); err != nil {
		return fmt.Errorf("emitting %s: %w", event, err)
	}
	return nil
}

// Close shuts the manager down for good.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancelDeferredLocked()
	m.shouldConnect = false
	m.teardownLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	close(m.done)
}

// teardownLocked force-closes the socket and invalidates in-flight attempt
// and read-pump goroutines. Must be called with mu held.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.socket != nil {
		m.socket.Close()
		m.socket = nil
	}
}

// connectLoop runs the bounded retry policy for one Connect intent.
func (m *Manager) connectLoop(gen int, token string) {
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if gen != m.gen || !m.shouldConnect {
			m.mu.Unlock()
			return
		}
		// A watchdog expiry drops the state to disconnected; the attempt
		// that follows re-enters connecting.
		m.state = StateConnecting
		m.mu.Unlock()

		if !m.monitor.Online() {
			m.enterError(gen, ErrOffline)
			return
		}

		m.metrics.ConnectAttempts.Inc()
		m.logger.Debug("dialing", "attempt", attempt+1)

		watchdog := time.AfterFunc(m.cfg.WatchdogTimeout, func() {
			m.watchdogExpired(gen)
		})

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
		sock, err := m.dialer.Dial(ctx, token)
		cancel()
		watchdog.Stop()

		if m.stale(gen) {
			if sock != nil {
				sock.Close()
			}
			return
		}

		if err == nil {
			m.attemptSucceeded(gen, sock)
			return
		}

		if errors.Is(err, transport.ErrAuthRejected) {
			// Terminal: session-level invalidation, never retried here.
			m.mu.Lock()
			m.shouldConnect = false
			m.mu.Unlock()
			m.enterError(gen, err)
			return
		}

		m.logger.Warn("connection attempt failed", "attempt", attempt+1, "error", err)

		if attempt+1 >= m.cfg.MaxRetries {
			m.enterError(gen, fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
			m.dispatch(EventReconnectFailed, nil)
			return
		}

		select {
		case <-time.After(m.backoff(attempt)):
		case <-m.done:
			return
		}
	}
}

// backoff returns the bounded exponential delay before the next attempt.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.BackoffMin << uint(attempt)
	if delay > m.cfg.BackoffMax || delay <= 0 {
		delay = m.cfg.BackoffMax
	}
	return delay
}

// stale reports whether gen no longer identifies the active attempt.
func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen || !m.shouldConnect
}

func (m *Manager) attemptSucceeded(gen int, sock transport.Socket) {
	m.mu.Lock()
	if gen != m.gen || !m.shouldConnect {
		m.mu.Unlock()
		sock.Close()
		return
	}
	m.socket = sock
	m.state = StateConnected
	m.lastErr = nil
	reconnected := m.sessions > 0
	m.sessions++
	m.mu.Unlock()

	m.logger.Info("connected", "reconnect", reconnected)
	m.dispatch(EventConnected, nil)
	if reconnected {
		m.metrics.Reconnects.Inc()
		m.dispatch(EventReconnected, nil)
	}

	go m.readPump(gen, sock)
}

// watchdogExpired forces a still-connecting attempt back to disconnected so
// the state can never wedge if the dialer produces no terminal event.
func (m *Manager) watchdogExpired(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.lastErr = ErrWatchdogExpired
	m.mu.Unlock()

	m.metrics.WatchdogExpiries.Inc()
	m.logger.Warn("watchdog forced attempt back to disconnected")
	m.dispatch(EventDisconnected, nil)
}

func (m *Manager) enterError(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	m.lastErr = err
	m.mu.Unlock()

	m.logger.Error("connection error", "error", err)
	m.dispatch(EventError, errorPayload(err))
}

// readPump reads envelopes until the socket dies, then triggers auto-retry
// when the manager still wants to be connected.
func (m *Manager) readPump(gen int, sock transport.Socket) {
	for {
		env, err := sock.ReadEnvelope(context.Background())
		if err != nil {
			if m.stale(gen) {
				return
			}

			m.mu.Lock()
			m.socket = nil
			m.state = StateDisconnected
			m.gen++
			nextGen := m.gen
			token := m.token
			m.mu.Unlock()

			m.logger.Info("connection lost, retrying", "error", err)
			m.dispatch(EventDisconnected, nil)

			m.mu.Lock()
			m.state = StateConnecting
			m.mu.Unlock()
			go m.connectLoop(nextGen, token)
			return
		}

		if m.stale(gen) {
			return
		}
		m.dispatch(env.Type, env.Payload)
	}
}

// watchNetwork reacts to device connectivity changes independently of the
// transport's own failure modes.
func (m *Manager) watchNetwork() {
	changes := m.monitor.Changes()
	for {
		select {
		case <-m.done:
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			m.networkChanged(online)
		}
	}
}

func (m *Manager) networkChanged(online bool) {
	m.mu.Lock()
	if !m.shouldConnect {
		m.mu.Unlock()
		return
	}

	if !online {
		m.teardownLocked()
		m.state = StateError
		m.lastErr = ErrOffline
		m.mu.Unlock()

		m.logger.Warn("device went offline")
		m.dispatch(EventError, errorPayload(ErrOffline))
		return
	}

	// Connectivity returned while we still want to be connected.
	m.teardownLocked()
	m.state = StateConnecting
	m.lastErr = nil
	gen := m.gen
	token := m.token
	m.mu.Unlock()

	m.logger.Info("connectivity restored, reconnecting")
	go m.connectLoop(gen, token)
}

// dispatch queues one event for in-order delivery to its handler.
// Non-blocking: under pathological backlog events are dropped with a log,
// matching the shared-nothing discipline of the dispatch loop.
func (m *Manager) dispatch(event string, payload json.RawMessage) {
	select {
	case m.queue <- dispatchItem{event: event, payload: payload}:
	case <-m.done:
	default:
		m.logger.Warn("dispatch queue full, dropping event", "event", event)
	}
}

// dispatchLoop delivers queued events one at a time; each handler runs to
// completion before the next event is processed.
func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.done:
			return
		case item := <-m.queue:
			m.mu.Lock()
			h := m.handlers[item.event]
			m.mu.Unlock()

			if h == nil {
				continue
			}
			h(item.payload)
		}
	}
}

func errorPayload(err error) json.RawMessage {
	raw, marshalErr := json.Marshal(map[string]string{"message": err.Error()})
	if marshalErr != nil {
		return nil
	}
	return raw
}
