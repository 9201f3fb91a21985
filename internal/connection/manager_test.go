// ABOUTME: Tests for the connection manager's lifecycle and retry policy
// ABOUTME: Covers single-flight, terminal auth failure, retries, reconnect, and dispatch order

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solstice-im/chatsync/internal/transport"
	"github.com/solstice-im/chatsync/internal/wire"
)

// fakeSocket is a scriptable transport.Socket. Inbound envelopes are pushed
// on in; Kill simulates the peer dropping the connection.
type fakeSocket struct {
	in chan wire.Envelope

	mu     sync.Mutex
	writes []wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan wire.Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadEnvelope(ctx context.Context) (wire.Envelope, error) {
	select {
	case env := <-s.in:
		return env, nil
	case <-s.closed:
		return wire.Envelope{}, transport.ErrSocketClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (s *fakeSocket) WriteEnvelope(_ context.Context, env wire.Envelope) error {
	select {
	case <-s.closed:
		return transport.ErrSocketClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, env)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Kill simulates the server dropping the connection.
func (s *fakeSocket) Kill() { s.Close() }

func (s *fakeSocket) Writes() []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Envelope, len(s.writes))
	copy(out, s.writes)
	return out
}

// fakeDialer replays a scripted sequence of dial outcomes; the last outcome
// repeats for any further dials.
type fakeDialer struct {
	mu      sync.Mutex
	outcome []dialOutcome
	dials   int
}

type dialOutcome struct {
	sock *fakeSocket
	err  error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.dials
	if i >= len(d.outcome) {
		i = len(d.outcome) - 1
	}
	d.dials++

	out := d.outcome[i]
	if out.err != nil {
		return nil, out.err
	}
	return out.sock, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.AttemptTimeout = time.Second
	cfg.WatchdogTimeout = time.Second
	return cfg
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for state %s, at %s", want, m.State())
}

func TestManager_Connect_Success(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	var connected sync.WaitGroup
	connected.Add(1)
	m.On(EventConnected, func(json.RawMessage) { connected.Done() })

	m.Connect("tok")

	waitForState(t, m, StateConnected)
	connected.Wait()
	assert.Equal(t, 1, dialer.Dials())
	assert.NoError(t, m.LastError())
}

func TestManager_Connect_SingleFlightSameToken(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	m.Connect("tok")
	waitForState(t, m, StateConnected)
	m.Connect("tok")
	m.Connect("tok")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials(), "repeat Connect with the live credential must not redial")
}

func TestManager_Connect_AuthRejectedIsTerminal(t *testing.T) {
	dialer := &fakeDialer{outcome: []dialOutcome{{err: transport.ErrAuthRejected}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	m.Connect("bad-tok")

	waitForState(t, m, StateError)
	assert.ErrorIs(t, m.LastError(), transport.ErrAuthRejected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials(), "auth rejection must not be retried")
}

func TestManager_Connect_RetriesExhausted(t *testing.T) {
	dialer := &fakeDialer{outcome: []dialOutcome{{err: errors.New("refused")}}}
	cfg := testConfig()
	cfg.MaxRetries = 3
	m := NewManager(cfg, dialer, nil, nil, nil)
	defer m.Close()

	var failed sync.WaitGroup
	failed.Add(1)
	m.On(EventReconnectFailed, func(json.RawMessage) { failed.Done() })

	m.Connect("tok")

	waitForState(t, m, StateError)
	failed.Wait()
	assert.ErrorIs(t, m.LastError(), ErrRetriesExhausted)
	assert.Equal(t, 3, dialer.Dials())
}

func TestManager_Connect_OfflineShortCircuits(t *testing.T) {
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: newFakeSocket()}}}
	monitor := transport.NewStaticMonitor(false)
	m := NewManager(testConfig(), dialer, monitor, nil, nil)
	defer m.Close()

	m.Connect("tok")

	waitForState(t, m, StateError)
	assert.ErrorIs(t, m.LastError(), ErrOffline)
	assert.Equal(t, 0, dialer.Dials(), "no dial attempt while offline")
}

func TestManager_NetworkRestored_Reconnects(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	monitor := transport.NewStaticMonitor(false)
	m := NewManager(testConfig(), dialer, monitor, nil, nil)
	defer m.Close()

	m.Connect("tok")
	waitForState(t, m, StateError)

	monitor.SetOnline(true)

	waitForState(t, m, StateConnected)
}

func TestManager_SocketDeath_AutoReconnects(t *testing.T) {
	first := newFakeSocket()
	second := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: first}, {sock: second}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	reconnected := make(chan struct{}, 1)
	m.On(EventReconnected, func(json.RawMessage) { reconnected <- struct{}{} })

	m.Connect("tok")
	waitForState(t, m, StateConnected)

	first.Kill()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnected event after socket death")
	}
	waitForState(t, m, StateConnected)
	assert.Equal(t, 2, dialer.Dials())
}

func TestManager_Disconnect(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	m.Connect("tok")
	waitForState(t, m, StateConnected)

	m.Disconnect()

	waitForState(t, m, StateDisconnected)
	assert.ErrorIs(t, m.Emit(context.Background(), "x", nil), ErrNotConnected)

	// No auto-retry: the intent to be connected was cleared.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())
}

func TestManager_DeferredDisconnect_FiresAfterGrace(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	m.Connect("tok")
	waitForState(t, m, StateConnected)

	m.DisconnectAfter(10 * time.Millisecond)

	waitForState(t, m, StateDisconnected)
}

func TestManager_DeferredDisconnect_Cancelled(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	m.Connect("tok")
	waitForState(t, m, StateConnected)

	m.DisconnectAfter(20 * time.Millisecond)
	m.CancelDeferredDisconnect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_ConnectCancelsDeferredDisconnect(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	m.Connect("tok")
	waitForState(t, m, StateConnected)

	m.DisconnectAfter(20 * time.Millisecond)
	m.Connect("tok")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_CredentialSwitch_TearsDownAndClearsHandlers(t *testing.T) {
	first := newFakeSocket()
	second := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: first}, {sock: second}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	stale := make(chan struct{}, 1)
	m.On("someEvent", func(json.RawMessage) { stale <- struct{}{} })

	m.Connect("tok-a")
	waitForState(t, m, StateConnected)

	m.Connect("tok-b")
	waitForState(t, m, StateConnected)
	require.Equal(t, 2, dialer.Dials())

	// The old socket was closed as part of teardown.
	select {
	case <-first.closed:
	default:
		t.Fatal("previous credential's socket should be closed")
	}

	// The handler table was cleared; events on the new socket reach nothing.
	second.in <- wire.Envelope{Type: "someEvent"}
	select {
	case <-stale:
		t.Fatal("handler from the previous credential must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_DispatchInArrivalOrder(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	var mu sync.Mutex
	var got []string
	m.On("a", func(p json.RawMessage) {
		mu.Lock()
		got = append(got, "a:"+string(p))
		mu.Unlock()
	})
	m.On("b", func(p json.RawMessage) {
		mu.Lock()
		got = append(got, "b:"+string(p))
		mu.Unlock()
	})

	m.Connect("tok")
	waitForState(t, m, StateConnected)

	sock.in <- wire.Envelope{Type: "a", Payload: json.RawMessage(`1`)}
	sock.in <- wire.Envelope{Type: "b", Payload: json.RawMessage(`2`)}
	sock.in <- wire.Envelope{Type: "a", Payload: json.RawMessage(`3`)}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a:1", "b:2", "a:3"}, got)
}

func TestManager_Emit_WritesEnvelope(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: sock}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	m.Connect("tok")
	waitForState(t, m, StateConnected)

	err := m.Emit(context.Background(), "sendMessage", map[string]string{"body": "hi"})

	require.NoError(t, err)
	writes := sock.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "sendMessage", writes[0].Type)
	assert.JSONEq(t, `{"body":"hi"}`, string(writes[0].Payload))
}

func TestManager_Emit_NotConnected(t *testing.T) {
	dialer := &fakeDialer{outcome: []dialOutcome{{sock: newFakeSocket()}}}
	m := NewManager(testConfig(), dialer, nil, nil, nil)
	defer m.Close()

	err := m.Emit(context.Background(), "sendMessage", nil)

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_WatchdogForcesDisconnected(t *testing.T) {
	block := make(chan struct{})
	dialer := &blockingDialer{release: block}
	cfg := testConfig()
	cfg.WatchdogTimeout = 20 * time.Millisecond
	cfg.AttemptTimeout = time.Second
	m := NewManager(cfg, dialer, nil, nil, nil)
	defer m.Close()
	defer close(block)

	m.Connect("tok")

	waitForState(t, m, StateDisconnected)
	assert.ErrorIs(t, m.LastError(), ErrWatchdogExpired)
}

func TestManager_WatchdogRetry_ReentersConnecting(t *testing.T) {
	block := make(chan struct{})
	dialer := &blockingDialer{release: block}
	cfg := testConfig()
	cfg.WatchdogTimeout = 20 * time.Millisecond
	m := NewManager(cfg, dialer, nil, nil, nil)
	defer m.Close()
	defer close(block)

	m.Connect("tok")
	waitForState(t, m, StateDisconnected)

	// Release the hung dial; its failure starts the next attempt, which
	// hangs again and must be visible as connecting.
	block <- struct{}{}
	waitForState(t, m, StateConnecting)
}

// blockingDialer hangs until released, standing in for a dialer that produces
// no terminal event.
type blockingDialer struct {
	release chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, _ string) (transport.Socket, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return nil, errors.New("dial aborted")
}
