package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haloline/chatlink/pkg/wire"
)

// fakeTransport is a scriptable in-memory Transport. Tests push server
// frames into incoming and read client frames from writes.
type fakeTransport struct {
	incoming  chan []byte
	serverErr chan error
	writes    chan map[string]any
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming:  make(chan []byte, 16),
		serverErr: make(chan error, 1),
		writes:    make(chan map[string]any, 16),
		closed:    make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-f.incoming:
		return msg, nil
	case err := <-f.serverErr:
		return nil, err
	case <-f.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	f.writes <- frame
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.incoming <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("transport incoming buffer full")
	}
}

func (f *fakeTransport) closeWithCode(code int) {
	f.serverErr <- &websocket.CloseError{Code: code}
}

func (f *fakeTransport) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-f.writes:
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

type connHarness struct {
	conn   *Conn
	ft     *fakeTransport
	states chan StateChange
	events chan wire.Envelope
}

func newConnHarness(t *testing.T, mutate func(*Config)) *connHarness {
	t.Helper()
	ft := newFakeTransport()
	cfg := Config{
		URL:          "wss://chat.example.com/ws",
		TenantID:     "acme",
		ChatID:       "chat-1",
		Credential:   "tok-secret",
		JoinFallback: 20 * time.Millisecond,
		JoinTimeout:  150 * time.Millisecond,
		Dialer: func(ctx context.Context, u string) (Transport, error) {
			return ft, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &connHarness{
		ft:     ft,
		states: make(chan StateChange, 16),
		events: make(chan wire.Envelope, 16),
	}
	h.conn = NewConn(cfg, "sess-1",
		func(env wire.Envelope) { h.events <- env },
		func(sc StateChange) { h.states <- sc },
	)
	t.Cleanup(h.conn.Close)
	return h
}

func (h *connHarness) waitState(t *testing.T, want ConnState) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sc := <-h.states:
			if sc.State == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("never reached state %s (now %s)", want, h.conn.State())
			return StateChange{}
		}
	}
}

func TestConn_HappyPathHandshake(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateConnecting)
	h.waitState(t, StateConnected)

	h.ft.push(t, `{"type":"connection_established","data":{}}`)
	h.ft.push(t, `{"type":"connection_ready","data":{}}`)
	h.waitState(t, StateAuthenticating)

	join := h.ft.nextWrite(t)
	if join["type"] != wire.TypeJoinChat {
		t.Fatalf("first outbound frame = %v, want join_chat", join["type"])
	}
	data := join["data"].(map[string]any)
	if data["token"] != "tok-secret" || data["chat_id"] != "chat-1" || data["session_id"] != "sess-1" {
		t.Errorf("join frame missing identity fields: %v", data)
	}

	h.ft.push(t, `{"type":"chat_joined","data":{}}`)
	h.waitState(t, StateReady)

	// Duplicate readiness signals and the fallback timer must not resend join.
	h.ft.push(t, `{"type":"connection_ready","data":{}}`)
	time.Sleep(60 * time.Millisecond)
	select {
	case frame := <-h.ft.writes:
		t.Fatalf("unexpected second outbound frame: %v", frame)
	default:
	}
}

func TestConn_JoinFallbackTimer(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// No connection_ready: the bounded fallback sends join anyway.
	join := h.ft.nextWrite(t)
	if join["type"] != wire.TypeJoinChat {
		t.Fatalf("fallback wrote %v, want join_chat", join["type"])
	}
	h.waitState(t, StateAuthenticating)
}

func TestConn_JoinTimeoutIsTerminal(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.ft.push(t, `{"type":"connection_ready","data":{}}`)
	h.ft.nextWrite(t) // join

	h.waitState(t, StateFailed)
	st, code, err := h.conn.Terminal()
	if st != StateFailed || code != wire.CloseJoinTimeout {
		t.Fatalf("terminal = (%s, %d), want (failed, %d)", st, code, wire.CloseJoinTimeout)
	}
	if CategoryOf(err) != CategoryProtocol {
		t.Errorf("category = %s, want protocol", CategoryOf(err))
	}
}

func TestConn_ConfigErrorCloseNoRetrySignal(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.ft.push(t, `{"type":"connection_ready","data":{}}`)
	h.ft.nextWrite(t)
	h.ft.push(t, `{"type":"chat_joined","data":{}}`)
	h.waitState(t, StateReady)

	h.ft.closeWithCode(wire.CloseConfigError)
	h.waitState(t, StateFailed)

	st, code, err := h.conn.Terminal()
	if st != StateFailed || code != wire.CloseConfigError {
		t.Fatalf("terminal = (%s, %d)", st, code)
	}
	if CategoryOf(err) != CategoryConfiguration {
		t.Errorf("category = %s, want configuration", CategoryOf(err))
	}
}

func TestConn_TransientCloseRequestsReconnect(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.ft.push(t, `{"type":"connection_ready","data":{}}`)
	h.ft.nextWrite(t)
	h.ft.push(t, `{"type":"chat_joined","data":{}}`)
	h.waitState(t, StateReady)

	h.ft.closeWithCode(wire.CloseServerRestart)
	h.waitState(t, StateReconnecting)

	st, code, _ := h.conn.Terminal()
	if st != StateReconnecting || code != wire.CloseServerRestart {
		t.Fatalf("terminal = (%s, %d), want (reconnecting, %d)", st, code, wire.CloseServerRestart)
	}
}

func TestConn_HeartbeatPong(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.ft.push(t, `{"type":"connection_ready","data":{}}`)
	h.ft.nextWrite(t)
	h.ft.push(t, `{"type":"chat_joined","data":{}}`)
	h.waitState(t, StateReady)

	h.ft.push(t, `{"type":"ping","data":{}}`)
	pong := h.ft.nextWrite(t)
	if pong["type"] != wire.TypePong {
		t.Fatalf("reply to ping = %v, want pong", pong["type"])
	}
	data := pong["data"].(map[string]any)
	ts, ok := data["event_ts"].(float64)
	if !ok || ts <= 0 {
		t.Errorf("pong carries no timestamp: %v", data)
	}
}

func TestConn_AuthErrorFrameIsTerminal(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.ft.push(t, `{"type":"connection_ready","data":{}}`)
	h.ft.nextWrite(t)
	h.ft.push(t, `{"type":"error","data":{"code":"auth_invalid"}}`)

	h.waitState(t, StateFailed)
	_, _, err := h.conn.Terminal()
	if CategoryOf(err) != CategoryAuth {
		t.Errorf("category = %s, want authentication", CategoryOf(err))
	}
}

func TestConn_SendRequiresReady(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := h.conn.Send(wire.Envelope{Type: wire.TypeUserMessage, Data: map[string]any{"text": "hi"}})
	if !errors.Is(err, errNotReady) {
		t.Fatalf("Send before ready = %v, want errNotReady", err)
	}
}

func TestConn_MissingTenantIsConfigurationError(t *testing.T) {
	h := newConnHarness(t, func(cfg *Config) { cfg.TenantID = "" })
	err := h.conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded without tenant id")
	}
	if CategoryOf(err) != CategoryConfiguration {
		t.Errorf("category = %s, want configuration", CategoryOf(err))
	}
	select {
	case <-h.conn.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after configuration failure")
	}
}

func TestConn_CredentialNeverInURL(t *testing.T) {
	var dialed string
	h := newConnHarness(t, func(cfg *Config) {
		base := cfg.Dialer
		cfg.Dialer = func(ctx context.Context, u string) (Transport, error) {
			dialed = u
			return base(ctx, u)
		}
	})
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(dialed)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("tenant_id") != "acme" {
		t.Errorf("tenant_id missing from URL %q", dialed)
	}
	if strings.Contains(dialed, "tok-secret") {
		t.Errorf("credential leaked into URL %q", dialed)
	}
}

func TestConn_ClientClose(t *testing.T) {
	h := newConnHarness(t, nil)
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateConnected)
	h.conn.Close()
	h.waitState(t, StateClosing)

	select {
	case <-h.ft.closed:
	case <-time.After(time.Second):
		t.Error("transport not closed on client close")
	}
}

func TestConn_ReaderReleasedOnTerminalFailure(t *testing.T) {
	before := runtime.NumGoroutine()

	h := newConnHarness(t, func(cfg *Config) {
		cfg.JoinFallback = 5 * time.Millisecond
		cfg.JoinTimeout = 30 * time.Millisecond
	})
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Keep the inbound pipeline saturated past the join timeout: frames
	// still in flight when the loop dies must not strand the reader.
	pusherDone := make(chan struct{})
	go func() {
		defer close(pusherDone)
		for {
			select {
			case h.ft.incoming <- []byte(`{"type":"noise","data":{}}`):
			case <-h.conn.Done():
				return
			}
		}
	}()

	timeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case <-h.conn.Done():
			break drain
		case <-h.events:
		case <-timeout:
			t.Fatal("connection never reached a terminal state")
		}
	}
	<-pusherDone
	if st, code, _ := h.conn.Terminal(); st != StateFailed || code != wire.CloseJoinTimeout {
		t.Fatalf("terminal = (%s, %d), want (failed, %d)", st, code, wire.CloseJoinTimeout)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before {
		time.Sleep(5 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before {
		t.Fatalf("%d goroutines running after terminal failure, started with %d", got, before)
	}
}
