package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/haloline/chatlink/pkg/wire"
)

// ConnState is the lifecycle state of one connection attempt.
type ConnState string

const (
	StateIdle           ConnState = "idle"
	StateConnecting     ConnState = "connecting"
	StateConnected      ConnState = "connected"
	StateAuthenticating ConnState = "authenticating"
	StateReady          ConnState = "ready"
	StateReconnecting   ConnState = "reconnecting"
	StateClosing        ConnState = "closing"
	StateFailed         ConnState = "failed"
)

// StateChange is delivered to the state subscriber on every transition.
// CloseCode is set when a transport close triggered the change.
type StateChange struct {
	State     ConnState
	CloseCode int
	Err       error
}

// Wire error codes that end the connection without retry: the credential or
// configuration has to change before another attempt is meaningful.
var authErrorCodes = map[string]bool{
	"auth_required":   true,
	"auth_invalid":    true,
	"auth_expired":    true,
	"tenant_mismatch": true,
}

// Conn is a single connection attempt: it owns exactly one Transport, drives
// the join handshake and heartbeat, and routes normalized events to its
// subscriber. Reconnecting means discarding the Conn and building a new one;
// a Conn is never resurrected.
type Conn struct {
	cfg       Config
	sessionID string
	policy    *ReconnectPolicy
	norm      *wire.Normalizer
	clock     clockwork.Clock
	logger    *slog.Logger

	onEvent func(wire.Envelope)
	onState func(StateChange)

	mu        sync.Mutex
	state     ConnState
	transport Transport
	closeCode int
	lastErr   error

	stopOnce sync.Once
	stop     chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

// NewConn builds a connection attempt. onEvent and onState run on the
// connection's own loop, strictly in arrival order; both may be nil.
func NewConn(cfg Config, sessionID string, onEvent func(wire.Envelope), onState func(StateChange)) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:       cfg,
		sessionID: sessionID,
		policy:    NewReconnectPolicy(cfg),
		norm:      wire.NewNormalizer(),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		onEvent:   onEvent,
		onState:   onState,
		state:     StateIdle,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect opens the transport and starts the connection loop. The tenant id
// travels as a URL query parameter; the credential only ever travels inside
// the join frame.
func (c *Conn) Connect(ctx context.Context) error {
	const op = "session.Connect"

	if c.cfg.TenantID == "" {
		err := newError(CategoryConfiguration, "missing_tenant", "tenant id is required")
		c.finish(StateFailed, wire.CloseConfigError, err)
		return err
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		cerr := newError(CategoryConfiguration, "bad_url", "transport URL %q must be ws:// or wss://", c.cfg.URL)
		c.finish(StateFailed, wire.CloseConfigError, cerr)
		return cerr
	}
	q := u.Query()
	q.Set("tenant_id", c.cfg.TenantID)
	u.RawQuery = q.Encode()

	c.setState(StateConnecting, 0, nil)
	if c.logger != nil {
		c.logger.With("op", op).Info("dialing", slog.String("host", u.Host), slog.String("tenant", c.cfg.TenantID))
	}

	t, err := c.cfg.Dialer(ctx, u.String())
	if err != nil {
		derr := wrapError(CategoryTransient, "dial_failed", err, "websocket dial")
		c.finish(StateFailed, wire.CloseAbnormal, derr)
		return fmt.Errorf("dial %s: %w", u.Host, derr)
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	c.setState(StateConnected, 0, nil)

	go c.run(t)
	return nil
}

// Send writes an application frame. Only legal once the join handshake has
// completed, which keeps the join frame ahead of every application frame.
func (c *Conn) Send(env wire.Envelope) error {
	c.mu.Lock()
	st, t := c.state, c.transport
	c.mu.Unlock()

	if t == nil {
		return errNotConnected
	}
	if st != StateReady {
		return fmt.Errorf("%w (state %s)", errNotReady, st)
	}
	frame, err := c.norm.Outbound(env)
	if err != nil {
		return wrapError(CategoryValidation, "bad_frame", err, "outbound frame")
	}
	return t.WriteJSON(frame)
}

// Close initiates a client-side close. Idempotent.
func (c *Conn) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reached a terminal state.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Terminal reports the final state, close code and cause. Valid after Done.
func (c *Conn) Terminal() (ConnState, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.closeCode, c.lastErr
}

// run is the single event loop for this connection. Inbound frames are
// processed strictly in arrival order; every timer it starts dies with it.
func (c *Conn) run(t Transport) {
	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	// quit releases the reader on every exit path, not just client close;
	// otherwise a reader blocked on a full frames buffer outlives the loop.
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			msg, err := t.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-quit:
				return
			}
		}
	}()

	joinFallback := c.clock.After(c.cfg.JoinFallback)
	var joinTimeout <-chan time.Time
	joinSent := false

	sendJoin := func() {
		if joinSent {
			return
		}
		joinSent = true
		c.setState(StateAuthenticating, 0, nil)
		frame, err := c.norm.Outbound(wire.Envelope{
			Type: wire.TypeJoinChat,
			Data: map[string]any{
				"session_id": c.sessionID,
				"chat_id":    c.cfg.ChatID,
				"token":      c.cfg.Credential,
			},
		})
		if err == nil {
			err = t.WriteJSON(frame)
		}
		if err != nil && c.logger != nil {
			// The read loop will surface the close shortly.
			c.logger.Error("join frame write failed", slog.Any("error", err))
		}
		joinTimeout = c.clock.After(c.cfg.JoinTimeout)
	}

	for {
		select {
		case <-c.stop:
			c.finish(StateClosing, wire.CloseNormal, nil)
			_ = t.Close(wire.CloseNormal, "client closing")
			return

		case <-joinFallback:
			joinFallback = nil
			sendJoin()

		case <-joinTimeout:
			err := newError(CategoryProtocol, "join_timeout", "no join response within %s", c.cfg.JoinTimeout)
			c.finish(StateFailed, wire.CloseJoinTimeout, err)
			_ = t.Close(wire.CloseJoinTimeout, "join timeout")
			return

		case err := <-readErr:
			select {
			case <-c.stop:
				// Our own close racing the read error.
				c.finish(StateClosing, wire.CloseNormal, nil)
				return
			default:
			}
			code := CloseStatus(err)
			if c.policy.Retryable(code) {
				c.finish(StateReconnecting, code, wrapError(CategoryTransient, "", err, "transport closed"))
			} else {
				c.finish(StateFailed, code, c.classifyClose(code, err))
			}
			return

		case raw := <-frames:
			env := c.norm.Inbound(raw)
			if !env.Normalized {
				if c.logger != nil {
					c.logger.Warn("dropping malformed frame", slog.String("error", env.NormalizeErr))
				}
				c.emit(env)
				continue
			}

			switch env.Type {
			case wire.TypeConnectionEstablished:
				// Some backend versions flag readiness here already.
				if ready, _ := env.Data["ready"].(bool); ready {
					sendJoin()
				}
				c.emit(env)

			case wire.TypeConnectionReady:
				sendJoin()
				c.emit(env)

			case wire.TypeChatJoined:
				joinTimeout = nil
				c.setState(StateReady, 0, nil)
				c.emit(env)

			case wire.TypePing:
				pong, err := c.norm.Outbound(wire.Envelope{Type: wire.TypePong})
				if err == nil {
					err = t.WriteJSON(pong)
				}
				if err != nil && c.logger != nil {
					c.logger.Warn("pong write failed", slog.Any("error", err))
				}

			case wire.TypeError:
				code, _ := env.Data["code"].(string)
				if authErrorCodes[code] {
					err := newError(CategoryAuth, code, "backend rejected credentials")
					c.finish(StateFailed, wire.CloseAuthInvalid, err)
					_ = t.Close(wire.CloseAuthInvalid, code)
					return
				}
				c.emit(env)

			default:
				c.emit(env)
			}
		}
	}
}

func (c *Conn) classifyClose(code int, cause error) error {
	switch code {
	case wire.CloseNormal:
		return nil
	case wire.CloseConfigError, wire.CloseTenantMismatch:
		return wrapError(CategoryConfiguration, fmt.Sprint(code), cause, "backend refused configuration")
	case wire.CloseAuthRequired, wire.CloseAuthInvalid:
		return wrapError(CategoryAuth, fmt.Sprint(code), cause, "backend rejected credentials")
	default:
		return wrapError(CategoryProtocol, fmt.Sprint(code), cause, "protocol failure")
	}
}

func (c *Conn) emit(env wire.Envelope) {
	if c.onEvent != nil {
		c.onEvent(env)
	}
}

// setState applies a transition unless the connection already reached a
// terminal state.
func (c *Conn) setState(st ConnState, code int, err error) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = st
	if code != 0 {
		c.closeCode = code
	}
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(StateChange{State: st, CloseCode: code, Err: err})
	}
}

// finish records a terminal transition and releases Done waiters.
func (c *Conn) finish(st ConnState, code int, err error) {
	c.setState(st, code, err)
	c.doneOnce.Do(func() { close(c.done) })
}
