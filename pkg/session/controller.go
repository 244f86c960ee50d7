package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/haloline/chatlink/pkg/wire"
)

// Status is the simplified session status exposed to callers. The engine
// always resolves to one of these; it never leaves a caller in an ambiguous
// state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// SessionStore persists the session identifier across restarts so that
// create-session calls stay idempotent. Implementations must be safe for
// concurrent use.
type SessionStore interface {
	Load() (string, bool)
	Save(id string)
}

// MemStore is the default in-process SessionStore.
type MemStore struct {
	mu sync.Mutex
	id string
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Load() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != ""
}

func (s *MemStore) Save(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// SessionRef is the backend's session-creation response.
type SessionRef struct {
	SessionID string    `json:"session_id"`
	VisitorID string    `json:"visitor_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HTTP statuses on which create-session may be repeated: the backend is not
// ready yet, the request itself was fine.
var retryableSessionStatus = map[int]bool{
	http.StatusServiceUnavailable: true,
	http.StatusTooEarly:           true,
}

// Controller orchestrates one logical chat: REST session creation, one live
// Conn at a time, and the message registry. All lifecycle is explicit; Close
// stops every timer and goroutine the controller started.
type Controller struct {
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	policy   *ReconnectPolicy
	registry *Registry
	store    SessionStore
	httpc    *http.Client

	events   chan wire.Envelope
	statusCh chan Status

	mu         sync.Mutex
	conn       *Conn
	status     Status
	session    SessionRef
	credential string
	dropped    int
	timers     map[string]clockwork.Timer // provisional id -> processing deadline

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewController validates the configuration and builds the engine. The
// registry is owned by the controller and torn down with it.
func NewController(cfg Config, store SessionStore) (*Controller, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, newError(CategoryConfiguration, "missing_url", "transport URL is required")
	}
	if cfg.TenantID == "" {
		return nil, newError(CategoryConfiguration, "missing_tenant", "tenant id is required")
	}
	if cfg.SessionEndpoint == "" {
		return nil, newError(CategoryConfiguration, "missing_endpoint", "session endpoint is required")
	}
	if store == nil {
		store = NewMemStore()
	}
	return &Controller{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		policy:     NewReconnectPolicy(cfg),
		registry:   NewRegistry(cfg),
		store:      store,
		httpc:      cfg.HTTPClient,
		events:     make(chan wire.Envelope, cfg.EventBuffer),
		statusCh:   make(chan Status, 16),
		status:     StatusClosed,
		credential: cfg.Credential,
		timers:     make(map[string]clockwork.Timer),
		stop:       make(chan struct{}),
	}, nil
}

// Registry exposes the message registry for inspection.
func (c *Controller) Registry() *Registry { return c.registry }

// Events delivers normalized application events. The channel is buffered;
// events are dropped (and counted) rather than ever blocking the connection.
func (c *Controller) Events() <-chan wire.Envelope { return c.events }

// StatusChanges delivers simplified status transitions.
func (c *Controller) StatusChanges() <-chan Status { return c.statusCh }

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns the session reference once Start succeeded.
func (c *Controller) Session() SessionRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetCredential replaces the credential used by the next connection attempt.
// The live connection is unaffected; auth failures are terminal per attempt.
func (c *Controller) SetCredential(token string) {
	c.mu.Lock()
	c.credential = token
	c.mu.Unlock()
}

// Start creates (or resumes) the backend session and brings up the
// connection supervisor. It returns once the session exists; connection
// progress is observable via StatusChanges.
func (c *Controller) Start(ctx context.Context) error {
	select {
	case <-c.stop:
		return errClosed
	default:
	}

	c.setStatus(StatusConnecting)
	ref, err := c.createSession(ctx)
	if err != nil {
		c.setStatus(StatusError)
		return err
	}
	c.mu.Lock()
	c.session = ref
	c.mu.Unlock()

	c.wg.Add(1)
	go c.supervise(ctx)
	return nil
}

// SendText registers and sends a user message. The returned record carries
// the provisional id the server response will be reconciled against.
func (c *Controller) SendText(text string) (Record, error) {
	conn := c.currentConn()
	if conn == nil {
		return Record{}, errNotConnected
	}

	rec := c.registry.Register(text, nil, "")
	c.registry.UpdateState(rec.ID, MessageSending)

	err := conn.Send(wire.Envelope{
		Type: wire.TypeUserMessage,
		Data: map[string]any{
			"message_id": rec.ProvisionalID,
			"chat_id":    c.cfg.ChatID,
			"session_id": c.Session().SessionID,
			"text":       text,
		},
	})
	if err != nil {
		c.registry.UpdateState(rec.ID, MessageFailed)
		return rec, err
	}
	c.registry.UpdateState(rec.ID, MessageSent)
	c.armProcessingTimer(rec.ProvisionalID)
	rec.State = MessageSent
	return rec, nil
}

// Close tears the session down: the live connection, the supervisor and the
// registry sweep. No background work survives it.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if conn := c.currentConn(); conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.mu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.registry.Close()
	c.setStatus(StatusClosed)
}

// -----------------------------------------------------------------------------
// Connection supervision
// -----------------------------------------------------------------------------

// supervise runs one Conn at a time. A discarded Conn's callbacks are fenced
// by instance identity so late events can never corrupt the current attempt.
func (c *Controller) supervise(ctx context.Context) {
	defer c.wg.Done()
	attempt := 0

	for {
		select {
		case <-c.stop:
			c.setStatus(StatusClosed)
			return
		case <-ctx.Done():
			c.setStatus(StatusClosed)
			return
		default:
		}

		var sawReady atomic.Bool
		var conn *Conn
		conn = NewConn(c.connConfig(), c.Session().SessionID,
			func(env wire.Envelope) { c.handleConnEvent(conn, env) },
			func(sc StateChange) {
				if c.currentConn() != conn {
					return
				}
				if sc.State == StateReady {
					sawReady.Store(true)
					c.setStatus(StatusReady)
				}
			},
		)
		c.setConn(conn)

		err := conn.Connect(ctx)
		if err == nil {
			select {
			case <-conn.Done():
			case <-c.stop:
				conn.Close()
				<-conn.Done()
				c.setStatus(StatusClosed)
				return
			case <-ctx.Done():
				conn.Close()
				<-conn.Done()
				c.setStatus(StatusClosed)
				return
			}
		}

		state, code, cause := conn.Terminal()
		if state == StateClosing || code == wire.CloseNormal {
			c.setStatus(StatusClosed)
			return
		}
		if state == StateFailed && CategoryOf(cause) != CategoryTransient {
			if c.logger != nil {
				c.logger.Error("session failed", slog.Int("close_code", code), slog.Any("error", cause))
			}
			c.setStatus(StatusError)
			return
		}

		// Transient disconnect. A period of healthy service resets the budget.
		if sawReady.Load() {
			attempt = 0
		}
		attempt++
		d := c.policy.Decide(code, attempt)
		if !d.Retry {
			if c.logger != nil {
				c.logger.Error("reconnect budget exhausted", slog.Int("attempts", attempt-1), slog.Int("close_code", code))
			}
			c.setStatus(StatusError)
			return
		}

		c.setStatus(StatusReconnecting)
		if c.logger != nil {
			c.logger.Warn("reconnecting",
				slog.Int("attempt", attempt),
				slog.Int("close_code", code),
				slog.Duration("delay", d.Delay))
		}
		select {
		case <-c.clock.After(d.Delay):
		case <-c.stop:
			c.setStatus(StatusClosed)
			return
		case <-ctx.Done():
			c.setStatus(StatusClosed)
			return
		}
	}
}

// handleConnEvent routes an event only when it came from the live
// connection. Callbacks from a superseded instance are discarded whole.
func (c *Controller) handleConnEvent(conn *Conn, env wire.Envelope) {
	if c.currentConn() != conn {
		return
	}
	c.routeEvent(env)
}

// routeEvent forwards a normalized event to subscribers and drives registry
// transitions off message-bearing frames.
func (c *Controller) routeEvent(env wire.Envelope) {
	switch env.Type {
	case wire.TypeProcessing:
		if id := correlationID(env); id != "" {
			c.registry.UpdateState(id, MessageProcessing)
			c.resetProcessingTimer(id)
		}

	case wire.TypeResponseComplete:
		serverID := env.MessageID
		if clientID, _ := env.Data["client_message_id"].(string); clientID != "" {
			c.registry.Reconcile(clientID, serverID, env.Data)
			c.cancelProcessingTimer(clientID)
		} else if content, _ := env.Data["content"].(string); content != "" {
			if rec, ok := c.registry.ReconcileByContent(content, serverID, env.Data, c.cfg.SimilarityThreshold); ok {
				c.cancelProcessingTimer(rec.ProvisionalID)
			} else {
				// No local intent matches: an unsolicited server message.
				c.registry.Register(content, env.Data, serverID)
			}
		}
	}

	select {
	case c.events <- env:
	default:
		c.mu.Lock()
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Warn("subscriber slow, event dropped", slog.String("type", env.Type), slog.Int("dropped_total", n))
		}
	}
}

// -----------------------------------------------------------------------------
// Processing deadline
// -----------------------------------------------------------------------------

// armProcessingTimer bounds the wait for a sent message's final response. A
// backend that acknowledges and then goes silent must surface as a stuck
// message, not leave the caller waiting in a ready session forever.
func (c *Controller) armProcessingTimer(id string) {
	timer := c.clock.AfterFunc(c.cfg.ProcessingTimeout, func() { c.processingTimedOut(id) })
	c.mu.Lock()
	c.timers[id] = timer
	c.mu.Unlock()
}

// resetProcessingTimer restarts the deadline: a processing acknowledgement
// proves the backend is alive, so the wait budget starts over.
func (c *Controller) resetProcessingTimer(id string) {
	c.mu.Lock()
	timer, ok := c.timers[id]
	c.mu.Unlock()
	if ok {
		timer.Reset(c.cfg.ProcessingTimeout)
	}
}

func (c *Controller) cancelProcessingTimer(id string) {
	c.mu.Lock()
	timer, ok := c.timers[id]
	delete(c.timers, id)
	c.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (c *Controller) processingTimedOut(id string) {
	c.mu.Lock()
	delete(c.timers, id)
	c.mu.Unlock()

	rec, ok := c.registry.Get(id)
	if !ok || rec.State == MessageReconciled || rec.State == MessageFailed {
		return
	}
	c.registry.UpdateState(id, MessageFailed)

	err := newError(CategoryProcessing, "processing_timeout", "no response within %s", c.cfg.ProcessingTimeout)
	if c.logger != nil {
		c.logger.Warn("message processing timed out",
			slog.String("client_message_id", id),
			slog.Duration("timeout", c.cfg.ProcessingTimeout))
	}
	c.routeEvent(wire.Envelope{
		Type:       wire.TypeError,
		Normalized: true,
		EventTS:    c.clock.Now().UnixMilli(),
		Data: map[string]any{
			"code":              "processing_timeout",
			"client_message_id": id,
			"content":           err.Error(),
		},
	})
}

// correlationID picks the id a frame refers to: the echoed client id when
// present, otherwise the frame's own message id.
func correlationID(env wire.Envelope) string {
	if id, _ := env.Data["client_message_id"].(string); id != "" {
		return id
	}
	return env.MessageID
}

func (c *Controller) connConfig() Config {
	cfg := c.cfg
	c.mu.Lock()
	cfg.Credential = c.credential
	c.mu.Unlock()
	return cfg
}

func (c *Controller) currentConn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Controller) setConn(conn *Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Controller) setStatus(st Status) {
	c.mu.Lock()
	if c.status == st {
		c.mu.Unlock()
		return
	}
	c.status = st
	c.mu.Unlock()

	select {
	case c.statusCh <- st:
	default:
	}
}

// -----------------------------------------------------------------------------
// REST session creation
// -----------------------------------------------------------------------------

// createSession obtains the backend session. The persisted session id is the
// idempotency key: repeating the call with the same id yields the same
// logical session. Only "backend not ready" statuses are retried, with the
// same jittered backoff shape as reconnection.
func (c *Controller) createSession(ctx context.Context) (SessionRef, error) {
	const op = "session.create"

	sid, ok := c.store.Load()
	if !ok {
		sid = newSessionID()
		c.store.Save(sid)
	}

	body, err := json.Marshal(map[string]string{
		"session_id": sid,
		"tenant_id":  c.cfg.TenantID,
		"visitor_id": uuid.NewString(),
	})
	if err != nil {
		return SessionRef{}, fmt.Errorf("marshal session request: %w", err)
	}

	retry := &ReconnectPolicy{
		Base:        c.cfg.SessionRetryBase,
		Cap:         c.cfg.ReconnectCap,
		JitterPct:   c.cfg.ReconnectJitterPct,
		MaxAttempts: c.cfg.SessionRetryAttempts,
		rand:        mathrand.Float64,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.SessionRetryAttempts; attempt++ {
		ref, retryable, err := c.postSession(ctx, body)
		if err == nil {
			if ref.SessionID == "" {
				ref.SessionID = sid
			}
			c.store.Save(ref.SessionID)
			return ref, nil
		}
		if !retryable {
			return SessionRef{}, err
		}
		lastErr = err
		if attempt == c.cfg.SessionRetryAttempts {
			break
		}

		d := retry.Decide(wire.CloseServerRestart, attempt)
		if !d.Retry {
			break
		}
		if c.logger != nil {
			c.logger.Warn("session creation retry",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", d.Delay),
				slog.Any("error", err))
		}
		select {
		case <-c.clock.After(d.Delay):
		case <-ctx.Done():
			return SessionRef{}, ctx.Err()
		case <-c.stop:
			return SessionRef{}, errClosed
		}
	}
	return SessionRef{}, fmt.Errorf("create session after %d attempts: %w", c.cfg.SessionRetryAttempts, lastErr)
}

// postSession performs one create-session attempt. The second return value
// reports whether the failure is in the designated retryable set.
func (c *Controller) postSession(ctx context.Context, body []byte) (SessionRef, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.SessionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.SessionEndpoint, bytes.NewReader(body))
	if err != nil {
		return SessionRef{}, false, wrapError(CategoryConfiguration, "bad_endpoint", err, "session request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return SessionRef{}, true, wrapError(CategoryTransient, "session_post", err, "session request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ref SessionRef
		if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
			return SessionRef{}, false, wrapError(CategoryProtocol, "bad_session_body", err, "decode session response")
		}
		return ref, false, nil

	case retryableSessionStatus[resp.StatusCode]:
		return SessionRef{}, true, newError(CategoryTransient, fmt.Sprint(resp.StatusCode), "backend not ready (HTTP %d)", resp.StatusCode)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return SessionRef{}, false, newError(CategoryAuth, fmt.Sprint(resp.StatusCode), "session creation rejected (HTTP %d)", resp.StatusCode)

	case resp.StatusCode == http.StatusUnprocessableEntity:
		return SessionRef{}, false, newError(CategoryValidation, "422", "session request rejected: %s", readBodyPreview(resp.Body))

	case resp.StatusCode == http.StatusTooManyRequests:
		return SessionRef{}, false, newError(CategoryRateLimited, "429", "rate limited, retry after %s", resp.Header.Get("Retry-After"))

	default:
		return SessionRef{}, false, newError(CategoryProtocol, fmt.Sprint(resp.StatusCode), "unexpected session response (HTTP %d)", resp.StatusCode)
	}
}

func readBodyPreview(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(b)
}

// newSessionID yields a ULID session identifier, time-ordered and safe to
// use as an idempotency key.
func newSessionID() string {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
