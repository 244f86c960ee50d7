package session

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config defines engine settings and protocol timing defaults.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://chat.example.com/ws".
	// The tenant id is appended as a query parameter at connect time; the
	// credential never appears in the URL.
	URL        string
	TenantID   string
	ChatID     string
	Credential string

	// SessionEndpoint is the REST endpoint for idempotent session creation.
	SessionEndpoint string

	JoinFallback time.Duration // send join even without connection_ready
	JoinTimeout  time.Duration // server must answer the join frame within this

	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectJitterPct   int
	MaxReconnectAttempts int

	OrphanTimeout  time.Duration // pending/sending records older than this orphan
	OrphanGrace    time.Duration // orphaned records linger this long for late reconcile
	SweepInterval  time.Duration
	MaxProvisional int // ceiling on outstanding unreconciled records

	// SimilarityThreshold gates content-based reconciliation (0..1).
	SimilarityThreshold float64

	// ProcessingTimeout bounds how long a sent message may wait for its
	// final response before it is surfaced as stuck.
	ProcessingTimeout time.Duration

	SessionRetryAttempts int
	SessionRetryBase     time.Duration
	SessionTimeout       time.Duration // per create-session attempt

	EventBuffer int // subscriber channel capacity

	Dialer     Dialer
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

func durDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// withDefaults resolves zero values to protocol defaults. Returned by value
// so a shared Config literal is never mutated.
func (c Config) withDefaults() Config {
	c.JoinFallback = durDefault(c.JoinFallback, time.Second)
	c.JoinTimeout = durDefault(c.JoinTimeout, 10*time.Second)
	c.ReconnectBase = durDefault(c.ReconnectBase, 500*time.Millisecond)
	c.ReconnectCap = durDefault(c.ReconnectCap, 8*time.Second)
	if c.ReconnectJitterPct <= 0 {
		c.ReconnectJitterPct = 30
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	c.OrphanTimeout = durDefault(c.OrphanTimeout, 5*time.Minute)
	c.OrphanGrace = durDefault(c.OrphanGrace, time.Minute)
	c.SweepInterval = durDefault(c.SweepInterval, 30*time.Second)
	if c.MaxProvisional <= 0 {
		c.MaxProvisional = 1000
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.8
	}
	c.ProcessingTimeout = durDefault(c.ProcessingTimeout, 60*time.Second)
	if c.SessionRetryAttempts <= 0 {
		c.SessionRetryAttempts = 3
	}
	c.SessionRetryBase = durDefault(c.SessionRetryBase, 500*time.Millisecond)
	c.SessionTimeout = durDefault(c.SessionTimeout, 10*time.Second)
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Dialer == nil {
		c.Dialer = DialWebSocket
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}
