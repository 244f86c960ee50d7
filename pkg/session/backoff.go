package session

import (
	"math"
	"math/rand"
	"time"

	"github.com/haloline/chatlink/pkg/wire"
)

// Decision is the outcome of one reconnect policy evaluation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// nonRetryable close codes: protocol, auth and configuration failures where
// redialing with the same inputs cannot succeed.
var nonRetryable = map[int]bool{
	wire.CloseNormal:         true,
	wire.CloseConfigError:    true,
	wire.CloseBadFirstFrame:  true,
	wire.CloseAuthRequired:   true,
	wire.CloseAuthInvalid:    true,
	wire.CloseTenantMismatch: true,
	wire.CloseJoinTimeout:    true,
}

// ReconnectPolicy decides whether and when to redial after a disconnect.
// Decide is pure given the injected random source.
type ReconnectPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	JitterPct   int
	MaxAttempts int

	// rand returns a value in [0,1). Overridden in tests.
	rand func() float64
}

func NewReconnectPolicy(cfg Config) *ReconnectPolicy {
	cfg = cfg.withDefaults()
	return &ReconnectPolicy{
		Base:        cfg.ReconnectBase,
		Cap:         cfg.ReconnectCap,
		JitterPct:   cfg.ReconnectJitterPct,
		MaxAttempts: cfg.MaxReconnectAttempts,
		rand:        rand.Float64,
	}
}

// Retryable reports whether the close code alone permits a reconnect.
func (p *ReconnectPolicy) Retryable(closeCode int) bool {
	return !nonRetryable[closeCode]
}

// Decide evaluates a disconnect. attempt is 1-based: the first redial after a
// disconnect is attempt 1. Delay grows exponentially from Base, is capped at
// Cap, and carries additive jitter of at most JitterPct percent so a fleet of
// clients does not redial in lockstep.
func (p *ReconnectPolicy) Decide(closeCode, attempt int) Decision {
	if !p.Retryable(closeCode) {
		return Decision{}
	}
	if attempt > p.MaxAttempts {
		return Decision{}
	}
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(p.Cap) {
		backoff = float64(p.Cap)
	}
	jitter := p.rand() * backoff * float64(p.JitterPct) / 100
	return Decision{Retry: true, Delay: time.Duration(backoff + jitter)}
}
