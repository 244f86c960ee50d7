package session

import (
	"testing"
	"time"

	"github.com/haloline/chatlink/pkg/wire"
)

func testPolicy(rand func() float64) *ReconnectPolicy {
	p := NewReconnectPolicy(Config{})
	if rand != nil {
		p.rand = rand
	}
	return p
}

func TestDecide_TerminalCodesNeverRetry(t *testing.T) {
	terminal := []int{
		wire.CloseNormal,
		wire.CloseConfigError,
		wire.CloseBadFirstFrame,
		wire.CloseAuthRequired,
		wire.CloseAuthInvalid,
		wire.CloseTenantMismatch,
		wire.CloseJoinTimeout,
	}
	p := testPolicy(nil)
	for _, code := range terminal {
		for attempt := 1; attempt <= 12; attempt++ {
			if d := p.Decide(code, attempt); d.Retry {
				t.Errorf("Decide(%d, %d).Retry = true, want false", code, attempt)
			}
		}
	}
}

func TestDecide_TransientCodesRetryWithBackoff(t *testing.T) {
	p := testPolicy(func() float64 { return 0 }) // no jitter

	var prev time.Duration
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Decide(wire.CloseServerRestart, attempt)
		if !d.Retry {
			t.Fatalf("Decide(restart, %d).Retry = false within max attempts", attempt)
		}
		if d.Delay < prev {
			t.Errorf("delay shrank: attempt %d gave %v after %v", attempt, d.Delay, prev)
		}
		if d.Delay > p.Cap {
			t.Errorf("attempt %d: delay %v exceeds cap %v without jitter", attempt, d.Delay, p.Cap)
		}
		prev = d.Delay
	}

	if got := p.Decide(wire.CloseServerRestart, 1).Delay; got != p.Base {
		t.Errorf("first attempt delay = %v, want base %v", got, p.Base)
	}
}

func TestDecide_JitterBounded(t *testing.T) {
	p := testPolicy(func() float64 { return 0.999999 }) // worst-case jitter

	limit := time.Duration(float64(p.Cap) * 1.3)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Decide(wire.CloseAbnormal, attempt)
		if d.Delay > limit {
			t.Errorf("attempt %d: delay %v exceeds cap+jitter limit %v", attempt, d.Delay, limit)
		}
	}
}

func TestDecide_UnknownCodesAreTransient(t *testing.T) {
	p := testPolicy(nil)
	for _, code := range []int{wire.CloseAbnormal, 1011, 4999, -1} {
		if d := p.Decide(code, 1); !d.Retry {
			t.Errorf("Decide(%d, 1).Retry = false, want true", code)
		}
	}
}

func TestDecide_ExhaustedAttempts(t *testing.T) {
	p := NewReconnectPolicy(Config{MaxReconnectAttempts: 5})
	for attempt := 1; attempt <= 5; attempt++ {
		if !p.Decide(wire.CloseServerRestart, attempt).Retry {
			t.Fatalf("attempt %d rejected before max", attempt)
		}
	}
	// The sixth consecutive disconnect is past the budget.
	if p.Decide(wire.CloseServerRestart, 6).Retry {
		t.Error("Decide(restart, 6).Retry = true with MaxReconnectAttempts=5")
	}
}
