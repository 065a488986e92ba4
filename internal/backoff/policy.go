// Package backoff implements the reconnection policy consulted by the relay
// connection manager. Two modes are supported: exponential backoff with a
// cap, and a fixed interval used by endpoints that want a steady retry
// cadence. Both are pure functions of the attempt counter so behavior is
// deterministic and testable.
package backoff

import (
	"math"
	"time"
)

// Mode selects the delay curve.
type Mode string

const (
	ModeExponential Mode = "exponential"
	ModeFixed       Mode = "fixed"
)

// Policy defines the reconnect schedule for one endpoint. The zero value is
// not useful; call Normalize or start from DefaultPolicy.
type Policy struct {
	Mode Mode `yaml:"mode" json:"mode"`
	// Base is the first delay. In fixed mode it is the delay for every
	// attempt.
	Base time.Duration `yaml:"base" json:"base"`
	// Max caps the exponential curve. Ignored in fixed mode.
	Max time.Duration `yaml:"max" json:"max"`
	// MaxAttempts bounds automatic retries. Zero or negative disables
	// retrying entirely; a manual reconnect resets the counter.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultPolicy is the exponential schedule observed in production:
// 1s, 2s, 4s, ... capped at 30s, for at most 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Mode:        ModeExponential,
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// FixedPolicy is the steady 3s cadence used by the simpler widget endpoints.
func FixedPolicy() Policy {
	return Policy{
		Mode:        ModeFixed,
		Base:        3 * time.Second,
		MaxAttempts: 50,
	}
}

// Normalize fills unset fields with defaults so a partially configured
// policy never yields zero delays.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Mode != ModeFixed {
		p.Mode = ModeExponential
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// NextDelay returns the wait before reconnect attempt number attempt.
// Attempts are counted from zero: NextDelay(0) is the delay scheduled after
// the first failure. Exponential mode computes min(base * 2^attempt, max);
// fixed mode always returns Base.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Mode == ModeFixed {
		return p.Base
	}
	// Guard the shift: beyond 62 doublings the float math overflows long
	// before the cap applies.
	if attempt > 62 {
		return p.Max
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if delay > float64(p.Max) {
		return p.Max
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another automatic attempt is allowed after
// attempt failures. Once it returns false it stays false until the caller
// resets its attempt counter via a manual reconnect.
func (p Policy) ShouldRetry(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return false
	}
	return attempt < p.MaxAttempts
}
