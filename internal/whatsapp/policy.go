package whatsapp

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultReconnectDelays are the base delays per disconnect reason.
var DefaultReconnectDelays = map[DisconnectReason]time.Duration{
	ReasonConnectionLost:  3 * time.Second,
	ReasonRestartRequired: 1 * time.Second,
	ReasonRateLimited:     60 * time.Second,
	ReasonReplaced:        30 * time.Second,
	ReasonInitFailed:      10 * time.Second,
	ReasonPairingTimeout:  5 * time.Second,
}

// ReconnectPolicy decides whether and when a closed session is restarted.
// Repeated failures of the same kind back off exponentially from the
// reason's base delay; reaching StateOpen resets the sequence.
type ReconnectPolicy struct {
	base     map[DisconnectReason]time.Duration
	maxDelay time.Duration

	mu    sync.Mutex
	state map[SessionIdentity]*reconnectState
}

type reconnectState struct {
	reason DisconnectReason
	b      *backoff.ExponentialBackOff
}

func NewReconnectPolicy(overrides map[DisconnectReason]time.Duration, maxDelay time.Duration) *ReconnectPolicy {
	base := make(map[DisconnectReason]time.Duration, len(DefaultReconnectDelays))
	for r, d := range DefaultReconnectDelays {
		base[r] = d
	}
	for r, d := range overrides {
		if d > 0 {
			base[r] = d
		}
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return &ReconnectPolicy{base: base, maxDelay: maxDelay, state: make(map[SessionIdentity]*reconnectState)}
}

// ShouldReconnect is false for reasons that need an operator: a logged out
// device must pair again and an outdated client must be upgraded.
func (p *ReconnectPolicy) ShouldReconnect(reason DisconnectReason) bool {
	switch reason {
	case ReasonLoggedOut, ReasonClientOutdated, ReasonOperator:
		return false
	}
	return true
}

// BaseDelay returns the first delay used for reason.
func (p *ReconnectPolicy) BaseDelay(reason DisconnectReason) time.Duration {
	if d, ok := p.base[reason]; ok {
		return d
	}
	return p.base[ReasonConnectionLost]
}

// Next returns the delay before the next attempt for identity.
func (p *ReconnectPolicy) Next(identity SessionIdentity, reason DisconnectReason) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[identity]
	if !ok || st.reason != reason {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.BaseDelay(reason)
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = p.maxDelay
		b.MaxElapsedTime = 0
		b.Reset()
		st = &reconnectState{reason: reason, b: b}
		p.state[identity] = st
	}
	d := st.b.NextBackOff()
	if d == backoff.Stop || d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// Reset forgets the failure history of identity.
func (p *ReconnectPolicy) Reset(identity SessionIdentity) {
	p.mu.Lock()
	delete(p.state, identity)
	p.mu.Unlock()
}
