package shieldconfig

import "time"

// SpinPolicy adapts an Options' SpinBackoff settings to shield.SpinPolicy.
// Kept separate from *Options itself so a caller can hold configuration
// without importing shield at all; only code that wires the policy into
// the runtime needs the shield.SpinPolicy interface satisfied.
type SpinPolicy struct {
	cfg SpinBackoffConfig
}

// NewSpinPolicy builds a SpinPolicy from the given backoff settings.
func NewSpinPolicy(cfg SpinBackoffConfig) *SpinPolicy {
	return &SpinPolicy{cfg: cfg}
}

// Backoff implements shield.SpinPolicy: yield-only for the first
// YieldIterations spins, then exponential backoff from BaseDelay up to
// MaxDelay.
func (p *SpinPolicy) Backoff(iteration int) (time.Duration, bool) {
	if iteration < p.cfg.YieldIterations {
		return 0, true
	}
	shift := iteration - p.cfg.YieldIterations
	delay := p.cfg.BaseDelay
	for i := 0; i < shift && delay < p.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	return delay, false
}
