package fingerprint

import "time"

// CooldownPolicy decides whether a match may be surfaced given the last
// surfaced one. Consecutive snapshot windows overlap, so the same audio
// event is usually seen several cycles in a row.
type CooldownPolicy struct {
	// Cooldown suppresses any repeat of the same id.
	Cooldown time.Duration
	// Suppression suppresses a repeat of the same id unless its confidence
	// is strictly higher than the surfaced one. Should be >= Cooldown.
	Suppression time.Duration
}

// DefaultCooldownPolicy returns the 10s / 15s windows.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		Cooldown:    10 * time.Second,
		Suppression: 15 * time.Second,
	}
}

// Accept reports whether candidate may be surfaced. last is nil when nothing
// has been surfaced yet; elapsed is the time since last was surfaced.
func (p CooldownPolicy) Accept(candidate Match, last *Match, elapsed time.Duration) bool {
	if last == nil || last.ID != candidate.ID {
		return true
	}
	if elapsed < p.Cooldown {
		return false
	}
	if elapsed < p.Suppression && candidate.Confidence <= last.Confidence {
		return false
	}
	return true
}
