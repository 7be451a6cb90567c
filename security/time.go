package security

import "time"

// ExpiresIn returns the whole seconds of validity left for a value created at
// createdAt with the given lifetime, clamped at zero. The boundary is
// inclusive: at exactly lifetime elapsed one more second remains reported as
// zero but the value is still live.
func ExpiresIn(createdAt time.Time, lifetime time.Duration, now time.Time) int64 {
	remaining := lifetime - now.Sub(createdAt)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

// WithinWindow reports whether a value created at createdAt is still valid at
// now for the given lifetime. Mirrors the window the stores evaluate in their
// queries.
func WithinWindow(createdAt time.Time, lifetime time.Duration, now time.Time) bool {
	return now.Sub(createdAt) <= lifetime
}
