package domain

import "time"

// Key is a 64-bit packed timestamp used for slice identity and ordering:
// the high 32 bits are seconds since epoch, the low 32 bits are
// nanoseconds within that second. Keys are opaque totally-ordered
// identifiers; arithmetic on them is only used for age comparison.
type Key int64

// NewKey packs a (seconds, nanoseconds) pair into a Key.
func NewKey(seconds, nanos int64) Key {
	return Key((seconds << 32) | (nanos & 0xffffffff))
}

// KeyFromTime packs a wall-clock time into a Key using the same epoch the
// caller's timestamps are already in (BSAS does not reinterpret epochs at
// this layer; see internal/tablereceiver for the POSIX offset applied at
// publish time).
func KeyFromTime(t time.Time) Key {
	return NewKey(t.Unix(), int64(t.Nanosecond()))
}

// Split unpacks a Key back into (seconds, nanoseconds).
func (k Key) Split() (seconds, nanos int64) {
	return int64(k) >> 32, int64(k) & 0xffffffff
}

// Age returns now-k as a duration, clamped to zero if k is in the future.
func (k Key) Age(now Key) time.Duration {
	seconds, nanos := k.Split()
	nowSeconds, nowNanos := now.Split()
	d := time.Duration(nowSeconds-seconds)*time.Second + time.Duration(nowNanos-nanos)*time.Nanosecond
	if d < 0 {
		return 0
	}
	return d
}

// Before reports whether k identifies an earlier sample than other.
func (k Key) Before(other Key) bool { return k < other }
