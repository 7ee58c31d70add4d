package ports

import "time"

// Policy carries the process-wide tunables from spec §6 as a
// configuration record passed to a Collector at construction, rather
// than as mutable global statics (spec §9, "Mutable global tunables").
// Changing a Policy value only affects Collectors built afterward.
type Policy struct {
	// MaxEventRate bounds the pending-slice map size: N_pending =
	// clamp(MaxEventRate*FlushPeriod, 10, 1000).
	MaxEventRate float64 `yaml:"max_event_rate"`
	// MaxEventAge is the forced-flush threshold for incomplete slices.
	MaxEventAge time.Duration `yaml:"max_event_age"`
	// FlushPeriod is the post-emission coalescing holdoff.
	FlushPeriod time.Duration `yaml:"flush_period"`
	// ScalarQueueDepth and ArrayQueueDepth are the default Subscription
	// FIFO limits for scalar and array signals respectively.
	ScalarQueueDepth int `yaml:"scalar_queue_depth"`
	ArrayQueueDepth  int `yaml:"array_queue_depth"`
}

// DefaultPolicy returns the tunable defaults named in spec §6.
func DefaultPolicy() Policy {
	return Policy{
		MaxEventRate:     20.0,
		MaxEventAge:      2500 * time.Millisecond,
		FlushPeriod:      2 * time.Second,
		ScalarQueueDepth: 130,
		ArrayQueueDepth:  15,
	}
}

// PendingLimit computes N_pending = clamp(MaxEventRate*FlushPeriod, 10, 1000).
func (p Policy) PendingLimit() int {
	n := int(p.MaxEventRate * p.FlushPeriod.Seconds())
	if n < 10 {
		return 10
	}
	if n > 1000 {
		return 1000
	}
	return n
}
