package ports

import (
	"time"

	"github.com/beamsync/bsas/internal/domain"
)

// ChannelHandle identifies an open channel to one named signal on the
// southbound message bus.
type ChannelHandle uint64

// SubHandle identifies an active value+alarm monitor on a channel.
type SubHandle uint64

// Event is what the southbound bus hands back on every monitored update,
// per spec §6: {type, count, severity, status, timestamp, payload}.
type Event struct {
	ElementType domain.ElementType
	Count       uint32
	Severity    domain.Severity
	Status      uint16
	Timestamp   time.Time
	Payload     any
}

// SubscriptionClient abstracts the wire-level subscription client that
// delivers per-signal updates (spec §6, "southbound"). BSAS's core never
// depends on a concrete transport — only on this contract. See
// internal/adapters/opcuabus for the one shipped implementation.
type SubscriptionClient interface {
	// OpenChannel creates a channel to name and invokes onConnect(true)
	// or onConnect(false) on every connection state transition,
	// including the first.
	OpenChannel(name string, onConnect func(up bool)) (ChannelHandle, error)
	// Subscribe opens a value+alarm monitor on an already-open channel
	// and invokes onEvent for every update until Cancel is called.
	Subscribe(ch ChannelHandle, onEvent func(Event)) (SubHandle, error)
	// Cancel stops a monitor. No onEvent call is in progress when Cancel
	// returns.
	Cancel(sub SubHandle) error
	// CloseChannel releases a channel opened with OpenChannel. No
	// onConnect call is in progress when CloseChannel returns.
	CloseChannel(ch ChannelHandle) error
}
