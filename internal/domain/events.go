package domain

import "time"

// EventKind identifies the variant of a PlayerEvent.
type EventKind int

const (
	// PlayerAppeared is emitted when a bus name starts advertising the player interface
	PlayerAppeared EventKind = iota + 1
	// PlayerVanished is emitted when the owner of a player bus name goes away
	PlayerVanished
	// MetadataChanged carries a fully-resolved metadata snapshot
	MetadataChanged
	// BusError reports a bus-level failure, see BusErrorKind
	BusError
)

func (k EventKind) String() string {
	switch k {
	case PlayerAppeared:
		return "appeared"
	case PlayerVanished:
		return "vanished"
	case MetadataChanged:
		return "metadata"
	case BusError:
		return "bus-error"
	default:
		return "unknown"
	}
}

// BusErrorKind qualifies a BusError event.
type BusErrorKind int

const (
	// BusDisconnected is terminal: the event sequence ends after it
	BusDisconnected BusErrorKind = iota + 1
	// BusQueryFailed means a player could not be queried; the sequence continues
	BusQueryFailed
)

func (k BusErrorKind) String() string {
	switch k {
	case BusDisconnected:
		return "disconnected"
	case BusQueryFailed:
		return "query-failed"
	default:
		return "unknown"
	}
}

// PlayerEvent is one item of the bus client's event sequence.
type PlayerEvent struct {
	Kind     EventKind
	Identity PlayerIdentity
	// Name is the display name, set on PlayerAppeared when known
	Name     string
	Metadata MediaMetadata
	BusErr   BusErrorKind
	Err      error
	// At is the time the bus client observed the change
	At time.Time
}

// Terminal reports whether no further events follow this one.
func (e PlayerEvent) Terminal() bool {
	return e.Kind == BusError && e.BusErr == BusDisconnected
}

// PresenceStatus is the connectivity sub-state of the presence session.
type PresenceStatus int

const (
	PresenceDown PresenceStatus = iota
	PresenceUp
)

func (s PresenceStatus) String() string {
	if s == PresenceUp {
		return "up"
	}
	return "down"
}
