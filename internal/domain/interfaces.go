package domain

import "context"

// BusClient observes MPRIS players on the session bus.
// Implementations should handle D-Bus/MPRIS communication
type BusClient interface {
	// Connect opens a fresh bus connection. It wraps ErrBusUnavailable on failure.
	Connect(ctx context.Context) error

	// Watch returns the event sequence of the current connection. It starts with
	// a full enumeration of existing players and ends with a terminal BusError
	// when the connection drops, or silently when ctx is cancelled.
	// After a disconnect, Connect must be called again before the next Watch.
	Watch(ctx context.Context) <-chan PlayerEvent

	// Close releases the bus connection
	Close() error
}

// PresenceClient talks to the remote rich presence endpoint.
//
//go:generate mockgen -destination=mocks/presence_client_mock.go -package=mocks github.com/genricoloni/mprisence/internal/domain PresenceClient
type PresenceClient interface {
	// Connect performs the handshake. It wraps ErrPresenceUnavailable when no
	// endpoint answers and returns *AuthError when the identity is rejected.
	Connect(ctx context.Context) error

	// Set replaces the displayed activity
	Set(ctx context.Context, payload PresencePayload) error

	// Clear removes the displayed activity
	Clear(ctx context.Context) error

	// Done is closed when the current session is lost
	Done() <-chan struct{}

	// Close ends the session
	Close() error
}

// PresenceSink accepts desired presence states without blocking and delivers
// them to the remote endpoint on its own goroutine.
type PresenceSink interface {
	Set(payload PresencePayload)
	Clear()
	// Status emits connectivity transitions
	Status() <-chan PresenceStatus
	// Run delivers states until ctx is cancelled or a fatal error occurs
	Run(ctx context.Context) error
}

// ArtResolver finds a cover image URL for an album.
type ArtResolver interface {
	// Cached returns a previously resolved URL without doing any I/O.
	// The second value reports whether the lookup already happened.
	Cached(album, artist string) (string, bool)

	// Resolve looks the album up remotely and caches the result
	Resolve(ctx context.Context, album, artist string) (string, error)
}
