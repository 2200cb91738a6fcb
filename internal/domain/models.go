package domain

import (
	"strings"
	"time"
)

// PlayerStatus represents the current state of the media player
type PlayerStatus string

const (
	// StatusPlaying indicates the media is currently playing
	StatusPlaying PlayerStatus = "Playing"
	// StatusPaused indicates the media is paused
	StatusPaused PlayerStatus = "Paused"
	// StatusStopped indicates the media is stopped
	StatusStopped PlayerStatus = "Stopped"
)

// ParsePlayerStatus maps an MPRIS PlaybackStatus string to a PlayerStatus.
// Unknown values are treated as stopped.
func ParsePlayerStatus(s string) PlayerStatus {
	switch s {
	case "Playing":
		return StatusPlaying
	case "Paused":
		return StatusPaused
	default:
		return StatusStopped
	}
}

// MPRISPrefix is the well-known bus name prefix of every MPRIS player.
const MPRISPrefix = "org.mpris.MediaPlayer2."

// PlayerIdentity names a bus-owned player service, e.g. "spotify" or
// "firefox.instance_1_42".
type PlayerIdentity string

// IdentityFromBusName strips the MPRIS prefix from a well-known bus name.
// The second value is false when the name is not an MPRIS player.
func IdentityFromBusName(busName string) (PlayerIdentity, bool) {
	if !strings.HasPrefix(busName, MPRISPrefix) || len(busName) == len(MPRISPrefix) {
		return "", false
	}
	return PlayerIdentity(strings.TrimPrefix(busName, MPRISPrefix)), true
}

// BusName returns the well-known bus name owning this identity.
func (id PlayerIdentity) BusName() string {
	return MPRISPrefix + string(id)
}

// Base returns the identity without a trailing ".instance..." suffix, so that
// "vlc.instance4242" and "vlc" share configuration entries.
func (id PlayerIdentity) Base() PlayerIdentity {
	if i := strings.Index(string(id), ".instance"); i > 0 {
		return id[:i]
	}
	return id
}

// MediaMetadata contains information about the media loaded in a player.
// Empty strings mean the field is absent; nil durations mean unknown.
type MediaMetadata struct {
	// Title of the currently playing track
	Title string
	// Artist names joined with ", "
	Artist string
	// Album name
	Album string
	// Length of the track
	Length *time.Duration
	// Position is the elapsed playback time
	Position *time.Duration
	// ArtUrl is the URL or local path to the album artwork
	ArtUrl string
	// Status is the current playback status
	Status PlayerStatus
}

// SameContent reports whether the user-visible fields (title, artist, album,
// status) of both snapshots are equal. Position, length and artwork are ignored.
func (m MediaMetadata) SameContent(o MediaMetadata) bool {
	return m.Title == o.Title &&
		m.Artist == o.Artist &&
		m.Album == o.Album &&
		m.Status == o.Status
}

// PlayerRecord is the registry's view of one player.
type PlayerRecord struct {
	Identity PlayerIdentity
	// Name is the human readable MPRIS Identity property, e.g. "Spotify"
	Name        string
	Metadata    MediaMetadata
	HasMetadata bool
	LastUpdated time.Time
	Eligible    bool
}

// PresencePayload is the activity pushed to the remote presence endpoint.
// It fully replaces any previously pushed payload.
type PresencePayload struct {
	Details        string
	State          string
	LargeImageKey  string
	LargeImageText string
	Start          *time.Time
	End            *time.Time
}

// Templates holds the per-field presence templates.
type Templates struct {
	Details   string
	State     string
	LargeText string
}

// FormatConfig groups everything the formatter needs besides the record.
type FormatConfig struct {
	Templates Templates
	// AssetMap maps a player identity (or its base name) to a remote asset key
	AssetMap     map[string]string
	DefaultAsset string
}

// EligibilityConfig is the static allow/deny configuration for players.
// Entries match identities, base identities or display names, case-insensitively.
type EligibilityConfig struct {
	Allow []string
	Deny  []string
}
