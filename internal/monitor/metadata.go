package monitor

import (
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/genricoloni/mprisence/internal/domain"
)

const (
	objectPath      = "/org/mpris/MediaPlayer2"
	rootInterface   = "org.mpris.MediaPlayer2"
	playerInterface = "org.mpris.MediaPlayer2.Player"

	propMetadata = "Metadata"
	propStatus   = "PlaybackStatus"
	propPosition = "Position"
)

// parseProperties converts a Player interface property map (as returned by
// GetAll or carried by PropertiesChanged) to the domain model.
func parseProperties(props map[string]dbus.Variant) domain.MediaMetadata {
	var status string
	if v, ok := props[propStatus]; ok {
		status, _ = v.Value().(string)
	}

	var raw map[string]dbus.Variant
	if v, ok := props[propMetadata]; ok {
		// SAFE CAST: Some players return nil or unexpected types when idle
		raw, _ = v.Value().(map[string]dbus.Variant)
	}

	meta := parseMetadata(raw, status)
	if v, ok := props[propPosition]; ok {
		meta.Position = microseconds(v.Value())
	}
	return meta
}

// parseMetadata converts an MPRIS metadata dictionary to the domain model
func parseMetadata(metadata map[string]dbus.Variant, status string) domain.MediaMetadata {
	meta := domain.MediaMetadata{Status: domain.ParsePlayerStatus(status)}

	if metadata == nil {
		return meta
	}

	meta.Title = stringValue(metadata["xesam:title"])
	meta.Album = stringValue(metadata["xesam:album"])
	meta.ArtUrl = stringValue(metadata["mpris:artUrl"])

	// Artist can be an array
	if artistVar, ok := metadata["xesam:artist"]; ok {
		switch artists := artistVar.Value().(type) {
		case []string:
			meta.Artist = joinArtists(artists)
		case string:
			meta.Artist = strings.TrimSpace(artists)
		case []any:
			names := make([]string, 0, len(artists))
			for _, a := range artists {
				if s, ok := a.(string); ok {
					names = append(names, s)
				}
			}
			meta.Artist = joinArtists(names)
		}
	}

	if lengthVar, ok := metadata["mpris:length"]; ok {
		meta.Length = microseconds(lengthVar.Value())
	}

	return meta
}

func stringValue(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func joinArtists(artists []string) string {
	out := make([]string, 0, len(artists))
	for _, a := range artists {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return strings.Join(out, ", ")
}

// microseconds converts an MPRIS time value. Players disagree on the integer
// type, so every numeric kind is accepted. Negative values mean unknown.
func microseconds(v any) *time.Duration {
	var us int64
	switch n := v.(type) {
	case int64:
		us = n
	case uint64:
		us = int64(n)
	case int32:
		us = int64(n)
	case uint32:
		us = int64(n)
	case int:
		us = int64(n)
	case float64:
		us = int64(n)
	default:
		return nil
	}
	if us < 0 {
		return nil
	}
	d := time.Duration(us) * time.Microsecond
	return &d
}
