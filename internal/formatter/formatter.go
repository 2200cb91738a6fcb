// Package formatter renders a player record into a presence payload.
package formatter

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/genricoloni/mprisence/internal/domain"
)

const (
	// Limits enforced by the remote endpoint on activity strings
	maxFieldRunes = 128
	minFieldRunes = 2
)

var errUnbalanced = errors.New("unbalanced braces")

// Format maps a player record to the presence payload. It is pure: now is the
// reference instant used to derive the start timestamp from the position.
func Format(rec domain.PlayerRecord, cfg domain.FormatConfig, now time.Time) domain.PresencePayload {
	md := rec.Metadata
	values := map[string]string{
		"title":  md.Title,
		"artist": md.Artist,
		"album":  md.Album,
		"status": string(md.Status),
		"player": rec.Name,
	}

	payload := domain.PresencePayload{
		Details:        fit(Render(cfg.Templates.Details, values)),
		State:          fit(Render(cfg.Templates.State, values)),
		LargeImageKey:  AssetKey(rec.Identity, cfg),
		LargeImageText: fit(Render(cfg.Templates.LargeText, values)),
	}

	if md.Status == domain.StatusPlaying && md.Position != nil {
		start := now.Add(-*md.Position).Truncate(time.Second)
		payload.Start = &start
		if md.Length != nil && *md.Length > *md.Position {
			end := start.Add(*md.Length)
			payload.End = &end
		}
	}

	return payload
}

// AssetKey returns the configured asset for the identity, its base name, or
// the default asset. Lookups are case-insensitive.
func AssetKey(id domain.PlayerIdentity, cfg domain.FormatConfig) string {
	for _, key := range []string{string(id), string(id.Base())} {
		if asset, ok := cfg.AssetMap[strings.ToLower(key)]; ok && asset != "" {
			return asset
		}
	}
	return cfg.DefaultAsset
}

// Render substitutes {name} tokens found in values. Unknown tokens are kept
// literally, braces included.
func Render(tmpl string, values map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end += open

		b.WriteString(tmpl[:open])
		name := tmpl[open+1 : end]
		if val, ok := values[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(tmpl[open : end+1])
		}
		tmpl = tmpl[end+1:]
	}
}

// ValidateTemplate rejects templates whose braces do not pair up, such as
// "{title" or "{{artist}}". Unknown token names are accepted.
func ValidateTemplate(tmpl string) error {
	depth := 0
	for i, r := range tmpl {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return fmt.Errorf("%w: nested '{' at offset %d", errUnbalanced, i)
			}
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unexpected '}' at offset %d", errUnbalanced, i)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%w: unclosed '{'", errUnbalanced)
	}
	return nil
}

// fit trims whitespace and clamps the string to what the remote accepts.
// Empty strings stay empty so that the field is omitted.
func fit(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if utf8.RuneCountInString(s) > maxFieldRunes {
		runes := []rune(s)
		s = string(runes[:maxFieldRunes-1]) + "…"
	}
	for utf8.RuneCountInString(s) < minFieldRunes {
		s += " "
	}
	return s
}
