// Package coverart looks up album cover URLs on MusicBrainz and the Cover Art Archive.
package coverart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/cache"
	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/domain"
)

const (
	_maxResponseSize = 1 << 20 // 1 MB
	_cacheEntries    = 512
	_negativeTTL     = time.Hour

	defaultSearchURL = "https://musicbrainz.org/ws/2/release/"
	defaultArchive   = "https://coverartarchive.org/release/"

	// MusicBrainz answers empty queries with its monitoring release
	nagiosRelease = "1735e086-462e-42c3-b615-eebbd5e9f352"
)

// ErrNotFound is returned when no release matches the album
var ErrNotFound = errors.New("cover art not found")

var _ domain.ArtResolver = (*MusicBrainzResolver)(nil)

// MusicBrainzResolver resolves album and artist pairs to Cover Art Archive URLs
type MusicBrainzResolver struct {
	logger     *zap.Logger
	client     *http.Client
	searchURL  string
	archiveURL string

	found   *cache.Cache[string]
	missing *cache.Cache[struct{}]
}

// NewMusicBrainzResolver creates a resolver using the configured timeout
func NewMusicBrainzResolver(logger *zap.Logger, cfg *config.Config) *MusicBrainzResolver {
	return &MusicBrainzResolver{
		logger: logger,
		client: &http.Client{
			Timeout: cfg.CoverArt.Timeout, // Bounds each lookup so results never arrive stale
		},
		searchURL:  defaultSearchURL,
		archiveURL: defaultArchive,
		found:      cache.New[string](0, _cacheEntries),
		missing:    cache.New[struct{}](_negativeTTL, _cacheEntries),
	}
}

func cacheKey(album, artist string) string {
	return strings.ToLower(album) + "\x00" + strings.ToLower(artist)
}

// Cached returns a previously resolved URL. An empty URL with ok=true means a
// recent lookup found nothing.
func (r *MusicBrainzResolver) Cached(album, artist string) (string, bool) {
	key := cacheKey(album, artist)
	if u, ok := r.found.Get(key); ok {
		return u, true
	}
	if _, ok := r.missing.Get(key); ok {
		return "", true
	}
	return "", false
}

type searchResponse struct {
	Releases []struct {
		ID    string `json:"id"`
		Score int    `json:"score"`
	} `json:"releases"`
}

// Resolve searches the release and returns its front cover URL
func (r *MusicBrainzResolver) Resolve(ctx context.Context, album, artist string) (string, error) {
	if strings.TrimSpace(album) == "" {
		return "", ErrNotFound
	}
	if u, ok := r.Cached(album, artist); ok {
		if u == "" {
			return "", ErrNotFound
		}
		return u, nil
	}

	mbid, err := r.search(ctx, album, artist)
	key := cacheKey(album, artist)
	if errors.Is(err, ErrNotFound) {
		r.missing.Set(key, struct{}{})
		return "", err
	}
	if err != nil {
		return "", err
	}

	u := r.archiveURL + mbid + "/front"
	r.found.Set(key, u)
	r.logger.Debug("Cover art resolved",
		zap.String("album", album),
		zap.String("artist", artist),
		zap.String("url", u))
	return u, nil
}

func (r *MusicBrainzResolver) search(ctx context.Context, album, artist string) (string, error) {
	query := fmt.Sprintf(`release:"%s"`, escapeLucene(album))
	if strings.TrimSpace(artist) != "" {
		query += fmt.Sprintf(` AND artist:"%s"`, escapeLucene(artist))
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("fmt", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.searchURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	// MusicBrainz rejects anonymous clients
	req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion+" ( https://github.com/genricoloni/mprisence )")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, _maxResponseSize)).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}

	if len(result.Releases) == 0 || result.Releases[0].ID == "" || result.Releases[0].ID == nagiosRelease {
		return "", ErrNotFound
	}
	return result.Releases[0].ID, nil
}

// escapeLucene escapes the characters with a meaning in MusicBrainz search syntax
func escapeLucene(s string) string {
	const special = `+-&|!(){}[]^"~*?:\/`
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
