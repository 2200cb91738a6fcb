package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/domain"
)

const waitTimeout = 2 * time.Second

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeBus hands out pre-loaded event streams, one per successful Connect
type fakeBus struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	closed      bool
	streams     chan chan domain.PlayerEvent
}

func newFakeBus(streams ...chan domain.PlayerEvent) *fakeBus {
	b := &fakeBus{streams: make(chan chan domain.PlayerEvent, 8)}
	for _, s := range streams {
		b.streams <- s
	}
	return b
}

func (b *fakeBus) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		return err
	}
	return nil
}

func (b *fakeBus) Watch(context.Context) <-chan domain.PlayerEvent {
	select {
	case s := <-b.streams:
		return s
	default:
		return make(chan domain.PlayerEvent)
	}
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

type sinkOp struct {
	clear   bool
	payload domain.PresencePayload
}

type fakeSink struct {
	ops    chan sinkOp
	status chan domain.PresenceStatus
	runErr chan error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		ops:    make(chan sinkOp, 32),
		status: make(chan domain.PresenceStatus, 1),
		runErr: make(chan error, 1),
	}
}

func (s *fakeSink) Set(p domain.PresencePayload)          { s.ops <- sinkOp{payload: p} }
func (s *fakeSink) Clear()                                { s.ops <- sinkOp{clear: true} }
func (s *fakeSink) Status() <-chan domain.PresenceStatus { return s.status }

func (s *fakeSink) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.runErr:
		return err
	}
}

func (s *fakeSink) next(t *testing.T) sinkOp {
	t.Helper()
	select {
	case op := <-s.ops:
		return op
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a presence update")
		return sinkOp{}
	}
}

func (s *fakeSink) expectSet(t *testing.T) domain.PresencePayload {
	t.Helper()
	op := s.next(t)
	require.False(t, op.clear, "expected set, got clear")
	return op.payload
}

func (s *fakeSink) expectClear(t *testing.T) {
	t.Helper()
	op := s.next(t)
	require.True(t, op.clear, "expected clear, got set %+v", op.payload)
}

func (s *fakeSink) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case op := <-s.ops:
		t.Fatalf("unexpected presence update: %+v", op)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeArt struct {
	mu   sync.Mutex
	urls map[string]string
	hits map[string]string
}

func (a *fakeArt) Cached(album, artist string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.hits[album]
	return u, ok
}

func (a *fakeArt) Resolve(_ context.Context, album, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.urls[album]
	if !ok {
		return "", errors.New("not found")
	}
	a.hits[album] = u
	return u, nil
}

// flakyArt fails the first failures lookups, then resolves every album to url
type flakyArt struct {
	failures int32
	url      string
	calls    atomic.Int32
	resolved atomic.Bool
}

func (a *flakyArt) Cached(string, string) (string, bool) {
	if a.resolved.Load() {
		return a.url, true
	}
	return "", false
}

func (a *flakyArt) Resolve(context.Context, string, string) (string, error) {
	if a.calls.Add(1) <= a.failures {
		return "", errors.New("dial tcp: connect: network is unreachable")
	}
	a.resolved.Store(true)
	return a.url, nil
}

type fakeConfigs struct{ ch chan *config.Config }

func (f fakeConfigs) Updates() <-chan *config.Config { return f.ch }

func testConfig() *config.Config {
	return &config.Config{
		ApplicationID: "1234",
		Format: domain.FormatConfig{
			Templates: domain.Templates{
				Details:   "{title}",
				State:     "by {artist}",
				LargeText: "{album}",
			},
			DefaultAsset: "music",
		},
		PollInterval: time.Second,
		MaxBackoff:   time.Second,
		CoverArt:     config.CoverArtConfig{Timeout: time.Second},
	}
}

func newTestEngine(cfg *config.Config, bus domain.BusClient, sink domain.PresenceSink, art domain.ArtResolver, configs ConfigSource) *Engine {
	e := NewEngine(zap.NewNop(), cfg, bus, sink, art, configs)
	e.newBackOff = func() backoff.BackOff { return &backoff.ConstantBackOff{Interval: time.Millisecond} }
	e.now = func() time.Time { return testNow }
	return e
}

// runEngine runs e until the test ends and returns the Run result channel
func runEngine(t *testing.T, e *Engine) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-result:
		case <-time.After(waitTimeout):
		}
	})
	return cancel, result
}

var eventClock = testNow

func appeared(id, name string) domain.PlayerEvent {
	return domain.PlayerEvent{Kind: domain.PlayerAppeared, Identity: domain.PlayerIdentity(id), Name: name}
}

func vanished(id string) domain.PlayerEvent {
	return domain.PlayerEvent{Kind: domain.PlayerVanished, Identity: domain.PlayerIdentity(id)}
}

func track(id, title string, status domain.PlayerStatus, pos time.Duration) domain.PlayerEvent {
	eventClock = eventClock.Add(time.Second)
	return domain.PlayerEvent{
		Kind:     domain.MetadataChanged,
		Identity: domain.PlayerIdentity(id),
		Metadata: domain.MediaMetadata{
			Title:    title,
			Artist:   "Artist",
			Album:    title + " LP",
			Position: &pos,
			Status:   status,
		},
		At: eventClock,
	}
}

func disconnected() domain.PlayerEvent {
	return domain.PlayerEvent{
		Kind:   domain.BusError,
		BusErr: domain.BusDisconnected,
		Err:    errors.New("connection reset"),
	}
}

func TestEngine_PushesSelectedPlayer(t *testing.T) {
	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(testConfig(), newFakeBus(events), sink, nil, nil)
	runEngine(t, e)

	events <- appeared("spotify", "Spotify")
	events <- track("spotify", "Song", domain.StatusPlaying, 30*time.Second)

	p := sink.expectSet(t)
	assert.Equal(t, "Song", p.Details)
	assert.Equal(t, "by Artist", p.State)
	assert.Equal(t, "music", p.LargeImageKey)
	require.NotNil(t, p.Start)
	assert.Equal(t, testNow.Add(-30*time.Second), *p.Start)
}

func TestEngine_PositionOnlyUpdatesDoNotPush(t *testing.T) {
	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(testConfig(), newFakeBus(events), sink, nil, nil)
	runEngine(t, e)

	events <- track("spotify", "Song", domain.StatusPlaying, time.Second)
	sink.expectSet(t)

	events <- track("spotify", "Song", domain.StatusPlaying, 2*time.Second)
	events <- track("spotify", "Song", domain.StatusPlaying, 3*time.Second)
	events <- vanished("spotify")

	// The next update after the position refreshes is the clear
	sink.expectClear(t)
}

func TestEngine_ClearOnceWhenNothingPlays(t *testing.T) {
	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(testConfig(), newFakeBus(events), sink, nil, nil)
	runEngine(t, e)

	events <- track("spotify", "Song", domain.StatusPlaying, 0)
	sink.expectSet(t)

	events <- vanished("spotify")
	sink.expectClear(t)

	events <- track("vlc", "Paused Song", domain.StatusPaused, 0)
	events <- vanished("vlc")
	events <- track("mpv", "Next", domain.StatusPlaying, 0)

	p := sink.expectSet(t)
	assert.Equal(t, "Next", p.Details)
}

func TestEngine_SwitchesToMostRecentPlayer(t *testing.T) {
	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(testConfig(), newFakeBus(events), sink, nil, nil)
	runEngine(t, e)

	events <- track("spotify", "First", domain.StatusPlaying, 0)
	assert.Equal(t, "First", sink.expectSet(t).Details)

	events <- track("vlc", "Second", domain.StatusPlaying, 0)
	assert.Equal(t, "Second", sink.expectSet(t).Details)

	events <- track("vlc", "Second", domain.StatusPaused, 0)
	assert.Equal(t, "First", sink.expectSet(t).Details)
}

func TestEngine_DeniedPlayerIsNeverShown(t *testing.T) {
	cfg := testConfig()
	cfg.Eligibility.Deny = []string{"Firefox"}

	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(cfg, newFakeBus(events), sink, nil, nil)
	runEngine(t, e)

	events <- appeared("firefox.instance_1_42", "Mozilla Firefox")
	events <- track("firefox.instance_1_42", "Video", domain.StatusPlaying, 0)
	events <- track("spotify", "Song", domain.StatusPlaying, 0)

	assert.Equal(t, "Song", sink.expectSet(t).Details)
	sink.expectNothing(t)
}

func TestEngine_ReconnectDiscardsStaleRecords(t *testing.T) {
	first := make(chan domain.PlayerEvent, 8)
	second := make(chan domain.PlayerEvent, 8)
	bus := newFakeBus(first, second)
	sink := newFakeSink()
	e := newTestEngine(testConfig(), bus, sink, nil, nil)
	runEngine(t, e)

	first <- track("spotify", "Old", domain.StatusPlaying, 0)
	sink.expectSet(t)

	first <- disconnected()
	sink.expectClear(t)

	second <- track("vlc", "Fresh", domain.StatusPlaying, 0)
	assert.Equal(t, "Fresh", sink.expectSet(t).Details)
	assert.Equal(t, 2, bus.connectCount())
}

func TestEngine_RetriesBusConnect(t *testing.T) {
	events := make(chan domain.PlayerEvent, 8)
	bus := newFakeBus(events)
	bus.connectErrs = []error{domain.ErrBusUnavailable, domain.ErrBusUnavailable}
	sink := newFakeSink()
	e := newTestEngine(testConfig(), bus, sink, nil, nil)
	runEngine(t, e)

	events <- track("spotify", "Song", domain.StatusPlaying, 0)
	sink.expectSet(t)
	assert.Equal(t, 3, bus.connectCount())
}

func TestEngine_FatalSinkErrorStopsRun(t *testing.T) {
	sink := newFakeSink()
	bus := newFakeBus()
	e := newTestEngine(testConfig(), bus, sink, nil, nil)
	_, result := runEngine(t, e)

	authErr := &domain.AuthError{Code: 4000, Msg: "invalid client id"}
	sink.runErr <- authErr

	select {
	case err := <-result:
		assert.ErrorIs(t, err, authErr)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after a fatal sink error")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.True(t, bus.closed)
}

func TestEngine_CancelReturnsNil(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(testConfig(), bus, newFakeSink(), nil, nil)
	cancel, result := runEngine(t, e)

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_ConfigReloadRepushes(t *testing.T) {
	events := make(chan domain.PlayerEvent, 8)
	configs := fakeConfigs{ch: make(chan *config.Config, 1)}
	sink := newFakeSink()
	e := newTestEngine(testConfig(), newFakeBus(events), sink, nil, configs)
	runEngine(t, e)

	events <- appeared("spotify", "Spotify")
	events <- track("spotify", "Song", domain.StatusPlaying, 0)
	sink.expectSet(t)

	reloaded := testConfig()
	reloaded.Format.Templates.Details = "{player}: {title}"
	configs.ch <- reloaded
	assert.Equal(t, "Spotify: Song", sink.expectSet(t).Details)

	denied := testConfig()
	denied.Eligibility.Deny = []string{"spotify"}
	configs.ch <- denied
	sink.expectClear(t)
}

func TestEngine_CoverArtOverridesAsset(t *testing.T) {
	cfg := testConfig()
	cfg.CoverArt.Enabled = true
	art := &fakeArt{
		urls: map[string]string{"Song LP": "https://archive.test/release/1/front"},
		hits: map[string]string{},
	}

	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(cfg, newFakeBus(events), sink, art, nil)
	runEngine(t, e)

	events <- track("spotify", "Song", domain.StatusPlaying, 0)
	assert.Equal(t, "music", sink.expectSet(t).LargeImageKey)

	// The lookup completes in the background and triggers a second push
	assert.Equal(t, "https://archive.test/release/1/front", sink.expectSet(t).LargeImageKey)
	sink.expectNothing(t)
}

func TestEngine_FailedCoverArtLookupBacksOff(t *testing.T) {
	cfg := testConfig()
	cfg.CoverArt.Enabled = true
	art := &flakyArt{failures: math.MaxInt32}

	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(cfg, newFakeBus(events), sink, art, nil)
	e.newBackOff = func() backoff.BackOff { return &backoff.ConstantBackOff{Interval: 100 * time.Millisecond} }
	runEngine(t, e)

	events <- track("spotify", "Song", domain.StatusPlaying, 0)
	assert.Equal(t, "music", sink.expectSet(t).LargeImageKey)

	time.Sleep(500 * time.Millisecond)

	calls := art.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.LessOrEqual(t, calls, int32(7), "lookups must wait for the retry delay")

	// Failed lookups never change what is shown
	sink.expectNothing(t)
}

func TestEngine_CoverArtRetriesUntilResolved(t *testing.T) {
	cfg := testConfig()
	cfg.CoverArt.Enabled = true
	art := &flakyArt{failures: 2, url: "https://archive.test/release/2/front"}

	events := make(chan domain.PlayerEvent, 8)
	sink := newFakeSink()
	e := newTestEngine(cfg, newFakeBus(events), sink, art, nil)
	e.newBackOff = func() backoff.BackOff { return &backoff.ConstantBackOff{Interval: 10 * time.Millisecond} }
	runEngine(t, e)

	events <- track("spotify", "Song", domain.StatusPlaying, 0)
	assert.Equal(t, "music", sink.expectSet(t).LargeImageKey)
	assert.Equal(t, art.url, sink.expectSet(t).LargeImageKey)
	assert.Equal(t, int32(3), art.calls.Load())
}

func TestEngine_ReloadEnablesCoverArt(t *testing.T) {
	art := &flakyArt{url: "https://archive.test/release/3/front"}

	events := make(chan domain.PlayerEvent, 8)
	configs := fakeConfigs{ch: make(chan *config.Config, 1)}
	sink := newFakeSink()
	e := newTestEngine(testConfig(), newFakeBus(events), sink, art, configs)
	runEngine(t, e)

	events <- track("spotify", "Song", domain.StatusPlaying, 0)
	assert.Equal(t, "music", sink.expectSet(t).LargeImageKey)
	assert.Zero(t, art.calls.Load(), "disabled cover art must not be looked up")

	enabled := testConfig()
	enabled.CoverArt.Enabled = true
	configs.ch <- enabled

	assert.Equal(t, "music", sink.expectSet(t).LargeImageKey)
	assert.Equal(t, art.url, sink.expectSet(t).LargeImageKey)
}

func TestEngine_StartStop(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(testConfig(), bus, newFakeSink(), nil, nil)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop(context.Background()))

	// Stopping twice is harmless
	require.NoError(t, e.Stop(context.Background()))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.True(t, bus.closed)
}

func TestBusStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", BusConnecting.String())
	assert.Equal(t, "running", Running.String())
}
