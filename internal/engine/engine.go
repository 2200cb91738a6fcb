package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/domain"
	"github.com/genricoloni/mprisence/internal/formatter"
	"github.com/genricoloni/mprisence/internal/registry"
	"github.com/genricoloni/mprisence/internal/selector"
)

const (
	// Consecutive bus failures logged at debug level before switching to warn
	quietBusFailures = 5

	artResultBuffer = 8
	// Failing albums tracked for retry delays before the table is reset
	maxArtRetries = 256
)

// BusState is the connection state of the coordinator towards the session bus
type BusState int

const (
	Disconnected BusState = iota
	BusConnecting
	Running
)

func (s BusState) String() string {
	switch s {
	case BusConnecting:
		return "connecting"
	case Running:
		return "running"
	default:
		return "disconnected"
	}
}

// ConfigSource publishes reloaded configurations. A nil channel means no reloads.
type ConfigSource interface {
	Updates() <-chan *config.Config
}

// shown is the last state pushed to the presence sink
type shown struct {
	identity domain.PlayerIdentity
	metadata domain.MediaMetadata
	art      string
	cfgGen   int
}

func (s shown) same(o shown) bool {
	return s.identity == o.identity &&
		s.metadata.SameContent(o.metadata) &&
		s.art == o.art &&
		s.cfgGen == o.cfgGen
}

type artResult struct {
	album, artist string
	err           error
}

// Engine is the coordinator. It consumes bus events, keeps the player
// registry, selects the active player and tells the presence sink what to show.
// All of its state is owned by the Run goroutine.
type Engine struct {
	logger     *zap.Logger
	bus        domain.BusClient
	sink       domain.PresenceSink
	art        domain.ArtResolver
	configs    ConfigSource
	newBackOff func() backoff.BackOff
	now        func() time.Time

	cfg         *config.Config
	cfgGen      int
	state       registry.State
	shown       *shown
	busState    BusState
	presence    domain.PresenceStatus
	busFailures int

	artResults chan artResult
	artPending map[string]bool
	artRetry   map[string]backoff.BackOff
	artWG      sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	fatal  chan error
}

// NewEngine creates a new coordinator. art and configs may be nil.
func NewEngine(
	logger *zap.Logger,
	cfg *config.Config,
	bus domain.BusClient,
	sink domain.PresenceSink,
	art domain.ArtResolver,
	configs ConfigSource,
) *Engine {
	return &Engine{
		logger:     logger,
		bus:        bus,
		sink:       sink,
		art:        art,
		configs:    configs,
		newBackOff: func() backoff.BackOff { return cfg.NewBackOff() },
		now:        time.Now,
		cfg:        cfg,
		state:      registry.New(),
		artResults: make(chan artResult, artResultBuffer),
		artPending: make(map[string]bool),
		artRetry:   make(map[string]backoff.BackOff),
		fatal:      make(chan error, 1),
	}
}

// Start launches Run in a goroutine and returns immediately.
// A fatal error is reported on Fatal.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	// The start context only bounds startup, the loop lives until Stop
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := e.Run(runCtx); err != nil {
			e.fatal <- err
		}
	}(e.done)

	e.logger.Info("Engine started")
	return nil
}

// Fatal receives the error that stopped the engine on its own
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

// Stop cancels the loop and waits until the presence is cleared and every
// connection is closed, or ctx ends.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	e.logger.Info("Engine stopping...")
	cancel()

	select {
	case <-done:
		e.logger.Info("Engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the coordinator until ctx ends or the presence sink fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinkErr := make(chan error, 1)
	go func() { sinkErr <- e.sink.Run(ctx) }()

	sinkDone, err := e.loop(ctx, sinkErr)

	cancel()
	if !sinkDone {
		// The publisher clears the presence and closes its session on cancel
		if perr := <-sinkErr; perr != nil && err == nil && domain.IsFatal(perr) {
			err = perr
		}
	}
	e.artWG.Wait()

	if cerr := e.bus.Close(); cerr != nil {
		e.logger.Warn("Failed to close bus connection", zap.Error(cerr))
	}
	e.setBusState(Disconnected)
	return err
}

// loop is the single select over every event source. It reports whether the
// sink error channel was consumed.
func (e *Engine) loop(ctx context.Context, sinkErr <-chan error) (bool, error) {
	var (
		events <-chan domain.PlayerEvent
		retry  <-chan time.Time
		b      = e.newBackOff()
	)

	connect := func() {
		e.setBusState(BusConnecting)
		if err := e.bus.Connect(ctx); err != nil {
			e.busFailures++
			wait := b.NextBackOff()
			fields := []zap.Field{
				zap.Int("attempt", e.busFailures),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			}
			if e.busFailures > quietBusFailures {
				e.logger.Warn("Session bus unavailable", fields...)
			} else {
				e.logger.Debug("Session bus unavailable", fields...)
			}
			retry = time.After(wait)
			return
		}
		e.busFailures = 0
		b.Reset()
		events = e.bus.Watch(ctx)
		e.setBusState(Running)
	}

	var configUpdates <-chan *config.Config
	if e.configs != nil {
		configUpdates = e.configs.Updates()
	}

	connect()
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, nil

		case <-retry:
			retry = nil
			connect()

		case ev, ok := <-events:
			if !ok {
				// Sequence ended without a terminal event: treat as a lost connection
				events = nil
				e.busLost(nil)
				retry = time.After(b.NextBackOff())
				continue
			}
			e.handleEvent(ctx, ev)
			if ev.Terminal() {
				events = nil
				e.busLost(ev.Err)
				retry = time.After(b.NextBackOff())
			}

		case st := <-e.sink.Status():
			if st != e.presence {
				e.logger.Info("Presence connectivity changed", zap.Stringer("status", st))
			}
			e.presence = st

		case err := <-sinkErr:
			if err != nil {
				e.logger.Error("Presence publisher stopped", zap.Error(err))
				return true, err
			}
			return true, nil

		case cfg := <-configUpdates:
			e.applyConfig(cfg)

		case res := <-e.artResults:
			key := artKey(res.album, res.artist)
			delete(e.artPending, key)
			if res.err == nil {
				delete(e.artRetry, key)
			}
			e.evaluate(ctx)
		}
	}
}

func (e *Engine) setBusState(s BusState) {
	if e.busState == s {
		return
	}
	e.logger.Debug("Bus state changed",
		zap.Stringer("from", e.busState),
		zap.Stringer("to", s))
	e.busState = s
}

// handleEvent applies ev to the registry and re-evaluates the presence
func (e *Engine) handleEvent(ctx context.Context, ev domain.PlayerEvent) {
	switch ev.Kind {
	case domain.BusError:
		if ev.BusErr == domain.BusQueryFailed {
			e.logger.Warn("Player query failed",
				zap.String("player", string(ev.Identity)),
				zap.Error(ev.Err))
		}
		return
	case domain.PlayerAppeared:
		e.logger.Info("Player appeared",
			zap.String("player", string(ev.Identity)),
			zap.String("name", ev.Name))
	case domain.PlayerVanished:
		e.logger.Info("Player vanished", zap.String("player", string(ev.Identity)))
	}

	e.state = registry.Apply(e.state, ev, e.cfg.Eligibility)
	e.evaluate(ctx)
}

// busLost discards every record; the next connection rebuilds them from a
// fresh enumeration.
func (e *Engine) busLost(err error) {
	e.logger.Warn("Session bus connection lost, reconnecting", zap.Error(err))
	e.setBusState(Disconnected)
	e.state = registry.New()
	e.evaluate(context.Background())
}

func (e *Engine) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfg = cfg
	e.cfgGen++
	e.state = registry.Reeligible(e.state, cfg.Eligibility)
	e.logger.Info("Applied reloaded configuration")
	e.evaluate(context.Background())
}

// evaluate selects the active player and pushes only when what is displayed
// would change. Position-only updates never push.
func (e *Engine) evaluate(ctx context.Context) {
	rec, ok := selector.Select(e.state)
	if !ok {
		if e.shown != nil {
			e.logger.Info("No active player, clearing presence")
			e.sink.Clear()
			e.shown = nil
		}
		return
	}

	next := shown{
		identity: rec.Identity,
		metadata: rec.Metadata,
		art:      e.coverArt(ctx, rec.Metadata),
		cfgGen:   e.cfgGen,
	}
	if e.shown != nil && e.shown.same(next) {
		return
	}

	payload := formatter.Format(rec, e.cfg.Format, e.now())
	if next.art != "" {
		payload.LargeImageKey = next.art
	}

	e.logger.Info("Updating presence",
		zap.String("player", string(rec.Identity)),
		zap.String("title", rec.Metadata.Title),
		zap.String("artist", rec.Metadata.Artist))
	e.sink.Set(payload)
	e.shown = &next
}

func artKey(album, artist string) string {
	return album + "\x00" + artist
}

// coverArt returns a cached cover URL or starts a background lookup whose
// completion re-enters the loop through artResults.
func (e *Engine) coverArt(ctx context.Context, md domain.MediaMetadata) string {
	if e.art == nil || !e.cfg.CoverArt.Enabled || md.Album == "" {
		return ""
	}
	if u, ok := e.art.Cached(md.Album, md.Artist); ok {
		return u
	}

	key := artKey(md.Album, md.Artist)
	if e.artPending[key] || ctx.Err() != nil {
		return ""
	}
	e.artPending[key] = true

	timeout := e.cfg.CoverArt.Timeout
	retryIn := e.artRetryDelay(key)
	e.artWG.Add(1)
	go func(album, artist string) {
		defer e.artWG.Done()

		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := e.art.Resolve(lookupCtx, album, artist)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Debug("Cover art lookup failed",
				zap.String("album", album),
				zap.String("artist", artist),
				zap.Duration("retry_in", retryIn),
				zap.Error(err))

			// An uncached failure keeps the slot pending until the retry delay elapses
			if _, cached := e.art.Cached(album, artist); !cached {
				t := time.NewTimer(retryIn)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case e.artResults <- artResult{album: album, artist: artist, err: err}:
		case <-ctx.Done():
		}
	}(md.Album, md.Artist)

	return ""
}

// artRetryDelay returns how long a failed lookup of key waits before the next
// attempt. Each album keeps its own backoff until a lookup succeeds.
func (e *Engine) artRetryDelay(key string) time.Duration {
	b, ok := e.artRetry[key]
	if !ok {
		if len(e.artRetry) >= maxArtRetries {
			e.artRetry = make(map[string]backoff.BackOff)
		}
		b = e.newBackOff()
		e.artRetry[key] = b
	}
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = e.cfg.MaxBackoff
	}
	return wait
}
