package monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/domain"
)

const (
	signalNameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
	signalPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	signalSeeked            = playerInterface + ".Seeked"
)

// session turns the signals of one bus connection into an ordered sequence of
// player events. It is owned by a single goroutine and needs no locking.
type session struct {
	logger *zap.Logger
	conn   DBusClient
	out    chan domain.PlayerEvent
	now    func() time.Time

	// playerNames maps unique bus names (:1.45) to well-known names (org.mpris.MediaPlayer2.spotify)
	playerNames map[string]string
	// players holds the last snapshot emitted per player
	players map[domain.PlayerIdentity]domain.MediaMetadata
}

func newSession(logger *zap.Logger, conn DBusClient, out chan domain.PlayerEvent) *session {
	return &session{
		logger:      logger,
		conn:        conn,
		out:         out,
		now:         time.Now,
		playerNames: make(map[string]string),
		players:     make(map[domain.PlayerIdentity]domain.MediaMetadata),
	}
}

// run enumerates existing players, then forwards signals and heartbeats until
// the context ends or the connection drops. It closes out on return.
func (s *session) run(ctx context.Context, signals <-chan *dbus.Signal, poll time.Duration) {
	defer close(s.out)

	if err := s.detectExistingPlayers(ctx); err != nil {
		s.logger.Warn("Failed to enumerate MPRIS players", zap.Error(err))
		s.emit(ctx, domain.PlayerEvent{Kind: domain.BusError, BusErr: domain.BusDisconnected, Err: err})
		return
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	s.logger.Info("Signal monitoring started", zap.Duration("poll_interval", poll))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Signal monitoring stopped")
			return
		case sig, ok := <-signals:
			if !ok {
				s.logger.Warn("Session bus connection lost")
				s.emit(ctx, domain.PlayerEvent{
					Kind:   domain.BusError,
					BusErr: domain.BusDisconnected,
					Err:    domain.ErrBusUnavailable,
					At:     s.now(),
				})
				return
			}
			if sig == nil {
				continue
			}
			s.handleSignal(ctx, sig)
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

// emit delivers ev unless the context ends first
func (s *session) emit(ctx context.Context, ev domain.PlayerEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// detectExistingPlayers queries D-Bus for currently running MPRIS players
func (s *session) detectExistingPlayers(ctx context.Context) error {
	names, err := s.conn.ListNames()
	if err != nil {
		return fmt.Errorf("failed to list bus names: %w", err)
	}

	playerCount := 0
	for _, name := range names {
		if !strings.HasPrefix(name, domain.MPRISPrefix) {
			continue
		}
		playerCount++
		s.logger.Info("Detected MPRIS player", zap.String("name", name))

		if uniqueName, err := s.conn.GetNameOwner(name); err == nil {
			s.playerNames[uniqueName] = name
		}
		s.addPlayer(ctx, name)
	}

	s.logger.Info("Player detection complete", zap.Int("count", playerCount))
	return nil
}

// addPlayer announces a player and emits its first full snapshot
func (s *session) addPlayer(ctx context.Context, busName string) {
	id, ok := domain.IdentityFromBusName(busName)
	if !ok {
		return
	}

	var display string
	if v, err := s.conn.GetProperty(busName, objectPath, rootInterface+".Identity"); err == nil {
		display, _ = v.Value().(string)
	}

	if !s.emit(ctx, domain.PlayerEvent{Kind: domain.PlayerAppeared, Identity: id, Name: display, At: s.now()}) {
		return
	}
	s.refresh(ctx, id)
}

// refresh re-queries every Player property and emits the snapshot
func (s *session) refresh(ctx context.Context, id domain.PlayerIdentity) {
	props, err := s.conn.GetAllProperties(id.BusName(), objectPath, playerInterface)
	if err != nil {
		s.queryFailed(ctx, id, err)
		return
	}
	s.publish(ctx, id, parseProperties(props))
}

func (s *session) publish(ctx context.Context, id domain.PlayerIdentity, meta domain.MediaMetadata) {
	s.players[id] = meta
	s.emit(ctx, domain.PlayerEvent{Kind: domain.MetadataChanged, Identity: id, Metadata: meta, At: s.now()})
}

func (s *session) queryFailed(ctx context.Context, id domain.PlayerIdentity, err error) {
	s.logger.Warn("Failed to query player",
		zap.String("player", string(id)),
		zap.Error(err))
	s.emit(ctx, domain.PlayerEvent{
		Kind:     domain.BusError,
		BusErr:   domain.BusQueryFailed,
		Identity: id,
		Err:      err,
		At:       s.now(),
	})
}

// heartbeat re-queries all known players so that positions stay fresh
func (s *session) heartbeat(ctx context.Context) {
	ids := make([]domain.PlayerIdentity, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.refresh(ctx, id)
	}
}

// handleSignal dispatches a D-Bus signal by name
func (s *session) handleSignal(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case signalNameOwnerChanged:
		s.handleNameOwnerChanged(ctx, sig)
	case signalPropertiesChanged:
		s.handlePropertiesChanged(ctx, sig)
	case signalSeeked:
		s.handleSeeked(ctx, sig)
	}
}

// handleNameOwnerChanged processes NameOwnerChanged signals to track player lifecycle
func (s *session) handleNameOwnerChanged(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok || !strings.HasPrefix(name, domain.MPRISPrefix) {
		return // Not an MPRIS player
	}
	id, ok := domain.IdentityFromBusName(name)
	if !ok {
		return
	}

	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	switch {
	case newOwner != "" && oldOwner == "":
		s.playerNames[newOwner] = name
		s.logger.Info("New MPRIS player detected",
			zap.String("player", name),
			zap.String("unique", newOwner))
		s.addPlayer(ctx, name)

	case newOwner == "" && oldOwner != "":
		delete(s.playerNames, oldOwner)
		delete(s.players, id)
		s.logger.Info("MPRIS player removed",
			zap.String("player", name),
			zap.String("unique", oldOwner))
		s.emit(ctx, domain.PlayerEvent{Kind: domain.PlayerVanished, Identity: id, At: s.now()})

	case newOwner != "" && oldOwner != "":
		// Ownership transfer (rare): the player stays, only the mapping moves
		delete(s.playerNames, oldOwner)
		s.playerNames[newOwner] = name
		s.logger.Debug("MPRIS player ownership changed",
			zap.String("player", name),
			zap.String("oldUnique", oldOwner),
			zap.String("newUnique", newOwner))
	}
}

// handlePropertiesChanged processes PropertiesChanged on the Player interface.
// The signal body is (interface, changed properties, invalidated properties).
// Omitted properties mean "unchanged", so anything short of a complete
// Metadata+PlaybackStatus pair is completed with a GetAll.
func (s *session) handlePropertiesChanged(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}

	interfaceName, ok := sig.Body[0].(string)
	if !ok || interfaceName != playerInterface {
		return
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	var invalidated []string
	if len(sig.Body) > 2 {
		invalidated, _ = sig.Body[2].([]string)
	}

	_, hasMetadata := changed[propMetadata]
	_, hasStatus := changed[propStatus]
	invalid := slices.Contains(invalidated, propMetadata) || slices.Contains(invalidated, propStatus)
	if !hasMetadata && !hasStatus && !invalid {
		return
	}

	id, ok := s.identityFor(sig.Sender)
	if !ok {
		s.logger.Debug("PropertiesChanged from unknown sender", zap.String("sender", sig.Sender))
		return
	}

	s.logger.Debug("Received PropertiesChanged signal",
		zap.String("sender", sig.Sender),
		zap.String("player", string(id)),
		zap.Int("properties", len(changed)))

	props := make(map[string]dbus.Variant, len(changed)+1)
	if hasMetadata && hasStatus && !invalid {
		for k, v := range changed {
			props[k] = v
		}
		if pos, err := s.conn.GetProperty(id.BusName(), objectPath, playerInterface+"."+propPosition); err == nil {
			props[propPosition] = pos
		}
	} else {
		fresh, err := s.conn.GetAllProperties(id.BusName(), objectPath, playerInterface)
		if err != nil {
			s.queryFailed(ctx, id, err)
			return
		}
		for k, v := range fresh {
			props[k] = v
		}
		for k, v := range changed {
			props[k] = v
		}
	}

	meta := parseProperties(props)
	s.logger.Info("Media change detected",
		zap.String("player", string(id)),
		zap.String("title", meta.Title),
		zap.String("artist", meta.Artist),
		zap.String("status", string(meta.Status)))
	s.publish(ctx, id, meta)
}

// handleSeeked updates the position of the last snapshot
func (s *session) handleSeeked(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 1 {
		return
	}
	id, ok := s.identityFor(sig.Sender)
	if !ok {
		return
	}

	meta, known := s.players[id]
	if !known {
		s.refresh(ctx, id)
		return
	}
	meta.Position = microseconds(sig.Body[0])
	s.publish(ctx, id, meta)
}

// identityFor resolves a signal sender to a player identity. Unknown unique
// names trigger a rescan of the name owners.
func (s *session) identityFor(sender string) (domain.PlayerIdentity, bool) {
	if id, ok := domain.IdentityFromBusName(sender); ok {
		return id, true
	}
	if wellKnown, ok := s.playerNames[sender]; ok {
		return domain.IdentityFromBusName(wellKnown)
	}

	names, err := s.conn.ListNames()
	if err != nil {
		return "", false
	}
	for _, name := range names {
		if !strings.HasPrefix(name, domain.MPRISPrefix) {
			continue
		}
		if owner, err := s.conn.GetNameOwner(name); err == nil {
			s.playerNames[owner] = name
		}
	}

	if wellKnown, ok := s.playerNames[sender]; ok {
		return domain.IdentityFromBusName(wellKnown)
	}
	return "", false
}
