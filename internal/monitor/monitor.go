//go:build linux

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/domain"
)

const (
	eventBuffer  = 32
	signalBuffer = 64
)

var _ domain.BusClient = (*MprisMonitor)(nil)

// MprisMonitor observes MPRIS players on the session bus
type MprisMonitor struct {
	logger       *zap.Logger
	pollInterval time.Duration
	dial         func(ctx context.Context) (DBusClient, error)

	mu   sync.Mutex
	conn DBusClient // Interface for testability
}

// NewMprisMonitor creates a new MPRIS monitor instance
func NewMprisMonitor(logger *zap.Logger, cfg *config.Config) *MprisMonitor {
	return &MprisMonitor{
		logger:       logger,
		pollInterval: cfg.PollInterval,
		dial: func(ctx context.Context) (DBusClient, error) {
			return NewStdDBusClient(ctx)
		},
	}
}

// Connect opens a fresh session bus connection and installs the match rules.
// A previous connection is closed first.
func (m *MprisMonitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBusUnavailable, err)
	}

	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchObjectPath(objectPath),
			dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
			dbus.WithMatchMember("PropertiesChanged"),
		},
		{
			dbus.WithMatchInterface("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchOption("arg0namespace", rootInterface),
		},
		{
			dbus.WithMatchObjectPath(objectPath),
			dbus.WithMatchInterface(playerInterface),
			dbus.WithMatchMember("Seeked"),
		},
	}
	for _, rule := range rules {
		if err := conn.AddMatchSignal(rule...); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: failed to add match signal: %v", domain.ErrBusUnavailable, err)
		}
	}

	m.conn = conn
	m.logger.Info("Connected to session bus")
	return nil
}

// Watch starts the event sequence of the current connection
func (m *MprisMonitor) Watch(ctx context.Context) <-chan domain.PlayerEvent {
	out := make(chan domain.PlayerEvent, eventBuffer)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		out <- domain.PlayerEvent{
			Kind:   domain.BusError,
			BusErr: domain.BusDisconnected,
			Err:    domain.ErrBusUnavailable,
			At:     time.Now(),
		}
		close(out)
		return out
	}

	// Register before enumerating so no signal between the two is lost
	signals := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(signals)

	s := newSession(m.logger, conn, out)
	go s.run(ctx, signals, m.pollInterval)
	return out
}

// Close closes the bus connection. The running Watch sequence, if any, ends
// with a BusError.
func (m *MprisMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	m.logger.Info("MPRIS monitor shutdown complete")
	return err
}
