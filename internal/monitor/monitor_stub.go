//go:build !linux

package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/domain"
)

// MprisMonitor stub for non-Linux platforms
type MprisMonitor struct {
	logger *zap.Logger
}

// NewMprisMonitor creates a stub monitor that fails to connect on non-Linux platforms
func NewMprisMonitor(logger *zap.Logger, _ *config.Config) *MprisMonitor {
	return &MprisMonitor{logger: logger}
}

// Connect returns an error indicating MPRIS monitoring is not supported on this platform
func (m *MprisMonitor) Connect(ctx context.Context) error {
	return fmt.Errorf("%w: MPRIS monitoring is only supported on Linux systems", domain.ErrBusUnavailable)
}

// Watch returns a sequence holding a single terminal BusError
func (m *MprisMonitor) Watch(ctx context.Context) <-chan domain.PlayerEvent {
	ch := make(chan domain.PlayerEvent, 1)
	ch <- domain.PlayerEvent{Kind: domain.BusError, BusErr: domain.BusDisconnected, Err: domain.ErrBusUnavailable}
	close(ch)
	return ch
}

// Close is a no-op on non-Linux platforms
func (m *MprisMonitor) Close() error {
	return nil
}
