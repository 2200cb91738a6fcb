package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/domain"
)

const shutdownClearTimeout = 2 * time.Second

var _ domain.PresenceSink = (*Publisher)(nil)

// desiredState is what the remote should display; show=false means nothing
type desiredState struct {
	show    bool
	payload domain.PresencePayload
}

func (d desiredState) equal(o desiredState) bool {
	if d.show != o.show {
		return false
	}
	if !d.show {
		return true
	}
	a, b := d.payload, o.payload
	return a.Details == b.Details &&
		a.State == b.State &&
		a.LargeImageKey == b.LargeImageKey &&
		a.LargeImageText == b.LargeImageText &&
		sameTime(a.Start, b.Start) &&
		sameTime(a.End, b.End)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Publisher owns the presence session. Callers store the desired state into a
// one-slot mailbox; Run delivers the latest state on its own goroutine and
// keeps the session alive across reconnects.
type Publisher struct {
	logger     *zap.Logger
	client     domain.PresenceClient
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	desired desiredState
	wake    chan struct{}

	status chan domain.PresenceStatus
}

// NewPublisher creates a publisher delivering through client
func NewPublisher(logger *zap.Logger, cfg *config.Config, client domain.PresenceClient) *Publisher {
	return &Publisher{
		logger:     logger,
		client:     client,
		newBackOff: func() backoff.BackOff { return cfg.NewBackOff() },
		wake:       make(chan struct{}, 1),
		status:     make(chan domain.PresenceStatus, 1),
	}
}

// Set requests payload to be displayed. It never blocks.
func (p *Publisher) Set(payload domain.PresencePayload) {
	p.store(desiredState{show: true, payload: payload})
}

// Clear requests the activity to be removed. It never blocks.
func (p *Publisher) Clear() {
	p.store(desiredState{})
}

func (p *Publisher) store(d desiredState) {
	p.mu.Lock()
	p.desired = d
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) latest() desiredState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// Status emits the latest connectivity transition. Intermediate values may be
// skipped when the reader is slow.
func (p *Publisher) Status() <-chan domain.PresenceStatus {
	return p.status
}

// setStatus keeps only the newest value in the buffered channel. Only the Run
// goroutine sends, so draining first guarantees the send never blocks.
func (p *Publisher) setStatus(s domain.PresenceStatus) {
	select {
	case <-p.status:
	default:
	}
	p.status <- s
}

// Run connects, delivers desired states and reconnects until ctx ends. It
// returns nil on cancellation and the *domain.AuthError when the endpoint
// rejects the application id.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.client.Close(); err != nil {
			p.logger.Warn("Failed to close presence session", zap.Error(err))
		}
	}()

	for {
		if err := p.connect(ctx); err != nil {
			if domain.IsFatal(err) {
				return err
			}
			return nil
		}
		p.setStatus(domain.PresenceUp)

		shown, err := p.serve(ctx)
		p.setStatus(domain.PresenceDown)

		if ctx.Err() != nil {
			if shown {
				p.clearOnShutdown()
			}
			return nil
		}
		if domain.IsFatal(err) {
			return err
		}
		p.logger.Warn("Presence session lost, reconnecting", zap.Error(err))
	}
}

// connect retries until the handshake succeeds, ctx ends or the identity is rejected
func (p *Publisher) connect(ctx context.Context) error {
	b := p.newBackOff()
	for attempt := 1; ; attempt++ {
		err := p.client.Connect(ctx)
		if err == nil {
			p.logger.Info("Presence session established", zap.Int("attempt", attempt))
			return nil
		}
		if domain.IsFatal(err) {
			p.logger.Error("Presence endpoint rejected the application id", zap.Error(err))
			return err
		}

		wait := b.NextBackOff()
		p.logger.Debug("Presence endpoint unavailable",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// serve delivers desired states over one session. The remote shows nothing
// after a fresh handshake, so the latest state is applied right away. It
// returns whether something is displayed remotely when it stops.
func (p *Publisher) serve(ctx context.Context) (bool, error) {
	var (
		applied desiredState
		retry   <-chan time.Time
		b       = p.newBackOff()
	)

	for {
		want := p.latest()
		if retry == nil && !want.equal(applied) {
			if err := p.apply(ctx, want); err != nil {
				if domain.IsFatal(err) {
					return applied.show, err
				}
				if ctx.Err() != nil {
					return applied.show, nil
				}
				wait := b.NextBackOff()
				p.logger.Warn("Failed to update presence",
					zap.Duration("retry_in", wait),
					zap.Error(err))
				retry = time.After(wait)
			} else {
				applied = want
				b.Reset()
			}
		}

		select {
		case <-ctx.Done():
			return applied.show, nil
		case <-p.client.Done():
			return false, fmt.Errorf("%w: session closed", domain.ErrPresenceUnavailable)
		case <-p.wake:
		case <-retry:
			retry = nil
		}
	}
}

func (p *Publisher) apply(ctx context.Context, d desiredState) error {
	if !d.show {
		p.logger.Debug("Clearing presence")
		return p.client.Clear(ctx)
	}
	p.logger.Debug("Updating presence",
		zap.String("details", d.payload.Details),
		zap.String("state", d.payload.State))
	return p.client.Set(ctx, d.payload)
}

// clearOnShutdown removes the activity, bounded so shutdown never hangs
func (p *Publisher) clearOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownClearTimeout)
	defer cancel()
	if err := p.client.Clear(ctx); err != nil {
		p.logger.Warn("Failed to clear presence on shutdown", zap.Error(err))
	}
}

// sleep waits d or until ctx ends; it reports whether the full wait elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		<-ctx.Done()
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
