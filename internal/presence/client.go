// Package presence publishes rich presence activities over the local Discord IPC socket.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/genricoloni/mprisence/internal/config"
	"github.com/genricoloni/mprisence/internal/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	commandTimeout   = 5 * time.Second
)

var _ domain.PresenceClient = (*IPCClient)(nil)

// IPCClient is a PresenceClient speaking the Discord IPC protocol.
type IPCClient struct {
	logger   *zap.Logger
	clientID string
	pid      int
	dial     func(ctx context.Context) (net.Conn, error)

	mu   sync.Mutex
	sess *ipcSession
}

// ipcSession is the state of one socket connection
type ipcSession struct {
	conn   net.Conn
	writer *FrameWriter
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool
}

// NewIPCClient creates a client for the configured application id
func NewIPCClient(logger *zap.Logger, cfg *config.Config) *IPCClient {
	return &IPCClient{
		logger:   logger,
		clientID: cfg.ApplicationID,
		pid:      os.Getpid(),
		dial:     dialSocket,
	}
}

// Connect dials the socket and performs the handshake, replacing any previous session
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		c.sess.close()
		c.sess = nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	if err := c.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	s := &ipcSession{
		conn:    conn,
		writer:  NewFrameWriter(conn),
		done:    make(chan struct{}),
		pending: make(map[string]chan response),
	}
	c.sess = s
	go c.readLoop(s)

	c.logger.Info("Connected to presence endpoint", zap.String("remote", conn.RemoteAddr().String()))
	return nil
}

// handshake sends the client id and waits for the READY dispatch
func (c *IPCClient) handshake(ctx context.Context, conn net.Conn) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	// Unblock the reads below when ctx ends before the deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	payload, err := json.Marshal(handshake{V: protocolVersion, ClientID: c.clientID})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if err := WriteFrame(conn, Frame{Op: OpHandshake, Data: payload}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPresenceUnavailable, err)
	}

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("%w: handshake: %v", domain.ErrPresenceUnavailable, err)
		}

		switch f.Op {
		case OpFrame:
			var resp response
			if err := json.Unmarshal(f.Data, &resp); err != nil {
				return fmt.Errorf("%w: malformed handshake reply: %v", domain.ErrPresenceUnavailable, err)
			}
			if resp.Cmd == cmdDispatch && resp.Evt == evtReady {
				return nil
			}
			if resp.Evt == evtError {
				e := decodeError(resp.Data)
				return classifyClose(e)
			}
		case OpClose:
			return classifyClose(decodeError(f.Data))
		case OpPing:
			if err := WriteFrame(conn, Frame{Op: OpPong, Data: f.Data}); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrPresenceUnavailable, err)
			}
		}
	}
}

func classifyClose(e errorData) error {
	if authCloseCodes[e.Code] {
		return &domain.AuthError{Code: e.Code, Msg: e.Message}
	}
	return fmt.Errorf("%w: closed by remote (code %d): %s", domain.ErrPresenceUnavailable, e.Code, e.Message)
}

// readLoop routes responses to waiting commands and answers pings. It closes
// the session when the socket fails or the remote sends a close frame.
func (c *IPCClient) readLoop(s *ipcSession) {
	defer s.close()

	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("Presence connection lost", zap.Error(err))
			} else {
				c.logger.Info("Presence connection closed")
			}
			return
		}

		switch f.Op {
		case OpFrame:
			var resp response
			if err := json.Unmarshal(f.Data, &resp); err != nil {
				c.logger.Debug("Ignoring malformed frame", zap.Error(err))
				continue
			}
			s.deliver(resp)
		case OpPing:
			if err := s.writer.Write(Frame{Op: OpPong, Data: f.Data}); err != nil {
				c.logger.Warn("Failed to answer ping", zap.Error(err))
				return
			}
		case OpClose:
			e := decodeError(f.Data)
			c.logger.Warn("Presence endpoint closed the session",
				zap.Int("code", e.Code),
				zap.String("message", e.Message))
			return
		}
	}
}

// Set replaces the displayed activity
func (c *IPCClient) Set(ctx context.Context, payload domain.PresencePayload) error {
	return c.command(ctx, "set", activityArgs{PID: c.pid, Activity: newActivity(payload)})
}

// Clear removes the displayed activity
func (c *IPCClient) Clear(ctx context.Context) error {
	return c.command(ctx, "clear", activityArgs{PID: c.pid})
}

// command sends SET_ACTIVITY and waits for the response with the same nonce
func (c *IPCClient) command(ctx context.Context, op string, args activityArgs) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return &domain.SendError{Op: op, Err: domain.ErrNotConnected}
	}

	nonce := uuid.NewString()
	payload, err := json.Marshal(command{Cmd: cmdSetActivity, Args: args, Nonce: nonce})
	if err != nil {
		return &domain.SendError{Op: op, Err: fmt.Errorf("encode: %w", err)}
	}

	reply, ok := s.register(nonce)
	if !ok {
		return &domain.SendError{Op: op, Err: domain.ErrNotConnected}
	}
	defer s.unregister(nonce)

	if err := s.writer.Write(Frame{Op: OpFrame, Data: payload}); err != nil {
		s.close()
		return &domain.SendError{Op: op, Err: err}
	}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return &domain.SendError{Op: op, Err: domain.ErrNotConnected}
		}
		if resp.Evt == evtError {
			e := decodeError(resp.Data)
			return &domain.SendError{Op: op, Code: e.Code, Msg: e.Message}
		}
		return nil
	case <-s.done:
		return &domain.SendError{Op: op, Err: domain.ErrNotConnected}
	case <-timer.C:
		return &domain.SendError{Op: op, Msg: "no response"}
	case <-ctx.Done():
		return &domain.SendError{Op: op, Err: ctx.Err()}
	}
}

// Done is closed when the current session is lost
func (c *IPCClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.sess.done
}

// Close ends the session
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	_ = c.sess.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.sess.writer.Write(Frame{Op: OpClose, Data: []byte("{}")})
	c.sess.close()
	c.sess = nil
	return nil
}

func (s *ipcSession) register(nonce string) (chan response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	ch := make(chan response, 1)
	s.pending[nonce] = ch
	return ch, true
}

func (s *ipcSession) unregister(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, nonce)
}

func (s *ipcSession) deliver(resp response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.pending[resp.Nonce]; ok {
		ch <- resp
		delete(s.pending, resp.Nonce)
	}
}

// close is idempotent; it releases the socket and every waiting command
func (s *ipcSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
	close(s.done)
}
