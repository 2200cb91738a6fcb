package presence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Opcode identifies the kind of an IPC frame.
type Opcode uint32

// Opcodes of the local IPC protocol.
const (
	OpHandshake Opcode = 0
	OpFrame     Opcode = 1
	OpClose     Opcode = 2
	OpPing      Opcode = 3
	OpPong      Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpHandshake:
		return "handshake"
	case OpFrame:
		return "frame"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(o))
	}
}

// Frame is one IPC message: an opcode and its JSON payload.
type Frame struct {
	Op   Opcode
	Data []byte
}

// MaxFramePayload limits individual frame payloads to 64KB.
const MaxFramePayload = 64 << 10

const headerSize = 8

// ErrFrameTooLarge is returned for payloads above MaxFramePayload.
var ErrFrameTooLarge = errors.New("frame payload too large")

// WriteFrame writes a framed message to w.
// Wire format: [opcode:4 LE][length:4 LE][payload].
// Header and payload go out in a single Write so that concurrent writers on a
// stream socket never interleave.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Data) > MaxFramePayload {
		return fmt.Errorf("write frame: %w (%d bytes)", ErrFrameTooLarge, len(f.Data))
	}
	buf := make([]byte, headerSize+len(f.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Op))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.Data)))
	copy(buf[headerSize:], f.Data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a framed message from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	f := Frame{Op: Opcode(binary.LittleEndian.Uint32(header[0:4]))}
	length := binary.LittleEndian.Uint32(header[4:8])

	if f.Op > OpPong {
		return Frame{}, fmt.Errorf("invalid frame: unknown opcode %d", uint32(f.Op))
	}
	if length > MaxFramePayload {
		return Frame{}, fmt.Errorf("read frame: %w (%d bytes)", ErrFrameTooLarge, length)
	}

	if length > 0 {
		f.Data = make([]byte, length)
		if _, err := io.ReadFull(r, f.Data); err != nil {
			return Frame{}, fmt.Errorf("read frame data: %w", err)
		}
	}
	return f, nil
}

// FrameWriter wraps an io.Writer with mutex protection for concurrent writes.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter creates a thread-safe frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write sends a frame with mutex protection.
func (fw *FrameWriter) Write(f Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, f)
}
