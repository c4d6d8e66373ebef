package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond
	serialChunkSize          = 512
)

// SerialTransport reads and writes framed traffic over a serial port.
type SerialTransport struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
	}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) SetConfig(portName string, baudRate int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.portName = portName
	t.baudRate = baudRate
}

func (t *SerialTransport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.portName
}

func (t *SerialTransport) StatusTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.portName
}

func (t *SerialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.port != nil
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.portName == "" {
		return errors.New("serial port is empty")
	}
	if t.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", t.baudRate)
	}

	port, err := serial.Open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()

		return fmt.Errorf("set serial read timeout: %w", err)
	}
	t.port = port

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil

	return err
}

// ReadChunk blocks until at least one byte arrives or ctx is cancelled.
// The underlying port read times out periodically so cancellation is
// observed promptly.
func (t *SerialTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	port, err := t.currentPort()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, serialChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read serial chunk: %w", err)
		}
		if n == 0 {
			// Read timeout expired with no data; poll again.
			continue
		}

		return buf[:n], nil
	}
}

func (t *SerialTransport) WritePayload(ctx context.Context, payload []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	written := 0
	for written < len(frame) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Write(frame[written:])
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		written += n
	}

	return nil
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.port, nil
}
