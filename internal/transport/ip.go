package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const (
	defaultIPPort     = 4403
	ipReadPollTimeout = 300 * time.Millisecond
	ipChunkSize       = 512
)

// IPTransport sends and receives framed traffic over a TCP socket.
type IPTransport struct {
	host string
	port int

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func NewIPTransport(host string, port int) *IPTransport {
	if port == 0 {
		port = defaultIPPort
	}

	return &IPTransport{host: host, port: port}
}

func (t *IPTransport) Name() string {
	return "ip"
}

func (t *IPTransport) SetHost(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.host = host
}

func (t *IPTransport) StatusTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == "" {
		return ""
	}

	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}

func (t *IPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil
}

func (t *IPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("ip", "host", t.host)
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if t.host == "" {
		return errors.New("ip host is empty")
	}

	dialer := net.Dialer{Timeout: 6 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port)))
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return fmt.Errorf("dial tcp: %w", err)
	}
	t.conn = conn
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *IPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil

	return err
}

// ReadChunk blocks until bytes arrive or ctx is cancelled. Short read
// deadlines make the socket read interruptible.
func (t *IPTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, ipChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(ipReadPollTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			return nil, fmt.Errorf("read tcp chunk: %w", err)
		}
	}
}

func (t *IPTransport) WritePayload(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (t *IPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.conn, nil
}
