package stream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Transport delivers one decoded frame per Read and accepts one encoded frame
// per Write. Everything below that boundary (TLS, websocket framing, CRLF
// delimiters) is the transport's problem, not the session's.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer establishes a Transport. The session owns reconnect decisions;
// dialers only connect.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DefaultMaxFrameBytes bounds a single frame in either direction before the
// transport gives up on the connection.
const DefaultMaxFrameBytes = 1 << 20

// TLSDialer connects directly to the exchange stream endpoint. Frames are
// JSON objects terminated with CRLF over a TLS socket.
type TLSDialer struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	MaxFrameBytes  int
}

func (d *TLSDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxFrame := d.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    &tls.Config{ServerName: d.Host},
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", d.Host, d.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", d.Host, d.Port, err)
	}

	return &crlfTransport{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 64*1024),
		maxFrame: maxFrame,
	}, nil
}

// crlfTransport frames CRLF-delimited JSON lines over a stream socket.
type crlfTransport struct {
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame int
}

func (t *crlfTransport) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := t.reader.ReadSlice('\n')
		frame = append(frame, chunk...)
		if err == bufio.ErrBufferFull {
			if len(frame) > t.maxFrame {
				return nil, fmt.Errorf("frame exceeds %d bytes without delimiter", t.maxFrame)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if len(frame) > t.maxFrame {
		return nil, fmt.Errorf("frame exceeds %d bytes", t.maxFrame)
	}
	return bytes.TrimRight(frame, "\r\n"), nil
}

func (t *crlfTransport) WriteFrame(frame []byte) error {
	if len(frame) > t.maxFrame {
		return fmt.Errorf("frame exceeds %d bytes", t.maxFrame)
	}
	buf := make([]byte, 0, len(frame)+2)
	buf = append(buf, frame...)
	buf = append(buf, '\r', '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *crlfTransport) Close() error {
	return t.conn.Close()
}
