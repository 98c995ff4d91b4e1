package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer connects to the stream through a websocket endpoint, typically a
// local proxy that bridges to the exchange's CRLF transport. One websocket
// text message carries one frame.
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	MaxFrameBytes    int
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	conn, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}

	maxFrame := d.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	conn.SetReadLimit(int64(maxFrame))

	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Control frames are handled by gorilla; anything else but text and
		// binary payloads is skipped.
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
