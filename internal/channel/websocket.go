package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type wsTransport struct {
	conn    *websocket.Conn
	grace   time.Duration
	writeMu sync.Mutex
	closing atomic.Bool

	forceMu sync.Mutex
	force   *time.Timer
}

func dialWebsocket(ctx context.Context, endpoint string, opts Options) (transport, error) {
	// Connect's own timer decides the timeout outcome; the handshake limit
	// only stops an abandoned dial from lingering.
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.Timeout + opts.CloseGrace,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", errClosedBeforeOpen, err)
		}
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsTransport{conn: conn, grace: opts.CloseGrace}, nil
}

func (t *wsTransport) receive(deliver func([]byte)) error {
	defer func() {
		t.forceMu.Lock()
		if t.force != nil {
			t.force.Stop()
		}
		t.forceMu.Unlock()
		_ = t.conn.Close()
	}()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		deliver(data)
	}
}

func (t *wsTransport) send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.grace))
	if err != nil {
		// The peer cannot acknowledge; unblock the reader now.
		_ = t.conn.Close()
		return err
	}
	t.forceMu.Lock()
	t.force = time.AfterFunc(t.grace, func() { _ = t.conn.Close() })
	t.forceMu.Unlock()
	return nil
}
