package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

const natsInboxSize = 64

// natsTransport carries play requests on protocol.SubjectSpritePlay. Each
// request names a reply inbox private to this connection, so completions
// never reach another session sharing the bus.
type natsTransport struct {
	client  *bus.Client
	sub     *nats.Subscription
	inbox   chan *nats.Msg
	replyTo string

	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	lastErr error
	closing bool
}

func dialNATS(ctx context.Context, endpoint string, opts Options) (transport, error) {
	t := &natsTransport{
		inbox:  make(chan *nats.Msg, natsInboxSize),
		closed: make(chan struct{}),
	}

	busCfg := opts.Bus
	busCfg.Servers = []string{endpoint}
	busCfg.ConnectTimeout = int(opts.Timeout.Milliseconds())

	client, err := bus.Connect(ctx, busCfg, opts.Logger,
		nats.ClosedHandler(func(*nats.Conn) { t.markClosed() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { t.recordErr(err) }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) { t.recordErr(err) }),
	)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %v", errClosedBeforeOpen, err)
		}
		return nil, err
	}
	t.client = client

	t.replyTo = nats.NewInbox()
	sub, err := client.Conn().ChanSubscribe(t.replyTo, t.inbox)
	if err != nil {
		client.Conn().Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.replyTo, err)
	}
	t.sub = sub
	// Make sure the subscription is registered before the first play request.
	if err := client.Conn().Flush(); err != nil {
		client.Conn().Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return t, nil
}

func (t *natsTransport) markClosed() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *natsTransport) recordErr(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	if t.lastErr == nil {
		t.lastErr = err
	}
	t.mu.Unlock()
}

func (t *natsTransport) receive(deliver func([]byte)) error {
	for {
		select {
		case msg := <-t.inbox:
			deliver(msg.Data)
		case <-t.closed:
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closing {
				return nil
			}
			if t.lastErr != nil {
				return t.lastErr
			}
			return nats.ErrConnectionClosed
		}
	}
}

func (t *natsTransport) send(_ context.Context, frame []byte) error {
	return t.client.Conn().PublishMsg(&nats.Msg{
		Subject: protocol.SubjectSpritePlay,
		Reply:   t.replyTo,
		Data:    frame,
	})
}

func (t *natsTransport) close() error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.client.Close()
	return nil
}
