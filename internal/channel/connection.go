package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	defaultCloseGrace     = 2 * time.Second
)

// Options configures Connect.
type Options struct {
	// Timeout bounds connection establishment only; once open there is no
	// per-request timeout.
	Timeout time.Duration
	// Handler receives every well-formed inbound frame, in arrival order,
	// from a single goroutine.
	Handler func(protocol.Message)
	Logger  *slog.Logger
	// Bus supplies credentials and TLS settings for nats:// endpoints.
	Bus config.BusConfig
	// CloseGrace is how long Close waits for the peer to acknowledge before
	// tearing the transport down.
	CloseGrace time.Duration
	// OnStateChange, if set, sees every state the connection enters,
	// starting with Connecting. It must not block.
	OnStateChange func(State)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultConnectTimeout
	}
	if o.Handler == nil {
		o.Handler = func(protocol.Message) {}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = defaultCloseGrace
	}
	if o.OnStateChange == nil {
		o.OnStateChange = func(State) {}
	}
	return o
}

// transport is one concrete control channel (websocket, NATS).
type transport interface {
	// receive blocks, delivering inbound frames, until the transport is
	// closed. It returns nil for a requested or clean close.
	receive(deliver func([]byte)) error
	send(ctx context.Context, frame []byte) error
	// close starts a graceful shutdown; receive must return within the
	// grace period afterwards.
	close() error
}

type dialFunc func(ctx context.Context, endpoint string, opts Options) (transport, error)

type dialResult struct {
	t   transport
	err error
}

// Connection is a single logical control channel to one renderer.
type Connection struct {
	endpoint string
	t        transport
	handler  func(protocol.Message)
	onState  func(State)
	log      *slog.Logger

	mu    sync.Mutex
	state State
	err   error

	done      chan struct{}
	closeOnce sync.Once
}

// Connect opens a control channel to endpoint. Whichever of open, transport
// error, close-before-open or timeout happens first decides the outcome.
func Connect(ctx context.Context, endpoint string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	dial, err := dialerFor(endpoint)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}

	opts.OnStateChange(Connecting)
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		t, err := dial(dialCtx, endpoint, opts)
		results <- dialResult{t: t, err: err}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			opts.OnStateChange(Failed)
			return nil, &ConnectError{Endpoint: endpoint, Err: res.err}
		}
		conn := newConnection(endpoint, res.t, opts)
		opts.Logger.Info("renderer connected", slog.String("endpoint", endpoint))
		return conn, nil
	case <-timer.C:
		go discardLate(results)
		opts.OnStateChange(Failed)
		return nil, fmt.Errorf("%w: %s exceeded while connecting to %s", ErrConnectTimeout, opts.Timeout, endpoint)
	case <-ctx.Done():
		go discardLate(results)
		opts.OnStateChange(Failed)
		return nil, &ConnectError{Endpoint: endpoint, Err: ctx.Err()}
	}
}

// discardLate closes a transport that finished opening after Connect gave up.
func discardLate(results <-chan dialResult) {
	res := <-results
	if res.t != nil {
		_ = res.t.close()
	}
}

func dialerFor(endpoint string) (dialFunc, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return dialWebsocket, nil
	case "nats":
		return dialNATS, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

func newConnection(endpoint string, t transport, opts Options) *Connection {
	c := &Connection{
		endpoint: endpoint,
		t:        t,
		handler:  opts.Handler,
		onState:  opts.OnStateChange,
		log:      opts.Logger.With(slog.String("component", "control-channel"), slog.String("endpoint", endpoint)),
		state:    Open,
		done:     make(chan struct{}),
	}
	c.onState(Open)
	go c.readLoop()
	return c
}

func (c *Connection) readLoop() {
	err := c.t.receive(c.deliver)

	c.mu.Lock()
	if err != nil && c.state != Closing {
		c.state = Failed
		c.err = err
	} else {
		c.state = Closed
	}
	state := c.state
	c.mu.Unlock()
	c.onState(state)

	if err != nil && state == Failed {
		c.log.Warn("control channel failed", logging.Error(err))
	} else {
		c.log.Info("control channel closed")
	}
	close(c.done)
}

func (c *Connection) deliver(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.log.Warn("dropping malformed frame", logging.Error(err))
		return
	}
	c.handler(msg)
}

// Send writes msg to the renderer. It fails with ErrChannelClosed unless the
// connection is open.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	if c.State() != Open {
		return fmt.Errorf("send %s: %w", msg.Method, ErrChannelClosed)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	if err := c.t.send(ctx, frame); err != nil {
		if c.State() != Open {
			return fmt.Errorf("send %s: %w", msg.Method, ErrChannelClosed)
		}
		return fmt.Errorf("send %s: %w", msg.Method, err)
	}
	return nil
}

// Close shuts the channel down and waits until the transport reports closed.
// Calling it more than once is safe.
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		closing := c.state == Open
		if closing {
			c.state = Closing
		}
		c.mu.Unlock()
		if closing {
			c.onState(Closing)
		}
		if err := c.t.close(); err != nil {
			c.log.Debug("transport close", logging.Error(err))
		}
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the channel has closed, for any reason.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that closed the channel, or nil when it was
// closed on request or by the peer cleanly.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Endpoint() string {
	return c.endpoint
}
