// Package jobsocket keeps a best-effort live connection to the job event
// stream, reconnecting with linear backoff until a retry budget runs out.
package jobsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 800 * time.Millisecond
	handshakeTimeout  = 10 * time.Second
)

var (
	// ErrOpen means a connection attempt failed before it was established.
	ErrOpen = errors.New("jobsocket: connection failed")
	// ErrAbnormalClose means an established connection ended without the
	// owner asking for it.
	ErrAbnormalClose = errors.New("jobsocket: connection closed unexpectedly")
	// ErrMalformedEvent is logged for frames that are dropped.
	ErrMalformedEvent = errors.New("jobsocket: malformed event")
)

// State is reported on every transition together with the attempt count.
type State int

const (
	Connecting State = iota
	Connected
	Reconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is one established connection.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens connections. Dial must return promptly once ctx is done.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

type wsDialer struct {
	d *websocket.Dialer
}

func (w wsDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (%s)", err, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets how many consecutive failures are retried before the
// client gives up.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the base delay; the Nth retry waits N times it.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger routes connection diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSleep replaces the backoff wait. fn must return early with an error
// when ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// Client is the handle returned by Open.
type Client struct {
	endpoint string
	onEvent  func(Event)
	onState  func(State, int)

	maxRetries int
	retryDelay time.Duration
	dialer     Dialer
	logger     *log.Logger
	sleep      func(context.Context, time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}

	// emitMu is held while a callback runs; Close takes it once so that no
	// callback is in flight or can start after Close returns.
	emitMu sync.Mutex

	connMu sync.Mutex
	conn   Conn
}

// Open starts connecting to endpoint in the background. onEvent receives
// every well-formed event and onState every state transition; either may
// be nil. Callbacks run on the client goroutine and must not call Close.
// Cancelling ctx has the same effect as Close, minus the callback barrier.
func Open(ctx context.Context, endpoint string, onEvent func(Event), onState func(State, int), opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		onEvent:    onEvent,
		onState:    onState,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		dialer:     wsDialer{d: &websocket.Dialer{HandshakeTimeout: handshakeTimeout}},
		logger:     log.New(io.Discard, "", 0),
		sleep:      sleepContext,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	context.AfterFunc(c.ctx, c.closeConn)
	go c.run()
	return c
}

// Close stops the client. It is idempotent and safe at any point: during a
// dial, while connected or during a backoff wait. No callback fires after
// it returns and no Disconnected state is reported for it.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.closeConn()
	c.emitMu.Lock()
	c.emitMu.Unlock()
}

// Done is closed when the connection loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) stopped() bool {
	return c.closed.Load() || c.ctx.Err() != nil
}

func (c *Client) run() {
	defer close(c.done)
	attempts := 0
	for !c.stopped() {
		err := c.listenOnce(&attempts)
		if c.stopped() {
			return
		}
		attempts++
		if attempts > c.maxRetries {
			c.logger.Printf("jobsocket: giving up after %d attempts: %v", attempts, err)
			c.emitState(Disconnected, attempts)
			return
		}
		delay := c.retryDelay * time.Duration(attempts)
		c.logger.Printf("jobsocket: %v; retry %d/%d in %v", err, attempts, c.maxRetries, delay)
		c.emitState(Reconnecting, attempts)
		if err := c.sleep(c.ctx, delay); err != nil {
			return
		}
	}
}

// listenOnce runs one connection to completion. It resets attempts once
// the connection is established.
func (c *Client) listenOnce(attempts *int) error {
	c.emitState(Connecting, *attempts)
	conn, err := c.dialer.Dial(c.ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if !c.setConn(conn) {
		conn.Close()
		return nil
	}
	defer c.closeConn()

	*attempts = 0
	c.emitState(Connected, 0)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAbnormalClose, err)
		}
		if mt != websocket.TextMessage {
			c.logger.Printf("jobsocket: dropping non-text frame (type %d)", mt)
			continue
		}
		ev, err := parseEvent(data)
		if err != nil {
			c.logger.Printf("jobsocket: dropping frame: %v", err)
			continue
		}
		c.emitEvent(ev)
	}
}

func (c *Client) setConn(conn Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.stopped() {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) emitState(s State, attempt int) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed.Load() || c.onState == nil {
		return
	}
	c.onState(s, attempt)
}

func (c *Client) emitEvent(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed.Load() || c.onEvent == nil {
		return
	}
	c.onEvent(ev)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Endpoint builds the job stream URL for an API or websocket base URL,
// e.g. https://host/api → wss://host/api/ws/jobs?token=...
func Endpoint(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("jobsocket: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("jobsocket: unsupported scheme %q in %q", u.Scheme, base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("jobsocket: base url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/jobs"
	u.RawPath = ""
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
