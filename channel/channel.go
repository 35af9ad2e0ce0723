// Package channel keeps a push connection to the order service open for as
// long as a session exists and feeds every pushed order into a Sink.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/orders"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/rs/zerolog"
)

const (
	frameAuth        = "auth"
	frameAuthSuccess = "auth_success"
	frameAuthError   = "auth_error"
	frameOrder       = "order"

	authTimeout   = 10 * time.Second
	writeTimeout  = 5 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	handshakeWait = 10 * time.Second
)

// State of the push connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Sink receives every order pushed by the service. The channel does not
// deduplicate; that is the sink's job.
type Sink interface {
	AddAvailable(o orders.Order) error
}

type frame struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Channel is the realtime order channel.
type Channel struct {
	url     string
	session *sessions.State
	sink    Sink
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	initialInterval time.Duration
	maxInterval     time.Duration

	// dispatchMu is held while an order is handed to the sink and while the
	// epoch changes, so no message of a torn down connection reaches the sink
	// once Disconnect returns.
	dispatchMu sync.Mutex

	mu          sync.Mutex
	baseCtx     context.Context
	state       State
	epoch       uint64
	cancel      context.CancelFunc
	unsubscribe func()

	hooksMu  sync.Mutex
	notifyMu sync.Mutex
	hooks    []func(State)
}

// Option defines a function type to modify the Channel instance.
type Option func(*Channel)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithReconnectBackoff sets the first and the largest delay between reconnect
// attempts.
func WithReconnectBackoff(initial, ceiling time.Duration) Option {
	return func(c *Channel) {
		if initial > 0 {
			c.initialInterval = initial
		}
		if ceiling > 0 {
			c.maxInterval = ceiling
		}
	}
}

func New(url string, session *sessions.State, sink Sink, options ...Option) (*Channel, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("[NewChannel] url is required")
	}
	if session == nil {
		return nil, fmt.Errorf("[NewChannel] session is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("[NewChannel] sink is required")
	}

	c := &Channel{
		url:             url,
		session:         session,
		sink:            sink,
		dialer:          &websocket.Dialer{HandshakeTimeout: handshakeWait},
		logger:          zerolog.Nop(),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
		baseCtx:         context.Background(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Start follows the session: a new or refreshed session (re)connects, a null
// session disconnects. It stops following when ctx ends or Close is called.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return
	}
	c.baseCtx = ctx
	c.unsubscribe = c.session.Subscribe(c.onSessionChange)
	c.mu.Unlock()

	context.AfterFunc(ctx, c.Close)

	if c.session.IsAuthenticated() {
		c.Connect()
	}
}

// Close stops following the session and drops the connection.
func (c *Channel) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.Disconnect()
}

// Connect replaces any current connection with a new one authenticated with
// the session's access token. It returns immediately.
func (c *Channel) Connect() {
	if !c.session.IsAuthenticated() {
		return
	}

	c.dispatchMu.Lock()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.baseCtx.Err() != nil {
		c.cancel = nil
		c.mu.Unlock()
		c.dispatchMu.Unlock()
		return
	}
	c.epoch++
	epoch := c.epoch
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel
	c.mu.Unlock()
	c.dispatchMu.Unlock()

	go c.run(ctx, epoch)
}

// Disconnect tears the connection down. No order read by it is delivered to
// the sink after Disconnect returns.
func (c *Channel) Disconnect() {
	c.dispatchMu.Lock()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.epoch++
	changed := c.state != Disconnected
	c.state = Disconnected
	c.mu.Unlock()
	c.dispatchMu.Unlock()

	if changed {
		c.logger.Info().Str("state", Disconnected.String()).Msg("order channel closed")
		c.notify(Disconnected)
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for every state transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Channel) onSessionChange(snap sessions.Snapshot) {
	switch snap.Change {
	case sessions.LoggedIn, sessions.TokenRefreshed:
		c.Connect()
	case sessions.LoggedOut:
		c.Disconnect()
	}
}

// run owns one logical connection: it dials, authenticates, reads and
// reconnects with backoff until ctx ends or the session goes away.
func (c *Channel) run(ctx context.Context, epoch uint64) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval

	for {
		if !c.setState(epoch, Connecting) {
			return
		}
		err := c.serve(ctx, epoch, b)
		if ctx.Err() != nil {
			return
		}
		if !c.setState(epoch, Disconnected) {
			return
		}
		if !c.session.IsAuthenticated() {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = c.maxInterval
		}
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("order channel dropped")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve runs a single websocket connection until it fails or ctx ends.
func (c *Channel) serve(ctx context.Context, epoch uint64, b *backoff.ExponentialBackOff) error {
	tok := c.session.AccessToken()
	if tok == nil {
		return errors.ErrNotAuthenticated
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", errors.ErrNetwork, c.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var writeMu sync.Mutex
	write := func(messageType int, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(messageType, payload)
	}

	auth, err := json.Marshal(frame{Type: frameAuth, Token: tok.Type() + " " + tok.AccessToken})
	if err != nil {
		return fmt.Errorf("encode auth frame: %w", err)
	}
	if err := write(websocket.TextMessage, auth); err != nil {
		return fmt.Errorf("%w: send auth frame: %w", errors.ErrNetwork, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	var reply frame
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("%w: read auth reply: %w", errors.ErrNetwork, err)
	}
	switch reply.Type {
	case frameAuthSuccess:
	case frameAuthError:
		return fmt.Errorf("order channel rejected credentials: %s", reply.Error)
	default:
		return fmt.Errorf("unexpected %q frame before authentication", reply.Type)
	}

	if !c.setState(epoch, Connected) {
		return nil
	}
	b.Reset()
	c.logger.Info().Str("state", Connected.String()).Msg("order channel connected")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %w", errors.ErrNetwork, err)
		}
		c.handle(epoch, data)
	}
}

func (c *Channel) handle(epoch uint64, data []byte) {
	var msg frame
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("unreadable push frame")
		return
	}
	if msg.Type != frameOrder {
		c.logger.Debug().Str("type", msg.Type).Msg("ignoring push frame")
		return
	}

	var o orders.Order
	if err := json.Unmarshal(msg.Data, &o); err != nil {
		c.logger.Warn().Err(err).Msg("unreadable order event")
		return
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.currentEpoch() != epoch {
		return
	}
	if err := c.sink.AddAvailable(o); err != nil {
		if errors.Is(err, errors.ErrDuplicateOrder) {
			c.logger.Debug().Str("order_id", o.ID).Msg("order already known")
			return
		}
		c.logger.Warn().Err(err).Str("order_id", o.ID).Msg("order rejected")
	}
}

func (c *Channel) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// setState records s if epoch is still the live connection.
func (c *Channel) setState(epoch uint64, s State) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.notify(s)
	}
	return true
}

func (c *Channel) notify(s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.hooksMu.Lock()
	hooks := append([]func(State){}, c.hooks...)
	c.hooksMu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}
