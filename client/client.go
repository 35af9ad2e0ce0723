// Package client wires the rider client together: session, gateway, order
// service contract, ledger, push channel, claim coordinator and auth service.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jrsteele09/go-rider-client/auth"
	"github.com/jrsteele09/go-rider-client/channel"
	"github.com/jrsteele09/go-rider-client/claims"
	"github.com/jrsteele09/go-rider-client/credstore"
	"github.com/jrsteele09/go-rider-client/gateway"
	"github.com/jrsteele09/go-rider-client/internal/config"
	"github.com/jrsteele09/go-rider-client/ledger"
	"github.com/jrsteele09/go-rider-client/riderapi"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/rs/zerolog"
)

// Client is one running rider client.
type Client struct {
	logger zerolog.Logger

	session     *sessions.State
	ledger      *ledger.Ledger
	channel     *channel.Channel
	coordinator *claims.Coordinator
	auth        *auth.Service

	mu          sync.Mutex
	ctx         context.Context
	unsubscribe func()
}

type options struct {
	logger     zerolog.Logger
	httpClient *http.Client
	maxClaimed int
}

// Option defines a function type to modify how the Client is built.
type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithMaxClaimed overrides how many orders the rider may hold at once.
func WithMaxClaimed(n int) Option {
	return func(o *options) {
		o.maxClaimed = n
	}
}

func New(cfg config.Config, store credstore.Store, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("[NewClient] config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("[NewClient] credential store is required")
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger.With().Str("component", "gateway").Logger()),
		gateway.WithTimeout(cfg.GetHTTPTimeout()),
	}
	if o.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.httpClient))
	}

	session := sessions.New()
	gw, err := gateway.New(cfg.GetAPIURL(), session, store, gwOpts...)
	if err != nil {
		return nil, err
	}
	api := riderapi.New(gw)

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger.With().Str("component", "ledger").Logger())}
	if o.maxClaimed > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithMaxClaimed(o.maxClaimed))
	}
	l := ledger.New(ledgerOpts...)

	ch, err := channel.New(cfg.GetWSURL(), session, l,
		channel.WithLogger(logger.With().Str("component", "channel").Logger()),
		channel.WithReconnectBackoff(cfg.GetReconnectInitialInterval(), cfg.GetReconnectMaxInterval()),
	)
	if err != nil {
		return nil, err
	}

	coordinator, err := claims.New(api, session, l,
		claims.WithLogger(logger.With().Str("component", "claims").Logger()))
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewService(auth.Deps{API: api, Session: session, Store: store},
		auth.WithLogger(logger.With().Str("component", "auth").Logger()))
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:      logger,
		session:     session,
		ledger:      l,
		channel:     ch,
		coordinator: coordinator,
		auth:        authService,
		ctx:         context.Background(),
	}

	gw.OnTeardown(func(cause error) {
		c.logger.Warn().Err(cause).Msg("session expired, log in again")
	})
	c.unsubscribe = session.Subscribe(c.onSessionChange)
	return c, nil
}

func (c *Client) Session() *sessions.State {
	return c.session
}

func (c *Client) Ledger() *ledger.Ledger {
	return c.ledger
}

func (c *Client) Channel() *channel.Channel {
	return c.channel
}

func (c *Client) Claims() *claims.Coordinator {
	return c.coordinator
}

func (c *Client) Auth() *auth.Service {
	return c.auth
}

// Start connects the push channel to the session and tries to restore a
// previous session. It reports whether a session was restored.
func (c *Client) Start(ctx context.Context) (bool, error) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.channel.Start(ctx)

	restored, err := c.auth.Restore(ctx)
	if err != nil {
		return false, err
	}
	if restored {
		c.logger.Info().Str("email", c.session.Identity().Email).Msg("previous session restored")
	}
	return restored, nil
}

// Run starts the client and keeps it running until ctx ends. A failed
// restore is logged; the rider can still log in.
func (c *Client) Run(ctx context.Context) error {
	if _, err := c.Start(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("could not restore session")
	}
	<-ctx.Done()
	c.Close()
	return nil
}

// Close disconnects the channel and stops reacting to session changes. The
// session and the stored refresh credential are kept.
func (c *Client) Close() {
	c.channel.Close()

	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Client) onSessionChange(snap sessions.Snapshot) {
	switch snap.Change {
	case sessions.LoggedOut:
		// The channel must stop dispatching before the ledger is emptied.
		c.channel.Disconnect()
		c.ledger.Reset()
	case sessions.LoggedIn:
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		go func() {
			if err := c.coordinator.RefreshCompleted(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("failed to load completed orders")
			}
		}()
	}
}
