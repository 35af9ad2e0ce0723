// Package claims turns the rider's accept, reject and complete actions into
// calls to the order service and keeps the ledger consistent with the answers.
package claims

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jrsteele09/go-rider-client/gateway"
	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/ledger"
	"github.com/jrsteele09/go-rider-client/orders"
	"github.com/jrsteele09/go-rider-client/riderapi"
	"github.com/jrsteele09/go-rider-client/sessions"
	"github.com/rs/zerolog"
)

// Outcome of an accept attempt.
type Outcome int

const (
	Failed Outcome = iota
	Accepted
	Conflict
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Conflict:
		return "conflict"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Result reports what happened to one accept attempt. Message is meant for
// the rider; Err carries the cause for Conflict and Failed. ClaimedRemotely
// is set when the service granted the claim but the order could not be moved
// to Claimed locally, for example because it was rejected or the session was
// reset while the accept was pending.
type Result struct {
	OrderID         string
	Outcome         Outcome
	Message         string
	Err             error
	ClaimedRemotely bool
}

// Retryable reports whether the same accept may succeed if tried again.
func (r Result) Retryable() bool {
	return r.Outcome == Failed && errors.Is(r.Err, errors.ErrNetwork)
}

// API is the part of the order service contract the coordinator needs.
type API interface {
	Accept(ctx context.Context, orderID string) error
	Complete(ctx context.Context, orderID string, img riderapi.Image) error
	Completes(ctx context.Context) ([]orders.Order, error)
	Earnings(ctx context.Context) (int64, error)
}

// Coordinator serialises claims per order and reconciles the ledger with the
// server's verdict.
type Coordinator struct {
	api     API
	session *sessions.State
	ledger  *ledger.Ledger
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// Option defines a function type to modify the Coordinator instance.
type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func New(api API, session *sessions.State, l *ledger.Ledger, options ...Option) (*Coordinator, error) {
	if api == nil {
		return nil, fmt.Errorf("[NewCoordinator] api is required")
	}
	if session == nil {
		return nil, fmt.Errorf("[NewCoordinator] session is required")
	}
	if l == nil {
		return nil, fmt.Errorf("[NewCoordinator] ledger is required")
	}

	c := &Coordinator{
		api:     api,
		session: session,
		ledger:  l,
		logger:  zerolog.Nop(),
		pending: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Accept claims orderID. Without a session, or while another accept for the
// same order is in flight, it does nothing and reports Skipped. A claim slot
// is reserved in the ledger before the service is called and released once
// the answer is in. The ledger is changed only when the server answered:
// Accepted promotes the order, Conflict drops it. Failed leaves the ledger as
// it was.
func (c *Coordinator) Accept(ctx context.Context, orderID string) Result {
	res := Result{OrderID: orderID}

	if !c.session.IsAuthenticated() {
		res.Outcome = Skipped
		res.Message = "not logged in"
		return res
	}
	if !c.begin(orderID) {
		res.Outcome = Skipped
		res.Message = "accept already in progress"
		return res
	}
	defer c.end(orderID)

	log := c.logger.With().Str("order_id", orderID).Logger()

	if err := c.ledger.Reserve(orderID); err != nil {
		res.Outcome = Failed
		res.Message = "order cannot be claimed"
		res.Err = err
		log.Debug().Err(err).Msg("accept refused locally")
		return res
	}
	defer c.ledger.Release(orderID)

	err := c.api.Accept(ctx, orderID)
	switch {
	case err == nil:
		if perr := c.ledger.PromoteToClaimed(orderID); perr != nil {
			res.Outcome = Failed
			res.Message = "claimed on the server but not shown"
			res.Err = fmt.Errorf("%w: %w", errors.ErrOutOfSync, perr)
			res.ClaimedRemotely = true
			log.Warn().Err(perr).Msg("claimed order no longer available locally")
			return res
		}
		res.Outcome = Accepted
		res.Message = "order accepted"
		log.Info().Msg("order accepted")

	case isConflict(err):
		c.ledger.DropEverywhere(orderID)
		res.Outcome = Conflict
		res.Message = conflictMessage(err)
		res.Err = errors.Wrapf(errors.ErrClaimConflict, "order %s", orderID)
		log.Info().Str("reason", res.Message).Msg("order taken by another rider")

	case errors.Is(err, errors.ErrSessionExpired), errors.Is(err, errors.ErrNotAuthenticated):
		res.Outcome = Failed
		res.Message = "session expired, log in again"
		res.Err = err
		log.Warn().Err(err).Msg("accept failed")

	default:
		res.Outcome = Failed
		res.Message = "could not reach the order service"
		res.Err = asNetworkError(err)
		log.Warn().Err(err).Msg("accept failed")
	}
	return res
}

// Reject removes orderID locally. The service is not told. A reject issued
// while an accept for the same order is pending still applies at once.
func (c *Coordinator) Reject(orderID string) {
	c.ledger.DropEverywhere(orderID)
	c.logger.Info().Str("order_id", orderID).Msg("order rejected")
}

// IsPending reports whether an accept for orderID is in flight.
func (c *Coordinator) IsPending(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[orderID]
	return ok
}

// Complete uploads the proof of delivery for a claimed order, drops the order
// locally and reloads the completed list from the service. A failed reload is
// logged and does not fail the completion.
func (c *Coordinator) Complete(ctx context.Context, orderID string, img riderapi.Image) error {
	if !c.session.IsAuthenticated() {
		return errors.Wrapf(errors.ErrNotAuthenticated, "[Coordinator Complete]")
	}
	if err := c.api.Complete(ctx, orderID, img); err != nil {
		return errors.Wrapf(err, "[Coordinator Complete] order %s", orderID)
	}

	c.ledger.DropEverywhere(orderID)
	c.logger.Info().Str("order_id", orderID).Msg("order completed")

	if err := c.RefreshCompleted(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to reload completed orders")
	}
	return nil
}

// RefreshCompleted replaces the ledger's completed orders with the service's.
func (c *Coordinator) RefreshCompleted(ctx context.Context) error {
	completed, err := c.api.Completes(ctx)
	if err != nil {
		return errors.Wrapf(err, "[Coordinator RefreshCompleted]")
	}
	c.ledger.ReplaceCompleted(completed)
	return nil
}

// Earnings returns the rider's running total as reported by the service.
func (c *Coordinator) Earnings(ctx context.Context) (int64, error) {
	total, err := c.api.Earnings(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "[Coordinator Earnings]")
	}
	return total, nil
}

func (c *Coordinator) begin(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[orderID]; busy {
		return false
	}
	c.pending[orderID] = struct{}{}
	return true
}

func (c *Coordinator) end(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, orderID)
}

func isConflict(err error) bool {
	var se *gateway.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusBadRequest || se.Status == http.StatusConflict
}

func conflictMessage(err error) string {
	var se *gateway.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return "order already taken"
}

func asNetworkError(err error) error {
	if errors.Is(err, errors.ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %w", errors.ErrNetwork, err)
}
