// Package ledger keeps the rider's local view of orders: the ones on offer,
// the ones this rider has claimed and the server's list of completed ones.
package ledger

import (
	"slices"
	"sync"

	"github.com/jrsteele09/go-rider-client/internal/errors"
	"github.com/jrsteele09/go-rider-client/orders"
	"github.com/rs/zerolog"
)

const defaultMaxClaimed = 1

// View is a copy of the three collections at one point in time.
type View struct {
	Available []orders.Order
	Claimed   []orders.Order
	Completed []orders.Order
}

// Ledger holds the order collections. An order id is in at most one of
// Available and Claimed. Completed is replaced wholesale from the server.
type Ledger struct {
	mu         sync.Mutex
	available  []orders.Order
	claimed    []orders.Order
	completed  []orders.Order
	reserved   map[string]struct{}
	maxClaimed int
	logger     zerolog.Logger

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(View)
	nextSub  int
}

// Option defines a function type to modify the Ledger instance.
type Option func(*Ledger)

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMaxClaimed sets how many orders may be claimed at once. Values below
// one are ignored.
func WithMaxClaimed(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxClaimed = n
		}
	}
}

func New(options ...Option) *Ledger {
	l := &Ledger{
		reserved:   make(map[string]struct{}),
		maxClaimed: defaultMaxClaimed,
		logger:     zerolog.Nop(),
		subs:       make(map[int]func(View)),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// AddAvailable appends an order pushed by the service. An id already known in
// any collection is rejected with ErrDuplicateOrder and the ledger is left
// untouched.
func (l *Ledger) AddAvailable(o orders.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.containsLocked(o.ID) {
		l.mu.Unlock()
		l.logger.Debug().Str("order_id", o.ID).Msg("duplicate order ignored")
		return errors.Wrapf(errors.ErrDuplicateOrder, "order %s", o.ID)
	}
	l.available = append(l.available, o)
	view := l.viewLocked()
	l.mu.Unlock()

	l.logger.Info().Str("order_id", o.ID).Int64("price", o.Price).Msg("order available")
	l.notify(view)
	return nil
}

// CanClaim reports whether PromoteToClaimed(id) would currently succeed.
func (l *Ledger) CanClaim(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canClaimLocked(id)
}

// Reserve holds a claim slot for id until PromoteToClaimed or Release. A
// reserved slot counts against the claim limit like a claimed order, so two
// claims in flight cannot both be promoted past the limit. Reservations are
// not part of the View.
func (l *Ledger) Reserve(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.reserved[id]; held {
		return errors.Wrapf(errors.ErrDuplicateOrder, "order %s is already reserved", id)
	}
	if err := l.canClaimLocked(id); err != nil {
		return err
	}
	l.reserved[id] = struct{}{}
	return nil
}

// Release gives back the slot reserved for id. Unknown ids are a no-op.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	delete(l.reserved, id)
	l.mu.Unlock()
}

// PromoteToClaimed moves id from Available to Claimed, consuming its
// reservation if it has one.
func (l *Ledger) PromoteToClaimed(id string) error {
	l.mu.Lock()
	if err := l.canClaimLocked(id); err != nil {
		l.mu.Unlock()
		return err
	}
	idx := indexOf(l.available, id)
	o := l.available[idx]
	l.available = slices.Delete(l.available, idx, idx+1)
	l.claimed = append(l.claimed, o)
	delete(l.reserved, id)
	view := l.viewLocked()
	l.mu.Unlock()

	l.logger.Info().Str("order_id", id).Msg("order claimed")
	l.notify(view)
	return nil
}

// DropEverywhere removes id from Available and Claimed. Unknown ids are a
// no-op.
func (l *Ledger) DropEverywhere(id string) {
	l.mu.Lock()
	before := len(l.available) + len(l.claimed)
	l.available = slices.DeleteFunc(l.available, func(o orders.Order) bool { return o.ID == id })
	l.claimed = slices.DeleteFunc(l.claimed, func(o orders.Order) bool { return o.ID == id })
	if len(l.available)+len(l.claimed) == before {
		l.mu.Unlock()
		return
	}
	view := l.viewLocked()
	l.mu.Unlock()

	l.logger.Debug().Str("order_id", id).Msg("order dropped")
	l.notify(view)
}

// ReplaceCompleted swaps in the server's list of completed orders.
func (l *Ledger) ReplaceCompleted(completed []orders.Order) {
	l.mu.Lock()
	l.completed = slices.Clone(completed)
	view := l.viewLocked()
	l.mu.Unlock()

	l.notify(view)
}

// Reset empties all three collections and drops every reservation.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.available = nil
	l.claimed = nil
	l.completed = nil
	clear(l.reserved)
	view := l.viewLocked()
	l.mu.Unlock()

	l.logger.Debug().Msg("ledger reset")
	l.notify(view)
}

func (l *Ledger) Snapshot() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.viewLocked()
}

// Subscribe registers fn to receive a View after every mutation. Calls are
// serialised and never made while the ledger is locked.
func (l *Ledger) Subscribe(fn func(View)) (unsubscribe func()) {
	l.subsMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subsMu.Unlock()

	return func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}

func (l *Ledger) canClaimLocked(id string) error {
	if indexOf(l.available, id) < 0 {
		if indexOf(l.claimed, id) >= 0 {
			return errors.Wrapf(errors.ErrDuplicateOrder, "order %s is already claimed", id)
		}
		return errors.Wrapf(errors.ErrNotFound, "order %s is not available", id)
	}
	held := len(l.claimed) + len(l.reserved)
	if _, own := l.reserved[id]; own {
		held--
	}
	if held >= l.maxClaimed {
		return errors.Wrapf(errors.ErrClaimLimit, "holding %d of %d", held, l.maxClaimed)
	}
	return nil
}

func (l *Ledger) containsLocked(id string) bool {
	return indexOf(l.available, id) >= 0 ||
		indexOf(l.claimed, id) >= 0 ||
		indexOf(l.completed, id) >= 0
}

func (l *Ledger) viewLocked() View {
	return View{
		Available: slices.Clone(l.available),
		Claimed:   slices.Clone(l.claimed),
		Completed: slices.Clone(l.completed),
	}
}

func (l *Ledger) notify(view View) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.subsMu.Lock()
	ids := make([]int, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(View), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.subs[id])
	}
	l.subsMu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

func indexOf(list []orders.Order, id string) int {
	return slices.IndexFunc(list, func(o orders.Order) bool { return o.ID == id })
}
