package sessions

import (
	"slices"
	"sync"

	"golang.org/x/oauth2"
)

// Identity is who the session belongs to.
type Identity struct {
	Name  string
	Email string
}

// Change names the transition that produced a Snapshot.
type Change int

const (
	LoggedOut Change = iota
	LoggedIn
	TokenRefreshed
)

func (c Change) String() string {
	switch c {
	case LoggedIn:
		return "logged_in"
	case TokenRefreshed:
		return "token_refreshed"
	default:
		return "logged_out"
	}
}

// Snapshot is an immutable copy of the session handed to subscribers.
// Authenticated is false exactly when the session is null.
type Snapshot struct {
	Change        Change
	Identity      Identity
	Authenticated bool
	Generation    uint64 // Increments every time the access token is replaced
}

// State is the one session of a running client. The refresh credential is never
// held here; it lives in the credential store.
type State struct {
	mu         sync.RWMutex
	identity   Identity
	token      *oauth2.Token
	generation uint64

	notifyMu sync.Mutex // Serialises subscriber notifications
	subsMu   sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int
}

func New() *State {
	return &State{subs: make(map[int]func(Snapshot))}
}

// Login starts a session for identity with the given access token.
func (s *State) Login(identity Identity, token *oauth2.Token) {
	s.mu.Lock()
	s.identity = identity
	s.token = copyToken(token)
	s.generation++
	snap := s.snapshotLocked(LoggedIn)
	s.mu.Unlock()

	s.notify(snap)
}

// SetAccessToken replaces the access token of an existing session. It is a
// no-op when nobody is logged in so that a late refresh cannot resurrect a
// session torn down in the meantime.
func (s *State) SetAccessToken(token *oauth2.Token) bool {
	s.mu.Lock()
	if s.token == nil || token == nil {
		s.mu.Unlock()
		return false
	}
	s.token = copyToken(token)
	s.generation++
	snap := s.snapshotLocked(TokenRefreshed)
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Clear destroys the session. Clearing an empty session does not notify.
func (s *State) Clear() {
	s.mu.Lock()
	if s.token == nil {
		s.mu.Unlock()
		return
	}
	s.identity = Identity{}
	s.token = nil
	s.generation++
	snap := s.snapshotLocked(LoggedOut)
	s.mu.Unlock()

	s.notify(snap)
}

// AccessToken returns a copy of the current token, nil when logged out.
func (s *State) AccessToken() *oauth2.Token {
	tok, _ := s.AccessTokenWithGeneration()
	return tok
}

// AccessTokenWithGeneration returns the token together with the generation it
// belongs to, read under a single lock.
func (s *State) AccessTokenWithGeneration() (*oauth2.Token, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyToken(s.token), s.generation
}

func (s *State) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *State) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != nil
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	change := LoggedOut
	if s.token != nil {
		change = LoggedIn
	}
	return s.snapshotLocked(change)
}

// Subscribe registers fn for every session transition. Callbacks run
// synchronously, one at a time, in transition order, and must not call back
// into Login, SetAccessToken or Clear.
func (s *State) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *State) snapshotLocked(change Change) Snapshot {
	return Snapshot{
		Change:        change,
		Identity:      s.identity,
		Authenticated: s.token != nil,
		Generation:    s.generation,
	}
}

func (s *State) notify(snap Snapshot) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subsMu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		s.subsMu.Lock()
		fn, ok := s.subs[id]
		s.subsMu.Unlock()
		if ok {
			fn(snap)
		}
	}
}

func copyToken(t *oauth2.Token) *oauth2.Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
