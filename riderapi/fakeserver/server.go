// Package fakeserver is an in-memory order service speaking the rider client's
// HTTP and push contract. It exists for tests and local experiments.
package fakeserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-rider-client/orders"
	"golang.org/x/crypto/bcrypt"
)

const (
	statusSessionExpired = 419
	accessTokenLifetime  = time.Hour
	wsAuthTimeout        = 5 * time.Second
	wsWriteTimeout       = 5 * time.Second
)

type rider struct {
	Name         string
	Email        string
	PasswordHash []byte
}

type accessGrant struct {
	email   string
	expired bool
}

type socket struct {
	conn  *websocket.Conn
	email string
	mu    sync.Mutex
}

func (s *socket) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

type failure struct {
	status  int
	message string
}

// Server is a fake order service. All methods are safe for concurrent use.
type Server struct {
	srv        *httptest.Server
	signingKey []byte
	upgrader   websocket.Upgrader

	mu            sync.Mutex
	riders        map[string]*rider
	accessTokens  map[string]*accessGrant
	refreshTokens map[string]string
	orders        map[string]orders.Order
	claims        map[string]string
	completes     map[string][]orders.Order
	earnings      map[string]int64
	sockets       map[*socket]struct{}
	failNext      map[string]failure
	hits          map[string]int
	refreshDelay  time.Duration
	refreshCalls  int
}

// New starts a fake order service on a loopback address.
func New() *Server {
	s := &Server{
		signingKey:    []byte(uuid.New().String()),
		riders:        make(map[string]*rider),
		accessTokens:  make(map[string]*accessGrant),
		refreshTokens: make(map[string]string),
		orders:        make(map[string]orders.Order),
		claims:        make(map[string]string),
		completes:     make(map[string][]orders.Order),
		earnings:      make(map[string]int64),
		sockets:       make(map[*socket]struct{}),
		failNext:      make(map[string]failure),
		hits:          make(map[string]int),
	}

	mux := http.NewServeMux()
	routes := map[string]http.HandlerFunc{
		"POST /login":        s.handleLogin,
		"POST /refreshToken": s.handleRefreshToken,
		"POST /logout":       s.handleLogout,
		"POST /accept":       s.handleAccept,
		"POST /complete":     s.handleComplete,
		"GET /completes":     s.handleCompletes,
		"GET /earnings":      s.handleEarnings,
		"GET /ws":            s.handleWebSocket,
	}
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, ChainMiddleware(handler, s.middleware()...))
	}

	s.srv = httptest.NewServer(mux)
	return s
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.DropSockets()
	s.srv.Close()
}

func (s *Server) URL() string {
	return s.srv.URL
}

func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// AddRider registers a rider account.
func (s *Server) AddRider(email, name, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("fakeserver: hash password: %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riders[email] = &rider{Name: name, Email: email, PasswordHash: hash}
}

// IssueSession mints credentials for a registered rider without a login call.
func (s *Server) IssueSession(email string) (accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintAccessTokenLocked(email), s.mintRefreshTokenLocked(email)
}

// ExpireAccessTokens makes every access token issued so far answer 419.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.accessTokens {
		g.expired = true
	}
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]string)
}

// SetRefreshDelay slows down the refresh endpoint.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailNext makes the next authenticated call to path answer status.
func (s *Server) FailNext(path string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[path] = failure{status: status, message: message}
}

// AddOrder makes an order known to the service without pushing it.
func (s *Server) AddOrder(o orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

// PushOrder registers o and sends it to every authenticated socket. It returns
// the number of sockets the event was written to.
func (s *Server) PushOrder(o orders.Order) int {
	s.mu.Lock()
	s.orders[o.ID] = o
	targets := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		targets = append(targets, sock)
	}
	s.mu.Unlock()

	delivered := 0
	for _, sock := range targets {
		if err := sock.writeJSON(map[string]any{"type": "order", "data": o}); err == nil {
			delivered++
		}
	}
	return delivered
}

// ClaimFor records that email has claimed orderID, as another rider would.
func (s *Server) ClaimFor(orderID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[orderID] = email
}

func (s *Server) ClaimedBy(orderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[orderID]
}

// SetEarnings overrides the running total of a rider.
func (s *Server) SetEarnings(email string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.earnings[email] = total
}

func (s *Server) Completes(email string) []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.Order(nil), s.completes[email]...)
}

func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Hits is the number of requests received for path, whatever their outcome.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// SocketCount is the number of authenticated push connections.
func (s *Server) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// DropSockets closes every push connection as a transport failure would.
func (s *Server) DropSockets() {
	s.mu.Lock()
	targets := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		targets = append(targets, sock)
	}
	s.mu.Unlock()

	for _, sock := range targets {
		_ = sock.conn.Close()
	}
}

func (s *Server) mintAccessTokenLocked(email string) string {
	now := time.Now()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   email,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenLifetime)),
	}).SignedString(s.signingKey)
	if err != nil {
		panic(fmt.Sprintf("fakeserver: sign access token: %v", err))
	}
	s.accessTokens[raw] = &accessGrant{email: email}
	return raw
}

func (s *Server) mintRefreshTokenLocked(email string) string {
	raw := uuid.New().String()
	s.refreshTokens[raw] = email
	return raw
}

// authenticate resolves the bearer token, answering 401 or 419 itself.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := bearer(r)

	s.mu.Lock()
	grant, known := s.accessTokens[raw]
	var expired bool
	if known {
		expired = grant.expired
	}
	fail, hasFailure := s.failNext[r.URL.Path]
	if known && !expired && hasFailure {
		delete(s.failNext, r.URL.Path)
	}
	s.mu.Unlock()

	switch {
	case !known:
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid access token")
		return "", false
	case expired:
		writeError(w, statusSessionExpired, "expired", "access token expired")
		return "", false
	case hasFailure:
		writeError(w, fail.status, "", fail.message)
		return "", false
	}
	return grant.email, true
}

func bearer(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	body := map[string]any{"message": message}
	if code != "" {
		body["code"] = code
	}
	_ = json.NewEncoder(w).Encode(body)
}

var errBadAuthFrame = errors.New("bad auth frame")
