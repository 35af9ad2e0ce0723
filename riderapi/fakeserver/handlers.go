package fakeserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-rider-client/orders"
	"golang.org/x/crypto/bcrypt"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", "bad login payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rd, ok := s.riders[body.Email]
	if !ok || bcrypt.CompareHashAndPassword(rd.PasswordHash, []byte(body.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "", "email or password is incorrect")
		return
	}

	writeData(w, map[string]any{
		"name":         rd.Name,
		"email":        rd.Email,
		"accessToken":  s.mintAccessTokenLocked(rd.Email),
		"refreshToken": s.mintRefreshTokenLocked(rd.Email),
	})
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.refreshTokens[bearer(r)]
	if !ok {
		writeError(w, statusSessionExpired, "expired", "refresh token expired")
		return
	}
	rd := s.riders[email]
	name := ""
	if rd != nil {
		name = rd.Name
	}

	writeData(w, map[string]any{
		"accessToken": s.mintAccessTokenLocked(email),
		"name":        name,
		"email":       email,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	email, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	for token, owner := range s.refreshTokens {
		if owner == email {
			delete(s.refreshTokens, token)
		}
	}
	delete(s.accessTokens, bearer(r))
	s.mu.Unlock()

	writeData(w, "ok")
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	email, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var body struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrderID == "" {
		writeError(w, http.StatusBadRequest, "", "orderId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.orders[body.OrderID]; !known {
		writeError(w, http.StatusNotFound, "", "order not found")
		return
	}
	if owner, claimed := s.claims[body.OrderID]; claimed && owner != email {
		writeError(w, http.StatusBadRequest, "", "another rider has already accepted this order")
		return
	}
	s.claims[body.OrderID] = email
	writeData(w, "ok")
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	email, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "", "multipart form is required")
		return
	}
	orderID := r.FormValue("orderId")
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "image is required")
		return
	}
	defer file.Close()
	if _, err := io.Copy(io.Discard, file); err != nil {
		writeError(w, http.StatusBadRequest, "", "unreadable image")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims[orderID] != email {
		writeError(w, http.StatusBadRequest, "", "order is not claimed by this rider")
		return
	}
	o := s.orders[orderID]
	completedAt := time.Now().UTC()
	o.Image = "/uploads/" + header.Filename
	o.Rider = email
	o.CompletedAt = &completedAt
	s.orders[orderID] = o
	s.completes[email] = append(s.completes[email], o)
	s.earnings[email] += o.Price
	writeData(w, "ok")
}

func (s *Server) handleCompletes(w http.ResponseWriter, r *http.Request) {
	email, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	completes := append([]orders.Order{}, s.completes[email]...)
	s.mu.Unlock()
	writeData(w, completes)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	email, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	total := s.earnings[email]
	s.mu.Unlock()
	writeData(w, total)
}

// handleWebSocket expects {"type":"auth","token":"Bearer <jwt>"} as the first
// frame and then pushes order events until the connection goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	var frame struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&frame); err != nil || !strings.EqualFold(frame.Type, "auth") {
		writeAuthError(conn, errBadAuthFrame.Error())
		return
	}

	parts := strings.SplitN(frame.Token, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		writeAuthError(conn, "token must be 'Bearer <token>'")
		return
	}

	s.mu.Lock()
	grant, known := s.accessTokens[strings.TrimSpace(parts[1])]
	valid := known && !grant.expired
	s.mu.Unlock()
	if !valid {
		writeAuthError(conn, "authentication failed: invalid token")
		return
	}

	// Registered while holding the socket's write lock so no order event can
	// overtake the auth_success frame.
	sock := &socket{conn: conn, email: grant.email}
	sock.mu.Lock()
	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err = conn.WriteJSON(map[string]any{"type": "auth_success", "email": grant.email})
	sock.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
	}()

	if err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeAuthError(conn *websocket.Conn, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(map[string]any{"type": "auth_error", "error": message})
}
