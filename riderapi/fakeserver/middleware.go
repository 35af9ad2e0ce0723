package fakeserver

import (
	"fmt"
	"net/http"
)

const headerRequestID = "X-Request-ID"

// ChainMiddleware wraps route so that mw[0] runs first.
func ChainMiddleware(route http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chained := route
	for i := len(mw) - 1; i >= 0; i-- {
		chained = mw[i](chained)
	}
	return chained
}

func (s *Server) middleware() []func(http.HandlerFunc) http.HandlerFunc {
	return []func(http.HandlerFunc) http.HandlerFunc{
		s.recoverMiddleware,
		s.countHitsMiddleware,
		requestIDMiddleware,
	}
}

func (s *Server) countHitsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		next(w, r)
	}
}

// requestIDMiddleware echoes the caller's request id.
func requestIDMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(headerRequestID); id != "" {
			w.Header().Set(headerRequestID, id)
		}
		next(w, r)
	}
}

func (s *Server) recoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, "", fmt.Sprintf("internal error: %v", rec))
			}
		}()
		next(w, r)
	}
}
