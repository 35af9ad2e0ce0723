package gateway

import (
	"fmt"
	"net/http"
)

// StatusError is a non-2xx answer from the order service other than a
// recoverable session expiry. It is handed to callers unmodified.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Code    string // Machine readable code from the error body, if any
	Message string // Human readable message from the error body, if any
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %d %s (%s)", e.Method, e.Path, e.Status, msg, e.Code)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// IsClientError reports a 4xx business error.
func (e *StatusError) IsClientError() bool {
	return e.Status >= 400 && e.Status < 500
}
