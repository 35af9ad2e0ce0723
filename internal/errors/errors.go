package errors

import (
	"errors"
	"fmt"
)

// Common error types for the rider client
var (
	// Session errors
	ErrSessionExpired     = errors.New("session expired")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Claim errors
	ErrClaimConflict = errors.New("order already claimed by another rider")
	ErrClaimLimit    = errors.New("claimed order limit reached")
	ErrOutOfSync     = errors.New("claimed on the server but not held locally")

	// Ledger errors
	ErrNotFound       = errors.New("not found")
	ErrDuplicateOrder = errors.New("duplicate order")
	ErrInvalidOrder   = errors.New("invalid order")

	// Transport errors
	ErrNetwork = errors.New("network error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
