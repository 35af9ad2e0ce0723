package credstore

import "context"

// RefreshTokenKey is where the long-lived refresh credential is kept.
const RefreshTokenKey = "refreshToken"

// Store is durable key-value storage for secrets that must survive a restart.
// Get reports ok=false, with a nil error, when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
