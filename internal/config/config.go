package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config interface {
	EnvConfig
	RemoteConfig
	ChannelConfig
	StoreConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type RemoteConfig interface {
	GetAPIURL() string
	GetHTTPTimeout() time.Duration
}

type ChannelConfig interface {
	GetWSURL() string
	GetReconnectInitialInterval() time.Duration
	GetReconnectMaxInterval() time.Duration
}

type StoreConfig interface {
	GetStorePath() string
	GetStoreSecret() string
}

type mainConfig struct {
	EnvVars
	Remote
	Channel
	Store
}

// New reads the configuration from the environment. Every value has a default
// except the store secret, which is only needed by the durable credential store.
func New() (Config, error) {
	var c mainConfig
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("[config New] parse env: %w", err)
	}
	return c, nil
}
