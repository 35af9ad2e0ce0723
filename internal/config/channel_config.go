package config

import (
	"strings"
	"time"
)

type Channel struct {
	WSURL                    string        `env:"RIDER_WS_URL"`
	ReconnectInitialInterval time.Duration `env:"RIDER_RECONNECT_INITIAL_INTERVAL" envDefault:"500ms"`
	ReconnectMaxInterval     time.Duration `env:"RIDER_RECONNECT_MAX_INTERVAL"     envDefault:"30s"`
}

var _ ChannelConfig = Channel{}

func (c mainConfig) GetWSURL() string {
	if c.Channel.WSURL != "" {
		return c.Channel.WSURL
	}
	return WSURLFromAPI(c.Remote.GetAPIURL())
}

// GetWSURL returns the explicitly configured push channel URL. The composed
// Config falls back to the API URL when it is empty.
func (c Channel) GetWSURL() string {
	return c.WSURL
}

func (c Channel) GetReconnectInitialInterval() time.Duration {
	if c.ReconnectInitialInterval <= 0 {
		return 500 * time.Millisecond
	}
	return c.ReconnectInitialInterval
}

func (c Channel) GetReconnectMaxInterval() time.Duration {
	if c.ReconnectMaxInterval <= 0 {
		return 30 * time.Second
	}
	return c.ReconnectMaxInterval
}

// WSURLFromAPI maps http(s)://host/base to ws(s)://host/base/ws
func WSURLFromAPI(apiURL string) string {
	if apiURL == "" {
		return ""
	}
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
