package config

import (
	"strings"
	"time"
)

type Remote struct {
	APIURL      string        `env:"RIDER_API_URL"      envDefault:"http://localhost:3105"`
	HTTPTimeout time.Duration `env:"RIDER_HTTP_TIMEOUT" envDefault:"10s"`
}

var _ RemoteConfig = Remote{}

// GetAPIURL returns the base URL of the order service without a trailing slash
func (r Remote) GetAPIURL() string {
	return strings.TrimRight(r.APIURL, "/")
}

func (r Remote) GetHTTPTimeout() time.Duration {
	if r.HTTPTimeout <= 0 {
		return 10 * time.Second
	}
	return r.HTTPTimeout
}
