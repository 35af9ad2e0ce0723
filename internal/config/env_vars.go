package config

import "strings"

type EnvVars struct {
	AppName  string `env:"RIDER_APP_NAME"  envDefault:"Rider"`
	Env      string `env:"RIDER_ENV"       envDefault:"DEV"`
	LogLevel string `env:"RIDER_LOG_LEVEL" envDefault:"info"`
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	if e.Env == "" {
		return "DEV"
	}
	return strings.ToUpper(e.Env)
}

func (e EnvVars) GetLogLevel() string {
	return strings.ToLower(e.LogLevel)
}
