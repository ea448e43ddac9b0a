package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CITYPULSE"
	defaultAPIBaseURL   = "http://localhost:5000"
	defaultChannelURL   = "ws://localhost:5000/ws"
	defaultDatabasePath = "citypulse.db"
	defaultLogLevel     = "info"
	defaultIdleMinutes  = 59
)

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	APIBaseURL   string
	ChannelURL   string
	BearerToken  string
	DatabasePath string
	LogLevel     string
	IdleMinutes  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("api.ws_url", defaultChannelURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.idle_minutes", defaultIdleMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIBaseURL:   configViper.GetString("api.base_url"),
		ChannelURL:   configViper.GetString("api.ws_url"),
		BearerToken:  configViper.GetString("auth.token"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		IdleMinutes:  configViper.GetInt("session.idle_minutes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.ChannelURL) == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.IdleMinutes <= 0 {
		return fmt.Errorf("session.idle_minutes must be positive")
	}
	return nil
}
