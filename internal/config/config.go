// Package config loads the application configuration, environment-first
// with an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "FRAUDVIEW"

// Config is the full application configuration. The authentication URLs are
// validated again by the flow's own gate; Validate here covers what main
// needs before wiring anything.
type Config struct {
	Environment string `mapstructure:"environment"`
	ListenAddr  string `mapstructure:"listen_addr"`

	Issuer       string   `mapstructure:"issuer"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`

	SessionFile   string `mapstructure:"session_file"`
	CookieAuthKey string `mapstructure:"cookie_auth_key"`

	ProbeAuthorizeEndpoint bool          `mapstructure:"probe_authorize_endpoint"`
	HTTPTimeout            time.Duration `mapstructure:"http_timeout"`
}

// Load reads configuration from the environment (FRAUDVIEW_*) and, when
// path is non-empty, the given YAML file. Environment wins.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("listen_addr", "localhost:8080")
	v.SetDefault("scopes", []string{"openid", "profile", "email"})
	v.SetDefault("session_file", "fraudview-sessions.json")
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("probe_authorize_endpoint", false)

	// viper only sees env vars it knows about; bind the keys we read
	for _, key := range []string{
		"environment", "listen_addr", "issuer", "client_id", "client_secret",
		"redirect_url", "scopes", "session_file", "cookie_auth_key",
		"probe_authorize_endpoint", "http_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env key %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Production reports whether the config targets the production
// environment, which switches on secure cookies and the __Host- prefix.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// Validate checks what main needs before wiring; the authentication flow
// performs its own load-bearing URL validation.
func (c *Config) Validate() error {
	switch c.Environment {
	case "production", "development", "test":
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if len(c.CookieAuthKey) < 32 {
		return fmt.Errorf("cookie_auth_key must be at least 32 bytes")
	}
	return nil
}
