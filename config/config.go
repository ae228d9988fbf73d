// Package config loads the settings of the demo host.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"lds.li/oidcflow/oidcclient"
)

// EnvPrefix prefixes every environment override, e.g. OIDCFLOW_OIDC_ISSUER.
const EnvPrefix = "OIDCFLOW"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// BaseURL is the externally visible URL of the host. Redirects and path
	// prefixes are resolved against it.
	BaseURL string `mapstructure:"base_url"`
	// RedisURL selects redis backed session storage. Empty keeps sessions in
	// memory.
	RedisURL   string        `mapstructure:"redis_url"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// TokenFile keeps tokens in a file instead of the session store, so they
	// outlive redis or process restarts. Entries are keyed by session id.
	TokenFile string `mapstructure:"token_file"`
	LogLevel  string `mapstructure:"log_level"`

	OIDC oidcclient.Params `mapstructure:"oidc"`
	API  API               `mapstructure:"api"`
}

// API is where the bearer token is sent.
type API struct {
	// CheckURL is called by the demo's API check page.
	CheckURL     string   `mapstructure:"check_url"`
	Prefixes     []string `mapstructure:"prefixes"`
	SkipPrefixes []string `mapstructure:"skip_prefixes"`
}

var defaults = map[string]any{
	"listen_addr":        "127.0.0.1:8080",
	"base_url":           "http://127.0.0.1:8080",
	"redis_url":          "",
	"session_ttl":        "24h",
	"token_file":         "",
	"log_level":          "info",
	"oidc.issuer":        "",
	"oidc.client_id":     "",
	"oidc.resource":      "",
	"oidc.redirect_uri":  "",
	"oidc.response_type": "code",
	"oidc.scope":         "openid profile email",
	"api.check_url":      "",
	"api.prefixes":       []string{},
	"api.skip_prefixes":  []string{},
}

// Load reads the YAML file at path, if path is set, and applies environment
// overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if c.OIDC.RedirectURI == "" && c.BaseURL != "" {
		c.OIDC.RedirectURI = strings.TrimSuffix(c.BaseURL, "/") + "/app/"
	}
	return &c, nil
}

// Validate checks c is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("listen_addr is empty: %w", ErrInvalidConfig))
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q is not an absolute URL: %w", c.BaseURL, ErrInvalidConfig))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session_ttl must be positive: %w", ErrInvalidConfig))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.API.CheckURL != "" {
		if _, err := url.Parse(c.API.CheckURL); err != nil {
			errs = append(errs, fmt.Errorf("api.check_url: %w", ErrInvalidConfig))
		}
	}
	if err := c.OIDC.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("oidc: %w", err))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, ErrInvalidConfig)
	}
	return l, nil
}
