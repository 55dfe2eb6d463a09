// Package config loads client configuration. MARKETSYNC_* environment
// variables override the YAML file, which overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/session"
	"github.com/agentworkforce/marketsync/internal/transport"
)

const (
	EnvPrefix = "MARKETSYNC"

	DefaultBaseURL       = "http://127.0.0.1:8080"
	DefaultTimeoutMS     = 15000
	DefaultPageSize      = 20
	DefaultReconnectMin  = 500
	DefaultReconnectMax  = 30000
	DefaultEscalateAfter = 3
)

type Config struct {
	BaseURL        string   `mapstructure:"base_url"`
	TimeoutMS      int      `mapstructure:"timeout_ms"`
	PageSize       int      `mapstructure:"page_size"`
	Transports     []string `mapstructure:"transports"`
	RealtimeURL    string   `mapstructure:"realtime_url"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"`
	ReconnectMinMS int      `mapstructure:"reconnect_min_ms"`
	ReconnectMaxMS int      `mapstructure:"reconnect_max_ms"`
	EscalateAfter  int      `mapstructure:"escalate_after"`

	// Credentials are read from the environment or flags only.
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c Config) ReconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinMS) * time.Millisecond
}

func (c Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

func (c Config) Validate() error {
	var errs []error
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL))
	}
	if c.RealtimeURL != "" {
		parsed, err := url.Parse(c.RealtimeURL)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("realtime_url must be a ws(s) URL, got %q", c.RealtimeURL))
		}
	}
	if c.TimeoutMS <= 0 {
		errs = append(errs, errors.New("timeout_ms must be positive"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be positive"))
	}
	if len(c.Transports) == 0 {
		errs = append(errs, errors.New("transports must not be empty"))
	}
	if c.ReconnectMinMS <= 0 || c.ReconnectMaxMS < c.ReconnectMinMS {
		errs = append(errs, errors.New("reconnect_min_ms must be positive and not above reconnect_max_ms"))
	}
	if c.EscalateAfter <= 0 {
		errs = append(errs, errors.New("escalate_after must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Session maps the configuration onto a session.Config. An explicit token
// source wins over the configured token.
func (c Config) Session(token transport.TokenSource, notifier notify.Notifier, logger *slog.Logger) session.Config {
	if token == nil && c.Token != "" {
		token = transport.StaticToken(c.Token)
	}
	return session.Config{
		BaseURL:       c.BaseURL,
		RealtimeURL:   c.RealtimeURL,
		Transports:    c.Transports,
		Timeout:       c.Timeout(),
		Token:         token,
		UserID:        c.UserID,
		ReconnectMin:  c.ReconnectMin(),
		ReconnectMax:  c.ReconnectMax(),
		EscalateAfter: c.EscalateAfter,
		Notifier:      notifier,
		Logger:        logger,
	}
}

// Loader owns one viper instance so callers can reload and watch it.
type Loader struct {
	v      *viper.Viper
	logger *slog.Logger

	mu      sync.Mutex
	current Config
}

// NewLoader reads path when set, otherwise looks for marketsync.yaml in the
// working directory and $HOME.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("marketsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("timeout_ms", DefaultTimeoutMS)
	v.SetDefault("page_size", DefaultPageSize)
	v.SetDefault("transports", []string{"websocket"})
	v.SetDefault("realtime_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("reconnect_min_ms", DefaultReconnectMin)
	v.SetDefault("reconnect_max_ms", DefaultReconnectMax)
	v.SetDefault("escalate_after", DefaultEscalateAfter)
	v.SetDefault("token", "")
	v.SetDefault("user_id", "")

	return &Loader{v: v, logger: logger}
}

// Viper exposes the underlying instance so flags can be bound to it.
func (l *Loader) Viper() *viper.Viper { return l.v }

func (l *Loader) Load() (Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current is the last successfully decoded configuration.
func (l *Loader) Current() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch calls onChange each time the config file is written. Invalid
// edits are reported and leave Current untouched.
func (l *Loader) Watch(onChange func(Config, error)) {
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn("config reload rejected", slog.String("file", ev.Name), slog.String("error", err.Error()))
		} else {
			l.logger.Info("config reloaded", slog.String("file", ev.Name))
		}
		if onChange != nil {
			onChange(cfg, err)
		}
	})
	l.v.WatchConfig()
}

// Load is NewLoader(path, nil).Load().
func Load(path string) (Config, error) {
	return NewLoader(path, nil).Load()
}
