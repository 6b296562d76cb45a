// Package config TOML конфигурация presence-server.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arzzra/presence/pkg/sipdialog"
	"github.com/arzzra/presence/pkg/subscription"
	"github.com/pkg/errors"
)

// Config корневая конфигурация.
type Config struct {
	SIP       SIP       `toml:"sip"`
	Presence  Presence  `toml:"presence"`
	Registrar Registrar `toml:"registrar"`
	Users     Users     `toml:"users"`
	Metrics   Metrics   `toml:"metrics"`
	Log       Log       `toml:"log"`
}

type Listener struct {
	Transport string `toml:"transport"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
}

type SIP struct {
	UserAgent string     `toml:"user_agent"`
	Hostname  string     `toml:"hostname"`
	Port      int        `toml:"port"`
	Listeners []Listener `toml:"listeners"`
}

type Presence struct {
	// Proxy отвечать 407 вместо 401
	Proxy bool `toml:"proxy"`
	// Realm фиксированный realm вызова, пустой означает host из Request-URI
	Realm         string        `toml:"realm"`
	AuthTimeout   time.Duration `toml:"auth_timeout"`
	NotifyTimeout time.Duration `toml:"notify_timeout"`
	// FanoutLimit сколько NOTIFY отправляется параллельно на одно событие
	FanoutLimit int `toml:"fanout_limit"`
	// PublishEcho пересылать PUBLISH наблюдателям pidf/xpidf
	PublishEcho bool `toml:"publish_echo"`
	// Watch подписываться на зарегистрированные телефоны
	Watch bool `toml:"watch"`
}

type Registrar struct {
	Enabled        bool `toml:"enabled"`
	DefaultExpires int  `toml:"default_expires"`
	MaxExpires     int  `toml:"max_expires"`
}

type Users struct {
	Driver  string                    `toml:"driver"`
	Drivers map[string]map[string]any `toml:"drivers"`
}

// DriverConfig секция выбранного драйвера.
func (u Users) DriverConfig() map[string]any {
	if cfg, ok := u.Drivers[u.Driver]; ok {
		return cfg
	}
	return map[string]any{}
}

type Metrics struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default конфигурация без файла.
func Default() Config {
	return Config{
		SIP: SIP{
			UserAgent: "presence/1.0",
			Listeners: []Listener{{Transport: "udp", Host: "0.0.0.0", Port: 5060}},
		},
		Presence: Presence{
			AuthTimeout:   10 * time.Second,
			NotifyTimeout: 10 * time.Second,
			FanoutLimit:   subscription.DefaultFanoutLimit,
			Watch:         true,
		},
		Registrar: Registrar{
			Enabled:        true,
			DefaultExpires: 3600,
			MaxExpires:     7200,
		},
		Users: Users{Driver: "static"},
		Metrics: Metrics{
			Enabled:   true,
			Listen:    "127.0.0.1:9090",
			Namespace: "presence",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// LoaderOptions параметры Load.
type LoaderOptions struct {
	// ConfigPath путь к TOML файлу. Пустой означает Default
	ConfigPath string
	// LogLevel переопределяет [log] level, если не пуст
	LogLevel string
	Logger   *slog.Logger
}

// Load читает файл поверх Default и проверяет результат.
// Неизвестные ключи не ошибка, они попадают в лог.
func Load(opts LoaderOptions) (Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Default()
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", opts.ConfigPath)
		}
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", opts.ConfigPath)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("Config unknown keys", slog.String("path", opts.ConfigPath), slog.Any("keys", keys))
		}
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет значения.
func (c Config) Validate() error {
	if len(c.SIP.Listeners) == 0 {
		return errors.New("sip: at least one listener is required")
	}
	for i, l := range c.SIP.Listeners {
		switch strings.ToLower(l.Transport) {
		case "udp", "tcp":
		default:
			return errors.Errorf("sip.listeners[%d]: unsupported transport %q", i, l.Transport)
		}
		if l.Port <= 0 || l.Port > 65535 {
			return errors.Errorf("sip.listeners[%d]: bad port %d", i, l.Port)
		}
	}
	if c.Presence.AuthTimeout <= 0 || c.Presence.NotifyTimeout <= 0 {
		return errors.New("presence: timeouts must be positive")
	}
	if c.Presence.FanoutLimit <= 0 {
		return errors.New("presence: fanout_limit must be positive")
	}
	if c.Registrar.DefaultExpires <= 0 || c.Registrar.MaxExpires < c.Registrar.DefaultExpires {
		return errors.Errorf("registrar: bad expires %d/%d", c.Registrar.DefaultExpires, c.Registrar.MaxExpires)
	}
	if c.Users.Driver == "" {
		return errors.New("users: driver is required")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics: listen is required")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("log: unsupported format %q", c.Log.Format)
	}
	return nil
}

// SlogLevel уровень логирования.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, errors.Wrapf(err, "log: bad level %q", l.Level)
	}
	return level, nil
}

// SIPConfig конфигурация sipdialog.UA.
func (c Config) SIPConfig() sipdialog.Config {
	out := sipdialog.Config{
		UserAgent: c.SIP.UserAgent,
		Hostname:  c.SIP.Hostname,
		Port:      c.SIP.Port,
	}
	for _, l := range c.SIP.Listeners {
		out.Listeners = append(out.Listeners, sipdialog.Listener{
			Type: sipdialog.TransportType(strings.ToUpper(l.Transport)),
			Host: l.Host,
			Port: l.Port,
		})
	}
	return out
}
