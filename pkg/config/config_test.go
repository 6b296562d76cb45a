package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arzzra/presence/pkg/sipdialog"
	"github.com/arzzra/presence/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[sip]
user_agent = "pbx-presence"
hostname = "pbx.example.com"

[[sip.listeners]]
transport = "tcp"
host = "10.0.0.1"
port = 5070

[presence]
proxy = true
auth_timeout = "5s"
publish_echo = true

[registrar]
max_expires = 1800
default_expires = 600

[users]
driver = "static"

[[users.drivers.static.accounts]]
username = "bob"
realm = "biloxi.com"
secret = "zanzibar"

[log]
level = "debug"
format = "json"
colour = "red"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_Valid(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg, err := Load(LoaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	cfg, err := Load(LoaderOptions{ConfigPath: writeConfig(t, sample)})
	require.NoError(t, err)

	assert.Equal(t, "pbx-presence", cfg.SIP.UserAgent)
	require.Len(t, cfg.SIP.Listeners, 1)
	assert.Equal(t, Listener{Transport: "tcp", Host: "10.0.0.1", Port: 5070}, cfg.SIP.Listeners[0])

	assert.True(t, cfg.Presence.Proxy)
	assert.True(t, cfg.Presence.PublishEcho)
	assert.Equal(t, 5*time.Second, cfg.Presence.AuthTimeout)
	// не указано в файле, остается по умолчанию
	assert.Equal(t, 10*time.Second, cfg.Presence.NotifyTimeout)
	assert.Equal(t, 16, cfg.Presence.FanoutLimit)
	assert.Equal(t, subscription.DefaultFanoutLimit, cfg.Presence.FanoutLimit)

	assert.Equal(t, 600, cfg.Registrar.DefaultExpires)
	assert.Equal(t, 1800, cfg.Registrar.MaxExpires)

	drv := cfg.Users.DriverConfig()
	require.Contains(t, drv, "accounts")

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_LogLevelOverride(t *testing.T) {
	cfg, err := Load(LoaderOptions{ConfigPath: writeConfig(t, sample), LogLevel: "warn"})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(LoaderOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, err)

	_, err = Load(LoaderOptions{ConfigPath: writeConfig(t, "[sip\n")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "no listeners", mutate: func(c *Config) { c.SIP.Listeners = nil }},
		{name: "bad transport", mutate: func(c *Config) { c.SIP.Listeners[0].Transport = "sctp" }},
		{name: "bad port", mutate: func(c *Config) { c.SIP.Listeners[0].Port = 70000 }},
		{name: "zero timeout", mutate: func(c *Config) { c.Presence.NotifyTimeout = 0 }},
		{name: "fanout", mutate: func(c *Config) { c.Presence.FanoutLimit = 0 }},
		{name: "expires", mutate: func(c *Config) { c.Registrar.MaxExpires = 10 }},
		{name: "driver", mutate: func(c *Config) { c.Users.Driver = "" }},
		{name: "metrics listen", mutate: func(c *Config) { c.Metrics.Listen = "" }},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.SIP.Listeners = append([]Listener(nil), cfg.SIP.Listeners...)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSIPConfig(t *testing.T) {
	cfg, err := Load(LoaderOptions{ConfigPath: writeConfig(t, sample)})
	require.NoError(t, err)

	sc := cfg.SIPConfig()
	assert.Equal(t, "pbx.example.com", sc.Hostname)
	require.Len(t, sc.Listeners, 1)
	assert.Equal(t, sipdialog.TransportTCP, sc.Listeners[0].Type)
	require.NoError(t, sc.Validate())
}
