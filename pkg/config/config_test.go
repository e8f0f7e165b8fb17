package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ScopeProcess, cfg.Broker.SubscribeScope)
	assert.False(t, cfg.Gateway.PropagateBrokerFailure)
	assert.Equal(t, cfg.Broker.ListenAddr, cfg.Endpoints[APIBroker])
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "mapservice.yaml",
			content: `
call_timeout: 3s
endpoints:
  map-private: 10.0.0.2:7701
broker:
  subscribe_scope: application
  attachment_ttl: 90s
gateway:
  propagate_broker_failure: true
ui:
  reconnect_delay: 500ms
`,
		},
		{
			name: "json",
			file: "mapservice.json",
			content: `{
  "call_timeout": "3s",
  "endpoints": {"map-private": "10.0.0.2:7701"},
  "broker": {"subscribe_scope": "application", "attachment_ttl": "90s"},
  "gateway": {"propagate_broker_failure": true},
  "ui": {"reconnect_delay": "500ms"}
}`,
		},
		{
			name: "toml",
			file: "mapservice.toml",
			content: `
call_timeout = "3s"

[endpoints]
map-private = "10.0.0.2:7701"

[broker]
subscribe_scope = "application"
attachment_ttl = "90s"

[gateway]
propagate_broker_failure = true

[ui]
reconnect_delay = "500ms"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, 3*time.Second, cfg.CallTimeout.Std())
			assert.Equal(t, "10.0.0.2:7701", cfg.Endpoints[APIBroker])
			assert.Equal(t, ScopeApplication, cfg.Broker.SubscribeScope)
			assert.Equal(t, 90*time.Second, cfg.Broker.AttachmentTTL.Std())
			assert.True(t, cfg.Gateway.PropagateBrokerFailure)
			assert.Equal(t, 500*time.Millisecond, cfg.UI.ReconnectDelay.Std())
			assert.Equal(t, 2*time.Second, cfg.Gateway.ReconnectDelay.Std())

			// untouched fields keep their defaults
			assert.Equal(t, "attachSurfaceToApp", cfg.Broker.AttachVerb)
			assert.Equal(t, APIGateway, cfg.Gateway.API)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "mapservice.ini", "x=1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "call_timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "scope.yaml", "broker:\n  subscribe_scope: global\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.CallTimeout = 0 }},
		{"empty broker api", func(c *Config) { c.Broker.API = "" }},
		{"empty attach verb", func(c *Config) { c.Broker.AttachVerb = "" }},
		{"ui api without verb", func(c *Config) { c.Broker.UIVerb = "" }},
		{"negative ttl", func(c *Config) { c.Broker.AttachmentTTL = Duration(-time.Second) }},
		{"zero reconnect delay", func(c *Config) { c.Gateway.ReconnectDelay = 0 }},
		{"zero ui reconnect delay", func(c *Config) { c.UI.ReconnectDelay = 0 }},
		{"negative probe interval", func(c *Config) { c.ProbeInterval = Duration(-time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Broker.UIAPI = ""
	cfg.Broker.UIVerb = ""
	assert.NoError(t, cfg.Validate(), "self-reporting broker needs no ui verb")
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("later")))
}
