package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "cfspider-core/internal/core/errors"
	"cfspider-core/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "info", cfg.Log.Level)

	desc, err := cfg.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, transport.KindNone, desc.Kind)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
relay: https://relay.example.workers.dev
transport:
  tunnel: v2.example.com
  credential: c373c80c-58e4-4e64-8db5-40096905ec58
browser:
  headless: false
  user_agent: "cfspider/1.0"
  nav_timeout: 90s
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.workers.dev", cfg.Relay)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "debug", cfg.Log.Level)

	nav, err := cfg.NavTimeout()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, nav)

	desc, err := cfg.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, transport.KindTunnel, desc.Kind)
	assert.Equal(t, "v2.example.com", desc.TunnelHost)
}

func TestLoadProxyConfig(t *testing.T) {
	path := writeConfig(t, `
transport:
  proxy: socks5://127.0.0.1:1080
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	desc, err := cfg.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, transport.KindLocalProxy, desc.Kind)
	assert.Equal(t, "socks5://127.0.0.1:1080", desc.ProxyURL())
}

func TestLoadRejectsConflictingTransport(t *testing.T) {
	path := writeConfig(t, `
transport:
  proxy: 127.0.0.1:9674
  tunnel: v2.example.com
  credential: c373c80c-58e4-4e64-8db5-40096905ec58
`)

	_, err := Load(path)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestLoadRejectsCredentialWithoutTunnel(t *testing.T) {
	path := writeConfig(t, `
transport:
  credential: c373c80c-58e4-4e64-8db5-40096905ec58
`)

	_, err := Load(path)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestLoadRejectsBadCredential(t *testing.T) {
	path := writeConfig(t, `
transport:
  tunnel: v2.example.com
  credential: not-a-uuid
`)

	_, err := Load(path)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestLoadRejectsBadNavTimeout(t *testing.T) {
	path := writeConfig(t, `
browser:
  nav_timeout: soon
`)
	_, err := Load(path)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "relay: [unclosed")
	_, err := Load(path)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}
