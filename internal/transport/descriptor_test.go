package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "cfspider-core/internal/core/errors"
)

const testCredential = "c373c80c-58e4-4e64-8db5-40096905ec58"

func TestParseBareHostPort(t *testing.T) {
	d, err := Parse("127.0.0.1:9674", "")
	require.NoError(t, err)
	assert.Equal(t, KindLocalProxy, d.Kind)
	assert.Equal(t, SchemeHTTP, d.ProxyScheme)
	assert.Equal(t, "127.0.0.1", d.ProxyHost)
	assert.Equal(t, 9674, d.ProxyPort)
	assert.Equal(t, "http://127.0.0.1:9674", d.ProxyURL())
}

func TestParseSocks5(t *testing.T) {
	d, err := Parse("socks5://127.0.0.1:1080", "")
	require.NoError(t, err)
	assert.Equal(t, KindLocalProxy, d.Kind)
	assert.Equal(t, SchemeSOCKS5, d.ProxyScheme)
	assert.Equal(t, 1080, d.ProxyPort)
}

func TestParseHTTPProxy(t *testing.T) {
	d, err := Parse("http://proxy.local:8080", "")
	require.NoError(t, err)
	assert.Equal(t, KindLocalProxy, d.Kind)
	assert.Equal(t, SchemeHTTP, d.ProxyScheme)
	assert.Equal(t, "proxy.local", d.ProxyHost)
}

func TestParseTunnelEndpoint(t *testing.T) {
	d, err := Parse("v2.example.com", testCredential)
	require.NoError(t, err)
	assert.Equal(t, KindTunnel, d.Kind)
	assert.Equal(t, "v2.example.com", d.TunnelHost)
	assert.Equal(t, testCredential, d.Credential.String())
}

func TestParseEmptyIsDirect(t *testing.T) {
	d, err := Parse("", "")
	require.NoError(t, err)
	assert.Equal(t, KindNone, d.Kind)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not a url", "")
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
	// 错误信息包含出错的输入
	assert.Contains(t, err.Error(), "not a url")
}

func TestParseHostWithoutCredential(t *testing.T) {
	_, err := Parse("v2.example.com", "")
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestParseBadCredential(t *testing.T) {
	_, err := Parse("v2.example.com", "not-a-uuid")
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestParseInvalidPort(t *testing.T) {
	for _, spec := range []string{"127.0.0.1:0", "127.0.0.1:99999", "http://host:abc"} {
		_, err := Parse(spec, "")
		assert.Error(t, err, "spec %q should be rejected", spec)
		assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
	}
}

func TestParseProxyMissingPort(t *testing.T) {
	_, err := Parse("http://proxy.local", "")
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}
