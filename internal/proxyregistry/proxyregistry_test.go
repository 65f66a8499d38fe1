package proxyregistry_test

import (
	"testing"

	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/proxyregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ClearWebReturnsPlainClient(t *testing.T) {
	reg := proxyregistry.New()
	c, err := reg.Client(link.ProxyNull)
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Nil(t, c.Transport)
}

func TestClient_TorUsesSOCKSDialer(t *testing.T) {
	reg := proxyregistry.New(proxyregistry.WithTorSOCKS("127.0.0.1:9050"))
	c, err := reg.Client(link.ProxyTor)
	require.NoError(t, err)
	assert.NotNil(t, c.Transport)
}

func TestClient_CachesByProxyKind(t *testing.T) {
	reg := proxyregistry.New()
	first, err := reg.Client(link.ProxyNull)
	require.NoError(t, err)
	second, err := reg.Client(link.ProxyNull)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
