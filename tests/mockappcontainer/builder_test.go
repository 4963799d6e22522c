package mockappcontainer

import (
	"testing"

	"github.com/effective-security/ocspcache/pkg/cache"
	"github.com/effective-security/ocspcache/pkg/cacheserver"
	"github.com/effective-security/ocspcache/pkg/responder"
	"github.com/effective-security/ocspcache/pkg/revocation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	cfg := revocation.DefaultConfig()
	shared := cache.NewMemoryProvider("test")
	container := NewBuilder().
		WithConfig(cfg).
		WithSharedCache(shared).
		WithResponder(responder.New(responder.Config{})).
		WithCacheServer(cacheserver.New(nil)).
		WithEventSink(revocation.NewLogSink()).
		Container()
	require.NotNil(t, container)

	err := container.Invoke(func(c *revocation.Config, p cache.Provider, _ responder.Fetcher, _ cacheserver.Downloader, _ revocation.EventSink) error {
		assert.Same(t, cfg, c)
		assert.Same(t, shared, p)
		return nil
	})
	require.NoError(t, err)
}
