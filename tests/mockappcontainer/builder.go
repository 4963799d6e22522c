package mockappcontainer

import (
	"github.com/effective-security/ocspcache/pkg/cache"
	"github.com/effective-security/ocspcache/pkg/cacheserver"
	"github.com/effective-security/ocspcache/pkg/responder"
	"github.com/effective-security/ocspcache/pkg/revocation"
	"go.uber.org/dig"
)

// Builder helps to build container
type Builder struct {
	container *dig.Container
}

// NewBuilder returns ContainerBuilder
func NewBuilder() *Builder {
	return &Builder{
		container: dig.New(),
	}
}

// Container returns Container
func (b *Builder) Container() *dig.Container {
	return b.container
}

// WithConfig sets revocation.Config
func (b *Builder) WithConfig(c *revocation.Config) *Builder {
	_ = b.container.Provide(func() *revocation.Config {
		return c
	})
	return b
}

// WithSharedCache sets the shared store
func (b *Builder) WithSharedCache(p cache.Provider) *Builder {
	_ = b.container.Provide(func() cache.Provider {
		return p
	})
	return b
}

// WithResponder sets the responder client
func (b *Builder) WithResponder(f responder.Fetcher) *Builder {
	_ = b.container.Provide(func() responder.Fetcher {
		return f
	})
	return b
}

// WithCacheServer sets the cache server client
func (b *Builder) WithCacheServer(d cacheserver.Downloader) *Builder {
	_ = b.container.Provide(func() cacheserver.Downloader {
		return d
	})
	return b
}

// WithEventSink sets the sink of check events
func (b *Builder) WithEventSink(s revocation.EventSink) *Builder {
	_ = b.container.Provide(func() revocation.EventSink {
		return s
	})
	return b
}
