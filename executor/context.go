package executor

import "context"

type cacheMode int

const (
	cacheDefault cacheMode = iota
	cacheRefresh
	cacheBypass
)

func (m cacheMode) String() string {
	switch m {
	case cacheRefresh:
		return "refresh"
	case cacheBypass:
		return "bypass"
	}
	return "default"
}

type cacheModeContextKey struct{}

// WithRefresh makes calls executed with ctx skip the cache lookup and go to
// the data source. The fresh result is still stored under the directive.
func WithRefresh(ctx context.Context) context.Context {
	return withCacheMode(ctx, cacheRefresh)
}

// WithoutCache makes calls executed with ctx ignore their cache directive
// entirely.
func WithoutCache(ctx context.Context) context.Context {
	return withCacheMode(ctx, cacheBypass)
}

func withCacheMode(ctx context.Context, mode cacheMode) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, cacheModeContextKey{}, mode)
}

func cacheModeFromContext(ctx context.Context) cacheMode {
	if ctx == nil {
		return cacheDefault
	}
	if mode, ok := ctx.Value(cacheModeContextKey{}).(cacheMode); ok {
		return mode
	}
	return cacheDefault
}
