package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const DefaultLookupTimeout = time.Second

// CachedLocator wraps a Geolocator with a TTL cache, per-address request
// coalescing and a lookup timeout.
type CachedLocator struct {
	next    Geolocator
	cache   Cache
	ttl     time.Duration
	timeout time.Duration

	group singleflight.Group
}

type CachedLocatorOption func(*CachedLocator)

func WithCacheTTL(ttl time.Duration) CachedLocatorOption {
	return func(c *CachedLocator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithLookupTimeout(timeout time.Duration) CachedLocatorOption {
	return func(c *CachedLocator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func NewCachedLocator(next Geolocator, cache Cache, opts ...CachedLocatorOption) *CachedLocator {
	if cache == nil {
		cache = NewMemoryCache()
	}
	c := &CachedLocator{
		next:    next,
		cache:   cache,
		ttl:     DefaultCacheTTL,
		timeout: DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Geolocate returns the cached location for ip or performs one lookup for all
// concurrent callers. Only successful lookups are cached.
func (c *CachedLocator) Geolocate(ctx context.Context, ip string) (Location, error) {
	if ip == "" {
		return Location{}, fmt.Errorf("%w: empty ip", ErrGeolocationUnavailable)
	}
	if c.next == nil {
		return Location{}, fmt.Errorf("%w: no geolocator configured", ErrGeolocationUnavailable)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if loc, ok, err := c.cache.Get(ctx, ip); err != nil {
		log.Debug("geolocation cache read failed", "ip", ip, "error", err)
	} else if ok {
		return loc, nil
	}

	result, err, _ := c.group.Do(ip, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		type outcome struct {
			loc Location
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			loc, err := c.next.Geolocate(lookupCtx, ip)
			done <- outcome{loc: loc, err: err}
		}()

		select {
		case <-lookupCtx.Done():
			return Location{}, fmt.Errorf("%w: %v", ErrGeolocationUnavailable, lookupCtx.Err())
		case out := <-done:
			if out.err != nil {
				if errors.Is(out.err, ErrGeolocationUnavailable) {
					return Location{}, out.err
				}
				return Location{}, fmt.Errorf("%w: %v", ErrGeolocationUnavailable, out.err)
			}
			if err := c.cache.Set(lookupCtx, ip, out.loc, c.ttl); err != nil {
				log.Debug("geolocation cache write failed", "ip", ip, "error", err)
			}
			return out.loc, nil
		}
	})
	if err != nil {
		return Location{}, err
	}

	loc, _ := result.(Location)
	return loc, nil
}
