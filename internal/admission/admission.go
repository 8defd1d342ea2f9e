package admission

import (
	"time"

	"github.com/pgql/bridge/internal/domain"
)

// Controller combines the rate limiter and response cache into the single
// admission decision made before every mediated call.
type Controller struct {
	limiter *RateLimiter
	cache   *Cache
}

// NewController builds an admission controller from an existing limiter and
// cache so their stats and knobs stay reachable by the control plane.
func NewController(limiter *RateLimiter, cache *Cache) *Controller {
	return &Controller{limiter: limiter, cache: cache}
}

// Decision is the outcome of admitting one call. When Hit is true, Value
// holds the cached response and no token was consumed. Otherwise the caller
// runs the operation and, for cacheable operations, calls Store with the
// successful result.
type Decision struct {
	Value any
	Hit   bool

	key       string
	cacheable bool
	ctl       *Controller
}

// Admit decides whether the call identified by (scope, operation, params) may
// proceed. Order matters: the cache is consulted first so hits are free, then
// a token is taken from the scope's bucket.
func (c *Controller) Admit(scope, operation string, params any, cacheable bool) (*Decision, error) {
	d := &Decision{cacheable: cacheable, ctl: c}

	if cacheable {
		d.key = Fingerprint(operation, scope, params)
		if v, ok := c.cache.Get(d.key); ok {
			d.Value = v
			d.Hit = true
			return d, nil
		}
	}

	if !c.limiter.Allow(scope) {
		return nil, domain.ErrRateLimited()
	}

	return d, nil
}

// Store caches the successful result of an admitted call. Failed calls must
// not be stored; a no-op for non-cacheable operations and cache hits.
func (d *Decision) Store(value any) {
	if !d.cacheable || d.Hit {
		return
	}
	d.ctl.cache.Put(d.key, value)
}

// Limiter exposes the rate limiter for runtime configuration.
func (c *Controller) Limiter() *RateLimiter { return c.limiter }

// Cache exposes the response cache for stats and clearing.
func (c *Controller) Cache() *Cache { return c.cache }

// UpdateLimits reconfigures the token buckets at runtime.
func (c *Controller) UpdateLimits(ratePerWindow int, per time.Duration) {
	c.limiter.UpdateLimits(ratePerWindow, per)
}
