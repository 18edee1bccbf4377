package httpapi

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cmastudios/mcmdd/internal/registry"
	"github.com/cmastudios/mcmdd/internal/session"
)

// childSummary is the JSON shape returned for one child, whether from the
// list endpoint or the single-child detail endpoint.
type childSummary struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	PID      int    `json:"pid,omitempty"`
	UptimeMS int64  `json:"uptime_ms"`
}

func summaryOf(sess *session.Session) childSummary {
	return childSummary{
		ID:       sess.ID,
		Status:   sess.Status().String(),
		PID:      sess.PID(),
		UptimeMS: sess.Uptime().Milliseconds(),
	}
}

// summaryCache coalesces concurrent fleet-status requests into one registry
// walk and serves the result for a short TTL, ported from the teacher's
// SummaryService (TTL cache + singleflight.Group) without its Redis
// backing: there is nothing to refresh from except the in-process
// registry, so the refresh itself can never fail.
type summaryCache struct {
	reg *registry.Registry
	ttl time.Duration

	mu      sync.RWMutex
	cache   []childSummary
	expires time.Time

	sg singleflight.Group
}

func newSummaryCache(reg *registry.Registry, ttl time.Duration) *summaryCache {
	return &summaryCache{reg: reg, ttl: ttl}
}

// Get returns the current fleet summary, refreshing it at most once per TTL
// window regardless of how many callers ask concurrently.
func (c *summaryCache) Get() []childSummary {
	c.mu.RLock()
	if c.cache != nil && time.Now().Before(c.expires) {
		out := c.cache
		c.mu.RUnlock()
		return out
	}
	c.mu.RUnlock()

	v, _, _ := c.sg.Do("fleet-summary", func() (any, error) {
		c.mu.RLock()
		if c.cache != nil && time.Now().Before(c.expires) {
			out := c.cache
			c.mu.RUnlock()
			return out, nil
		}
		c.mu.RUnlock()

		sessions := c.reg.All()
		out := make([]childSummary, len(sessions))
		for i, sess := range sessions {
			out[i] = summaryOf(sess)
		}

		c.mu.Lock()
		c.cache = out
		c.expires = time.Now().Add(c.ttl)
		c.mu.Unlock()

		return out, nil
	})
	return v.([]childSummary)
}
