package purchase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// IndexProbe asks the database whether the active-purchase unique index exists.
type IndexProbe func(ctx context.Context) (bool, error)

// IndexCache remembers the result of IndexProbe for a TTL. Concurrent refreshes share one probe.
type IndexCache struct {
	probe IndexProbe
	ttl   time.Duration
	now   func() time.Time
	log   *zap.SugaredLogger

	mu        sync.Mutex
	valid     bool
	exists    bool
	checkedAt time.Time

	group singleflight.Group
}

func NewIndexCache(probe IndexProbe, ttl time.Duration, log *zap.SugaredLogger) *IndexCache {
	return &IndexCache{probe: probe, ttl: ttl, now: time.Now, log: log}
}

// Exists returns the cached answer, probing when the entry is missing or older than the TTL.
// A failed probe reports false and is not cached: the lock-based path is correct either way.
func (c *IndexCache) Exists(ctx context.Context) bool {
	c.mu.Lock()
	if c.valid && c.now().Sub(c.checkedAt) < c.ttl {
		exists := c.exists
		c.mu.Unlock()
		return exists
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("index", func() (interface{}, error) {
		exists, err := c.probe(ctx)
		if err != nil {
			return false, err
		}
		c.set(exists)
		return exists, nil
	})
	if err != nil {
		c.log.Warnw("active purchase index probe failed, assuming absent", "error", err)
		return false
	}
	return v.(bool)
}

// Invalidate drops the cached answer so the next Exists probes again.
func (c *IndexCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// MarkAbsent records that the database just proved the index missing.
func (c *IndexCache) MarkAbsent() { c.set(false) }

func (c *IndexCache) set(exists bool) {
	c.mu.Lock()
	c.valid = true
	c.exists = exists
	c.checkedAt = c.now()
	c.mu.Unlock()
}
