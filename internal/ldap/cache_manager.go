package ldap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/singleflight"
)

// CacheKind selects one of the two cache tiers.
type CacheKind int

const (
	SearchResultsCache CacheKind = iota
	AttributesCache
)

func (k CacheKind) String() string {
	switch k {
	case SearchResultsCache:
		return "search_results"
	case AttributesCache:
		return "attributes"
	default:
		return "unknown"
	}
}

// Loader computes a value on a cache miss. size is the number of values in the
// result, compared against the tier's ResultSizeLimit.
type Loader func(ctx context.Context) (value any, size int, err error)

// CacheStats provides statistics about one cache tier.
type CacheStats struct {
	Enabled   bool
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// cacheEntry is never modified after it is stored; replacing a value stores a new entry.
type cacheEntry struct {
	value   any
	created time.Time
}

type cacheTier struct {
	kind     CacheKind
	settings CacheSettings

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	group   singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// CacheManager holds the search-results and attributes caches. The tiers have
// separate storage and locks, so activity in one never changes entries of the other.
type CacheManager struct {
	ctx     context.Context // logging context
	tiers   [2]*cacheTier
	metrics *Metrics
	now     func() time.Time

	// loadTimeout bounds a shared load once it is detached from its caller.
	loadTimeout time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewCacheManager creates both tiers and starts the background sweep. Loaders
// shared by concurrent misses run for at most loadTimeout.
func NewCacheManager(ctx context.Context, cfg CacheConfig, loadTimeout time.Duration, metrics *Metrics) *CacheManager {
	cm := newCacheManager(ctx, cfg, metrics)
	cm.loadTimeout = loadTimeout
	if interval := cm.sweepInterval(); interval > 0 {
		cm.startSweeper(interval)
	}
	return cm
}

func newCacheManager(ctx context.Context, cfg CacheConfig, metrics *Metrics) *CacheManager {
	cm := &CacheManager{
		ctx:     ctx,
		metrics: metrics,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	for kind, settings := range map[CacheKind]CacheSettings{
		SearchResultsCache: cfg.SearchResults,
		AttributesCache:    cfg.Attributes,
	} {
		cm.tiers[kind] = &cacheTier{
			kind:     kind,
			settings: settings,
			entries:  make(map[string]*cacheEntry, max(settings.Size, 0)),
		}
		tflog.SubsystemTrace(ctx, SubsystemCache, "Cache settings", map[string]any{
			"cache":             kind.String(),
			"enabled":           settings.Enabled,
			"size":              settings.Size,
			"size_limit":        settings.SizeLimit,
			"result_size_limit": settings.ResultSizeLimit,
			"timeout":           settings.Timeout.String(),
		})
	}

	return cm
}

// GetOrCompute returns the cached value for key, or runs loader and caches its
// result. Concurrent misses on the same key share one loader call, which keeps
// running when the caller that started it gives up. A disabled tier always runs
// the loader.
func (cm *CacheManager) GetOrCompute(ctx context.Context, kind CacheKind, key string, loader Loader) (any, error) {
	tier := cm.tiers[kind]

	if !tier.settings.Enabled {
		value, _, err := loader(ctx)
		return value, err
	}

	if value, ok := cm.lookup(tier, key); ok {
		tier.hits.Add(1)
		cm.metrics.incCacheHit(kind)
		tflog.SubsystemTrace(cm.ctx, SubsystemCache, "Cache hit", map[string]any{
			"cache": kind.String(),
			"key":   key,
		})
		return value, nil
	}

	tier.misses.Add(1)
	cm.metrics.incCacheMiss(kind)

	ch := tier.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := cm.loadContext(ctx)
		defer cancel()

		value, size, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		cm.store(tier, key, value, size)
		return value, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, newRegistryError(KindTimeout, "cache", key, "gave up waiting for a shared load", ctx.Err())
	}
}

// loadContext keeps the values of ctx but not its cancellation.
func (cm *CacheManager) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if cm.loadTimeout > 0 {
		return context.WithTimeout(ctx, cm.loadTimeout)
	}
	return context.WithCancel(ctx)
}

func (cm *CacheManager) lookup(tier *cacheTier, key string) (any, bool) {
	tier.mu.RLock()
	entry, ok := tier.entries[key]
	tier.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if cm.expired(tier, entry) {
		tier.mu.Lock()
		if current, ok := tier.entries[key]; ok && current == entry {
			delete(tier.entries, key)
			tier.evictions.Add(1)
			cm.metrics.addCacheEvictions(tier.kind, "ttl", 1)
		}
		tier.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (cm *CacheManager) expired(tier *cacheTier, entry *cacheEntry) bool {
	return tier.settings.Timeout > 0 && cm.now().Sub(entry.created) >= tier.settings.Timeout
}

func (cm *CacheManager) store(tier *cacheTier, key string, value any, size int) {
	if tier.settings.ResultSizeLimit > 0 && size > tier.settings.ResultSizeLimit {
		tflog.SubsystemTrace(cm.ctx, SubsystemCache, "Result exceeds cache result size limit, not cached", map[string]any{
			"cache":             tier.kind.String(),
			"size":              size,
			"result_size_limit": tier.settings.ResultSizeLimit,
		})
		return
	}

	entry := &cacheEntry{value: value, created: cm.now()}

	tier.mu.Lock()
	defer tier.mu.Unlock()

	if _, exists := tier.entries[key]; !exists && tier.settings.SizeLimit > 0 {
		for len(tier.entries) >= tier.settings.SizeLimit {
			cm.evictOldestLocked(tier)
		}
	}
	tier.entries[key] = entry
}

func (cm *CacheManager) evictOldestLocked(tier *cacheTier) {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range tier.entries {
		if first || e.created.Before(oldest) {
			oldestKey, oldest, first = k, e.created, false
		}
	}
	if first {
		return
	}
	delete(tier.entries, oldestKey)
	tier.evictions.Add(1)
	cm.metrics.addCacheEvictions(tier.kind, "capacity", 1)
}

// Sweep removes expired entries from both tiers and returns how many were removed.
func (cm *CacheManager) Sweep() int {
	total := 0
	for _, tier := range cm.tiers {
		if !tier.settings.Enabled || tier.settings.Timeout <= 0 {
			continue
		}

		removed := 0
		tier.mu.Lock()
		for k, e := range tier.entries {
			if cm.expired(tier, e) {
				delete(tier.entries, k)
				removed++
			}
		}
		remaining := len(tier.entries)
		tier.mu.Unlock()

		if removed > 0 {
			tier.evictions.Add(int64(removed))
			cm.metrics.addCacheEvictions(tier.kind, "ttl", removed)
			tflog.SubsystemDebug(cm.ctx, SubsystemCache, "Cache entries evicted", map[string]any{
				"cache":     tier.kind.String(),
				"evicted":   removed,
				"remaining": remaining,
			})
		}
		total += removed
	}
	return total
}

func (cm *CacheManager) sweepInterval() time.Duration {
	var interval time.Duration
	for _, tier := range cm.tiers {
		if !tier.settings.Enabled || tier.settings.Timeout <= 0 {
			continue
		}
		if interval == 0 || tier.settings.Timeout < interval {
			interval = tier.settings.Timeout
		}
	}
	if interval == 0 {
		return 0
	}
	return max(interval/2, time.Second)
}

func (cm *CacheManager) startSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)

	cm.wg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cm.Sweep()
			case <-cm.stop:
				return
			}
		}
	})
}

// InvalidateAll drops every entry of one tier.
func (cm *CacheManager) InvalidateAll(kind CacheKind) {
	tier := cm.tiers[kind]

	tier.mu.Lock()
	n := len(tier.entries)
	tier.entries = make(map[string]*cacheEntry, max(tier.settings.Size, 0))
	tier.mu.Unlock()

	tier.evictions.Add(int64(n))
	cm.metrics.addCacheEvictions(kind, "invalidate", n)
	tflog.SubsystemDebug(cm.ctx, SubsystemCache, "Cache invalidated", map[string]any{
		"cache":   kind.String(),
		"evicted": n,
	})
}

// Stats returns statistics for one tier.
func (cm *CacheManager) Stats(kind CacheKind) CacheStats {
	tier := cm.tiers[kind]

	tier.mu.RLock()
	entries := len(tier.entries)
	tier.mu.RUnlock()

	stats := CacheStats{
		Enabled:   tier.settings.Enabled,
		Entries:   entries,
		Hits:      tier.hits.Load(),
		Misses:    tier.misses.Load(),
		Evictions: tier.evictions.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close stops the background sweep.
func (cm *CacheManager) Close() {
	cm.once.Do(func() {
		close(cm.stop)
		cm.wg.Wait()
	})
}

// cached is a typed wrapper around GetOrCompute.
func cached[T any](ctx context.Context, cm *CacheManager, kind CacheKind, key string, load func(ctx context.Context) (T, int, error)) (T, error) {
	value, err := cm.GetOrCompute(ctx, kind, key, func(ctx context.Context) (any, int, error) {
		return load(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value.(T), nil
}
