package kernel

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/anvil/internal/logger"
)

// Cache is a process-wide collection of compiled operators keyed by
// (signature, target). It hydrates lazily from the on-disk database the first
// time a target is looked up, builds and tunes missing operators at most once
// per signature, and persists after every successful build. Entries are never
// evicted.
type Cache struct {
	log     logger.Logger
	base    string
	builder Builder

	notice sync.Once

	mu       sync.RWMutex
	entries  map[cacheKey]*entry
	hydrated map[string]bool

	flight singleflight.Group
}

type cacheKey struct {
	cfg    string
	target string
}

type entry struct {
	Record
	op    Operator
	state []byte
}

// Record describes one cached operator for inspection and persistence.
type Record struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Engine       string    `json:"engine"`
	Target       string    `json:"target"`
	Bits         int       `json:"bits"`
	SourceFormat string    `json:"source_format"`
	Config       Config    `json:"config"`
}

// Options configures a cache. Zero values select the default database path,
// the default logger and the default engine builder.
type Options struct {
	DatabasePath string
	Logger       logger.Logger
	Builder      Builder
}

// NewCache constructs an empty cache. Hydration happens lazily on first
// lookup per target.
func NewCache(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Builder == nil {
		opts.Builder = DefaultBuilder
	}
	if opts.DatabasePath == "" {
		opts.DatabasePath = DefaultDatabasePath()
	}
	return &Cache{
		log:      opts.Logger,
		base:     opts.DatabasePath,
		builder:  opts.Builder,
		entries:  make(map[cacheKey]*entry),
		hydrated: make(map[string]bool),
	}
}

var global = sync.OnceValue(func() *Cache { return NewCache(Options{}) })

// Global returns the shared process-wide cache backed by the default
// database path. Layers use it unless constructed with an injected cache.
func Global() *Cache { return global() }

var (
	pathCachesMu sync.Mutex
	pathCaches   = make(map[string]*Cache)
)

// ForDatabasePath returns the shared cache persisting under the given base
// path, constructing it on first use. Every caller of one path resolves to
// one cache, so the at-most-once build-and-tune guarantee holds across
// layers that redirect persistence. The empty path selects the global
// cache; the logger applies only when the call constructs the cache.
func ForDatabasePath(path string, log logger.Logger) *Cache {
	if path == "" {
		return Global()
	}
	path = filepath.Clean(path)
	pathCachesMu.Lock()
	defer pathCachesMu.Unlock()
	if c, ok := pathCaches[path]; ok {
		return c
	}
	c := NewCache(Options{DatabasePath: path, Logger: log})
	pathCaches[path] = c
	return c
}

// DatabasePath returns the base path this cache persists under.
func (c *Cache) DatabasePath() string { return c.base }

// Size returns the number of cached operators across all targets.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Records returns a snapshot of the cached operator records.
func (c *Cache) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Record)
	}
	return out
}

// Lookup returns the record and operator with the given id.
func (c *Cache) Lookup(id string) (Record, Operator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.ID == id {
			return e.Record, e.op, true
		}
	}
	return Record{}, nil, false
}

// Get returns the cached operator for the signature, hydrating the target's
// database on first use. It never builds.
func (c *Cache) Get(cfg Config, target string) (Operator, bool) {
	key := cacheKey{cfg: cfg.Key(), target: target}
	c.ensureHydrated(target)
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.op, true
}

// GetOrBuild returns the cached operator for the signature, building and
// optionally tuning it on miss. Tuning runs at most once per signature: a
// hit never re-tunes, even when enableTuning is set, and concurrent misses
// for one signature share a single build.
func (c *Cache) GetOrBuild(cfg Config, target string, enableTuning bool) (Operator, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cacheKey{cfg: cfg.Key(), target: target}
	c.ensureHydrated(target)

	if op, ok := c.lookup(key); ok {
		return op, nil
	}
	v, err, _ := c.flight.Do(key.cfg+"|"+key.target, func() (any, error) {
		if op, ok := c.lookup(key); ok {
			return op, nil
		}
		c.notice.Do(func() {
			c.log.Info("building matmul kernels for the first time; tuned results are cached per signature")
		})
		op, err := c.builder(cfg, target, nil)
		if err != nil {
			return nil, fmt.Errorf("build operator: %w", err)
		}
		if enableTuning {
			if err := op.Finetune(DefaultTuneTopK); err != nil {
				return nil, fmt.Errorf("tune operator: %w", err)
			}
		}
		state, err := op.State()
		if err != nil {
			c.log.Warn("operator state not serializable; entry will not persist tuning", "error", err)
		}
		c.insert(key, cfg, target, op, state)
		if err := c.SaveIntoDatabase(c.base, target); err != nil {
			c.log.Warn("operator database save failed", "path", c.base, "target", target, "error", err)
		}
		return op, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Operator), nil
}

func (c *Cache) lookup(key cacheKey) (Operator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.op, true
}

func (c *Cache) insert(key cacheKey, cfg Config, target string, op Operator, state []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{
		Record: Record{
			ID:           uuid.NewString(),
			CreatedAt:    time.Now().UTC(),
			Engine:       op.Name(),
			Target:       target,
			Bits:         op.Bits(),
			SourceFormat: op.SourceFormat(),
			Config:       cfg,
		},
		op:    op,
		state: state,
	}
}

// ensureHydrated loads the target's persisted operators exactly once per
// cache. Concurrent callers block until hydration finishes; a failed load is
// treated as an empty database and not retried.
func (c *Cache) ensureHydrated(target string) {
	c.mu.RLock()
	done := c.hydrated[target]
	c.mu.RUnlock()
	if done {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hydrated[target] {
		return
	}
	c.hydrated[target] = true
	n, err := c.loadLocked(c.base, target)
	if err != nil {
		c.log.Warn("operator database load failed; starting with an empty cache",
			"path", c.base, "target", target, "error", err)
		return
	}
	c.log.Info("loaded operators from database", "count", n, "target", target, "path", c.base)
}

// RefreshState re-serializes an operator's tuned state into its cache entry
// and persists the target's database. Callers use it after tuning a handle
// outside GetOrBuild, which would otherwise leave the persisted schedule
// stale.
func (c *Cache) RefreshState(cfg Config, target string) error {
	cfg = cfg.Normalized()
	key := cacheKey{cfg: cfg.Key(), target: target}
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("refresh state: %w", ErrNotFound)
	}
	state, err := e.op.State()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("refresh state: %w", err)
	}
	e.state = state
	c.mu.Unlock()
	return c.SaveIntoDatabase(c.base, target)
}
