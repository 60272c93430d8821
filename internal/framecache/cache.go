// Package framecache is a byte-budgeted store of decoded frames keyed by
// source and frame number, with LRU, LFU and FIFO eviction.
//
// The cache owns one reference to every frame it holds. Replacing or evicting
// an entry drops that reference synchronously; a reader that obtained the old
// frame through Acquire keeps it alive until it releases its own reference.
package framecache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/framepipe/internal/media"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultMaxSizeBytes    = 512 << 20
	DefaultTargetFillRatio = 0.8
)

// Key identifies a cached frame.
type Key struct {
	SourceID    string
	FrameNumber int
}

// Config controls a Cache.
type Config struct {
	// MaxSizeBytes is the resident byte budget.
	MaxSizeBytes int64
	// MaxEntries optionally caps the entry count; zero means unbounded.
	MaxEntries int
	Policy     Policy
	// TargetFillRatio is the fraction of MaxSizeBytes that EvictToTarget
	// reduces to, and that an overflowing insert evicts down to first.
	TargetFillRatio float64
	// OnEvict runs once for every entry that leaves the cache, before the
	// cache drops its frame reference. It must not call back into the cache.
	OnEvict func(key Key, frame *media.DecodedFrame)
	Logger  *slog.Logger
}

type entry struct {
	key         Key
	frame       *media.DecodedFrame
	sizeBytes   int64
	lastAccess  time.Time
	accessCount uint64
	elem        *list.Element
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries      int     `json:"entries"`
	SizeBytes    int64   `json:"sizeBytes"`
	MaxSizeBytes int64   `json:"maxSizeBytes"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hitRate"`
	Evictions    int64   `json:"evictions"`
	Rejections   int64   `json:"rejections"`
	Policy       Policy  `json:"policy"`
}

// Cache is safe for concurrent use.
type Cache struct {
	log *slog.Logger
	now func() time.Time

	mu         sync.Mutex
	cfg        Config
	entries    map[Key]*entry
	order      *list.List
	size       int64
	hits       int64
	misses     int64
	evictions  int64
	rejections int64
}

// New creates a Cache, filling zero Config fields with defaults.
func New(cfg Config) *Cache {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.TargetFillRatio <= 0 || cfg.TargetFillRatio > 1 {
		cfg.TargetFillRatio = DefaultTargetFillRatio
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		log:     log.With("component", "frame-cache"),
		now:     time.Now,
		cfg:     cfg,
		entries: make(map[Key]*entry),
		order:   list.New(),
	}
}

// Get returns the cached frame for key. The frame is borrowed; use Acquire
// to keep it past the next cache mutation.
func (c *Cache) Get(key Key) (*media.DecodedFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(key)
	if !ok {
		return nil, false
	}
	return e.frame, true
}

// Acquire returns the cached frame for key with an added reference that the
// caller must Release.
func (c *Cache) Acquire(key Key) (*media.DecodedFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(key)
	if !ok {
		return nil, false
	}
	return e.frame.Retain(), true
}

func (c *Cache) lookupLocked(key Key) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e.lastAccess = c.now()
	c.cfg.Policy.touch(c.order, e)
	return e, true
}

// Has reports whether key is resident without counting as an access.
func (c *Cache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Set inserts frame under key, taking ownership of the caller's reference on
// success. It returns false, leaving the cache unchanged and the reference
// with the caller, when the frame alone exceeds the byte budget. An existing
// entry for key is replaced and its frame released.
func (c *Cache) Set(key Key, frame *media.DecodedFrame) bool {
	if frame == nil {
		return false
	}
	size := frame.SizeBytes()

	c.mu.Lock()
	if size > c.cfg.MaxSizeBytes {
		c.rejections++
		c.mu.Unlock()
		c.log.Debug("frame exceeds cache budget", "source", key.SourceID, "frame", key.FrameNumber,
			"size", size, "max", c.cfg.MaxSizeBytes)
		return false
	}

	var removed []*entry
	if old, ok := c.entries[key]; ok {
		if old.frame == frame {
			c.mu.Unlock()
			// The cache already owns a reference to this frame.
			frame.Release()
			return true
		}
		c.unlinkLocked(old)
		removed = append(removed, old)
	}

	if c.size+size > c.cfg.MaxSizeBytes {
		removed = append(removed, c.evictToLocked(c.targetBytesLocked())...)
	}
	for c.size+size > c.cfg.MaxSizeBytes || c.overEntriesLocked(1) {
		v := c.cfg.Policy.victim(c.order)
		if v == nil {
			break
		}
		c.unlinkLocked(v)
		c.evictions++
		removed = append(removed, v)
	}

	now := c.now()
	e := &entry{
		key:        key,
		frame:      frame,
		sizeBytes:  size,
		lastAccess: now,
	}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	c.size += size
	c.mu.Unlock()

	c.release(removed)
	return true
}

// SetFrame caches frame under its own frame number for sourceID.
func (c *Cache) SetFrame(sourceID string, frame *media.DecodedFrame) bool {
	return c.Set(Key{SourceID: sourceID, FrameNumber: frame.FrameNumber}, frame)
}

// GetFrame returns the borrowed frame n of sourceID.
func (c *Cache) GetFrame(sourceID string, n int) (*media.DecodedFrame, bool) {
	return c.Get(Key{SourceID: sourceID, FrameNumber: n})
}

// HasFrame reports whether frame n of sourceID is resident.
func (c *Cache) HasFrame(sourceID string, n int) bool {
	return c.Has(Key{SourceID: sourceID, FrameNumber: n})
}

// Remove evicts key if present.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.unlinkLocked(e)
	}
	c.mu.Unlock()

	if ok {
		c.release([]*entry{e})
	}
	return ok
}

// RemoveSource evicts every frame of sourceID and returns how many left.
func (c *Cache) RemoveSource(sourceID string) int {
	var removed []*entry

	c.mu.Lock()
	for key, e := range c.entries {
		if key.SourceID == sourceID {
			c.unlinkLocked(e)
			removed = append(removed, e)
		}
	}
	c.mu.Unlock()

	c.release(removed)
	if len(removed) > 0 {
		c.log.Debug("source purged", "source", sourceID, "entries", len(removed))
	}
	return len(removed)
}

// EvictToTarget evicts policy-selected victims until resident bytes are at
// or below the target fill ratio, returning the number evicted.
func (c *Cache) EvictToTarget() int {
	c.mu.Lock()
	removed := c.evictToLocked(c.targetBytesLocked())
	c.mu.Unlock()

	c.release(removed)
	return len(removed)
}

// EvictForPressure frees at least bytes (or empties the cache) and returns
// the number of entries evicted.
func (c *Cache) EvictForPressure(bytes int64) int {
	c.mu.Lock()
	var removed []*entry
	var freed int64
	for freed < bytes {
		v := c.cfg.Policy.victim(c.order)
		if v == nil {
			break
		}
		c.unlinkLocked(v)
		c.evictions++
		freed += v.sizeBytes
		removed = append(removed, v)
	}
	c.mu.Unlock()

	c.release(removed)
	if len(removed) > 0 {
		c.log.Info("evicted for memory pressure", "entries", len(removed), "bytes", freed)
	}
	return len(removed)
}

// SetMaxSize changes the byte budget, evicting to fit a smaller one.
func (c *Cache) SetMaxSize(bytes int64) int {
	if bytes <= 0 {
		return 0
	}
	c.mu.Lock()
	c.cfg.MaxSizeBytes = bytes
	removed := c.evictToLocked(bytes)
	c.mu.Unlock()

	c.release(removed)
	return len(removed)
}

// Clear evicts everything.
func (c *Cache) Clear() int {
	c.mu.Lock()
	removed := c.evictToLocked(-1)
	c.mu.Unlock()

	c.release(removed)
	return len(removed)
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeBytes returns the resident byte total.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries:      len(c.entries),
		SizeBytes:    c.size,
		MaxSizeBytes: c.cfg.MaxSizeBytes,
		Hits:         c.hits,
		Misses:       c.misses,
		HitRate:      rate,
		Evictions:    c.evictions,
		Rejections:   c.rejections,
		Policy:       c.cfg.Policy,
	}
}

func (c *Cache) targetBytesLocked() int64 {
	return int64(float64(c.cfg.MaxSizeBytes) * c.cfg.TargetFillRatio)
}

func (c *Cache) overEntriesLocked(adding int) bool {
	return c.cfg.MaxEntries > 0 && len(c.entries)+adding > c.cfg.MaxEntries
}

// evictToLocked evicts victims until c.size <= target. A negative target
// empties the cache.
func (c *Cache) evictToLocked(target int64) []*entry {
	var removed []*entry
	for c.size > target || (target < 0 && len(c.entries) > 0) {
		v := c.cfg.Policy.victim(c.order)
		if v == nil {
			break
		}
		c.unlinkLocked(v)
		c.evictions++
		removed = append(removed, v)
	}
	return removed
}

func (c *Cache) unlinkLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
	c.size -= e.sizeBytes
}

// release runs the eviction hook and drops the cache's references outside
// the lock so hooks and native Close calls never block other cache users.
func (c *Cache) release(removed []*entry) {
	for _, e := range removed {
		if c.cfg.OnEvict != nil {
			c.cfg.OnEvict(e.key, e.frame)
		}
		e.frame.Release()
	}
}
