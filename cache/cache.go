package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/simplelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/visimg/go-imagepool/report"
)

// ErrInvalidRelease is returned when a key is released without a matching
// checkout. It indicates a reference-counting bug in the caller.
var ErrInvalidRelease = xerrors.New("invalid release")

const (
	// EvictableEntryMax bounds the recency list of unreferenced entries
	EvictableEntryMax int = 128 * 1024
	// FreePoolMax is the number of reclaimed buffers kept for reuse
	FreePoolMax int = 4
)

type cacheEntry struct {
	key          string
	buffer       *Buffer
	size         int64
	accessCount  int
	creationTime time.Time
}

// Cache is a size-budgeted store of reference-counted pixel buffers.
//
// Entries with outstanding references are never evicted; the budget is a
// soft target, so an insert succeeds even when every resident entry is
// pinned. Unreferenced entries stay resident until an insert needs room,
// then the least recently released ones are evicted first. Evicted buffer
// storage is kept in a small free pool for decode reuse.
type Cache struct {
	sizeCap  int64
	sizeUsed int64

	entryMap   map[string]*cacheEntry
	evictables *lru.LRU // keys of unreferenced entries, in release order
	freePool   []*Buffer

	reporter *report.MetricsReporter

	mutex sync.Mutex
}

// NewCache creates a new Cache with the given size budget in bytes.
// The reporter may be nil.
func NewCache(sizeCap int64, reporter *report.MetricsReporter) *Cache {
	evictables, _ := lru.NewLRU(EvictableEntryMax, nil)

	return &Cache{
		sizeCap:  sizeCap,
		sizeUsed: 0,

		entryMap:   map[string]*cacheEntry{},
		evictables: evictables,
		freePool:   []*Buffer{},

		reporter: reporter,
	}
}

// Checkout returns the buffer cached for the key with its reference count
// incremented, or nil on a miss. The caller must release the key once done.
func (cache *Cache) Checkout(key string) *Buffer {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	entry := cache.entryMap[key]
	if entry == nil {
		return nil
	}

	entry.buffer.AcquireReference()
	entry.accessCount++

	// a referenced entry is not evictable
	cache.evictables.Remove(key)

	return entry.buffer
}

// Insert stores a freshly decoded buffer for the key. The buffer's seeded
// reference becomes the inserting caller's hold on the cache entry.
//
// The returned buffer is the canonical resident one and may differ from the
// argument: if another decode for an equal key won the race and its buffer
// is still referenced, the argument is discarded and the resident buffer is
// checked out instead. Callers must hold the returned buffer.
func (cache *Cache) Insert(key string, buffer *Buffer) *Buffer {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "Cache",
		"function": "Insert",
	})

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if existing := cache.entryMap[key]; existing != nil {
		if existing.buffer.RefCount() > 0 {
			// an equal-key decode raced us and its result is in use,
			// keep the resident buffer
			logger.Debugf("discarding duplicate insert for key %q", key)

			buffer.ReleaseReference()
			if buffer.RefCount() == 0 {
				cache.reclaim(buffer)
			}

			existing.buffer.AcquireReference()
			existing.accessCount++
			cache.evictables.Remove(key)

			return existing.buffer
		}

		cache.removeEntry(existing)
	}

	size := buffer.Size()

	// make room by evicting unreferenced entries, least recently
	// released first. The budget is soft; when nothing is evictable the
	// insert still succeeds.
	for cache.sizeUsed+size > cache.sizeCap && cache.evictables.Len() > 0 {
		oldestKey, _, ok := cache.evictables.RemoveOldest()
		if !ok {
			break
		}

		oldest := cache.entryMap[oldestKey.(string)]
		if oldest == nil {
			continue
		}

		cache.removeEntry(oldest)
	}

	cache.entryMap[key] = &cacheEntry{
		key:          key,
		buffer:       buffer,
		size:         size,
		accessCount:  0,
		creationTime: time.Now(),
	}
	cache.sizeUsed += size

	return buffer
}

// Release gives back one reference to the key's buffer. A reference count
// reaching zero makes the entry eligible for eviction but does not free it.
// Releasing an unknown key or a key with no outstanding references returns
// ErrInvalidRelease.
func (cache *Cache) Release(key string) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "Cache",
		"function": "Release",
	})

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	entry := cache.entryMap[key]
	if entry == nil {
		if cache.reporter != nil {
			cache.reporter.ReportInvalidRelease()
		}

		releaseErr := xerrors.Errorf("failed to release unknown key %q: %w", key, ErrInvalidRelease)
		logger.Errorf("%+v", releaseErr)
		return releaseErr
	}

	if entry.buffer.RefCount() == 0 {
		if cache.reporter != nil {
			cache.reporter.ReportInvalidRelease()
		}

		releaseErr := xerrors.Errorf("failed to release key %q with no outstanding references: %w", key, ErrInvalidRelease)
		logger.Errorf("%+v", releaseErr)
		return releaseErr
	}

	entry.buffer.ReleaseReference()

	if entry.buffer.RefCount() == 0 {
		cache.evictables.Add(key, nil)
	}

	return nil
}

// Scratch returns a reclaimed buffer with enough capacity for the given
// dimensions, its reference count reseeded for the caller, or nil when the
// free pool has none that fit.
func (cache *Cache) Scratch(width int, height int) *Buffer {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	byteLen := width * height * BytesPerPixel

	for i, buffer := range cache.freePool {
		if int(buffer.Size()) >= byteLen {
			cache.freePool = append(cache.freePool[:i], cache.freePool[i+1:]...)

			buffer.resetReference()
			buffer.Resize(width, height)
			buffer.Orientation = 0
			return buffer
		}
	}

	return nil
}

// Clear drops every unreferenced entry. Entries still referenced stay
// resident so outstanding holders are not corrupted.
func (cache *Cache) Clear() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	for _, entry := range cache.entryMap {
		if entry.buffer.RefCount() == 0 {
			cache.removeEntry(entry)
		}
	}

	cache.freePool = cache.freePool[:0]
}

// SizeCap returns the configured size budget in bytes
func (cache *Cache) SizeCap() int64 {
	return cache.sizeCap
}

// SizeUsed returns the resident entry size in bytes
func (cache *Cache) SizeUsed() int64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.sizeUsed
}

// EntryCount returns the number of resident entries
func (cache *Cache) EntryCount() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return len(cache.entryMap)
}

// Contains returns whether the key is resident
func (cache *Cache) Contains(key string) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.entryMap[key] != nil
}

// RefCount returns the reference count of the key's entry, or -1 when the
// key is not resident
func (cache *Cache) RefCount(key string) int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	entry := cache.entryMap[key]
	if entry == nil {
		return -1
	}

	return entry.buffer.RefCount()
}

// removeEntry drops the entry and reclaims its storage.
// The cache mutex must be held, and the entry must be unreferenced.
func (cache *Cache) removeEntry(entry *cacheEntry) {
	delete(cache.entryMap, entry.key)
	cache.evictables.Remove(entry.key)
	cache.sizeUsed -= entry.size

	cache.reclaim(entry.buffer)

	if cache.reporter != nil {
		cache.reporter.ReportEviction()
	}
}

// reclaim keeps an unreferenced buffer for reuse when the free pool has
// room. The cache mutex must be held.
func (cache *Cache) reclaim(buffer *Buffer) {
	if len(cache.freePool) < FreePoolMax {
		cache.freePool = append(cache.freePool, buffer)
	}
}
