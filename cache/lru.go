// Package cache implements the LRU cache manager from spec.md §4.4: a
// bounded-byte, bounded-entry, TTL'd map from resolved path to cached
// file content.
//
// Grounded on original_source/include/uvhttp_lru_cache.h's
// cache_manager_t (hash table + intrusive doubly linked list via
// uthash + raw prev/next pointers). Design Note §9 calls the raw
// pointer graph out explicitly: "use an arena plus stable indices,
// with the map storing indices and the list using index-based
// prev/next fields — avoids cyclic ownership." This implementation is
// that arena: entries live in a slice, the map holds slice indices,
// and the list is threaded through prev/next index fields instead of
// pointers, so a freed slot can be reused without leaving a dangling
// Go pointer behind.
package cache

import "time"

// Entry is one cached file's content plus the metadata needed to
// answer conditional requests (spec.md §3 "Cache entry").
type Entry struct {
	Path         string
	Content      []byte
	MimeType     string
	LastModified time.Time
	ETag         string
	CachedAt     time.Time
	AccessedAt   time.Time
	MemoryUsage  int64
}

const noIndex = -1

type slot struct {
	entry      Entry
	prev, next int
	inUse      bool
}

// Manager is the single-threaded LRU described by spec.md §4.4 and §5
// ("used exclusively on the loop thread and therefore need no internal
// synchronization"). An embedder that shares a Manager across threads
// must add its own mutex around it, per spec.md §4.4 "Concurrency".
type Manager struct {
	slots    []slot
	index    map[string]int // path -> slot index
	freeList []int

	head, tail int // slot indices; noIndex when empty

	totalBytes int64
	maxBytes   int64
	maxEntries int
	ttl        time.Duration

	hits, misses, evictions int64

	now func() time.Time
}

// New creates a Manager. maxBytes or maxEntries of 0 means unbounded
// for that dimension. ttl <= 0 disables expiry (spec.md §4.4 "Lookup").
func New(maxBytes int64, maxEntries int, ttl time.Duration) *Manager {
	return &Manager{
		index:      make(map[string]int),
		head:       noIndex,
		tail:       noIndex,
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func entryMemoryUsage(content []byte, mime, etag, path string) int64 {
	// Metadata overhead is approximated the way the original header
	// documents fixed-size fields (path/mime/etag buffers); here we
	// count only what actually varies in size.
	return int64(len(content) + len(mime) + len(etag) + len(path))
}

// Get returns the cached entry for path, or ok=false on miss or expiry.
// A TTL-expired entry is evicted as part of the lookup, per spec.md
// §4.4 ("treat as miss and evict the stale entry before returning").
func (m *Manager) Get(path string) (Entry, bool) {
	idx, ok := m.index[path]
	if !ok {
		m.misses++
		return Entry{}, false
	}
	s := &m.slots[idx]
	if m.expired(s) {
		m.removeSlot(idx)
		m.misses++
		return Entry{}, false
	}
	s.entry.AccessedAt = m.now()
	m.moveToHead(idx)
	m.hits++
	return s.entry, true
}

func (m *Manager) expired(s *slot) bool {
	if m.ttl <= 0 {
		return false
	}
	return s.entry.CachedAt.Before(m.now().Add(-m.ttl))
}

// Put inserts or replaces the entry for path, evicting tail entries
// (per spec.md §4.4 "Insertion") until both caps are satisfied.
func (m *Manager) Put(path string, content []byte, mime string, lastModified time.Time, etag string) {
	usage := entryMemoryUsage(content, mime, etag, path)
	now := m.now()

	if idx, ok := m.index[path]; ok {
		s := &m.slots[idx]
		m.totalBytes -= s.entry.MemoryUsage
		s.entry = Entry{
			Path: path, Content: content, MimeType: mime,
			LastModified: lastModified, ETag: etag,
			CachedAt: now, AccessedAt: now, MemoryUsage: usage,
		}
		m.totalBytes += usage
		m.moveToHead(idx)
		m.enforceCaps(path)
		return
	}

	for m.overCap(usage) {
		if m.tail == noIndex {
			break
		}
		m.evictSlot(m.tail)
	}

	idx := m.alloc()
	m.slots[idx] = slot{
		entry: Entry{
			Path: path, Content: content, MimeType: mime,
			LastModified: lastModified, ETag: etag,
			CachedAt: now, AccessedAt: now, MemoryUsage: usage,
		},
		prev: noIndex, next: noIndex, inUse: true,
	}
	m.index[path] = idx
	m.totalBytes += usage
	m.pushHead(idx)
}

// enforceCaps evicts from the tail until caps hold, skipping the entry
// at path itself (used right after an in-place replace grew it).
func (m *Manager) enforceCaps(path string) {
	for m.overCapState() {
		if m.tail == noIndex {
			break
		}
		if m.slots[m.tail].entry.Path == path {
			break
		}
		m.evictSlot(m.tail)
	}
}

func (m *Manager) overCap(pendingUsage int64) bool {
	if m.maxBytes > 0 && m.totalBytes+pendingUsage > m.maxBytes {
		return true
	}
	if m.maxEntries > 0 && len(m.index) >= m.maxEntries {
		return true
	}
	return false
}

func (m *Manager) overCapState() bool {
	if m.maxBytes > 0 && m.totalBytes > m.maxBytes {
		return true
	}
	if m.maxEntries > 0 && len(m.index) > m.maxEntries {
		return true
	}
	return false
}

// Remove deletes path's entry if present; it is not an eviction and
// does not increment the eviction counter.
func (m *Manager) Remove(path string) {
	if idx, ok := m.index[path]; ok {
		m.removeSlot(idx)
	}
}

// Clear drops every entry without counting evictions.
func (m *Manager) Clear() {
	m.slots = nil
	m.freeList = nil
	m.index = make(map[string]int)
	m.head, m.tail = noIndex, noIndex
	m.totalBytes = 0
}

// Stats mirrors uvhttp_lru_cache_get_stats.
type Stats struct {
	TotalMemoryUsage int64
	EntryCount       int
	Hits             int64
	Misses           int64
	Evictions        int64
}

func (m *Manager) Stats() Stats {
	return Stats{
		TotalMemoryUsage: m.totalBytes,
		EntryCount:       len(m.index),
		Hits:             m.hits,
		Misses:           m.misses,
		Evictions:        m.evictions,
	}
}

// HitRate supplements the original's raw counters with the ratio an
// operator actually wants to graph.
func (m *Manager) HitRate() float64 {
	total := m.hits + m.misses
	if total == 0 {
		return 0
	}
	return float64(m.hits) / float64(total)
}

// ResetStats zeroes the hit/miss/eviction counters without touching
// cached content.
func (m *Manager) ResetStats() {
	m.hits, m.misses, m.evictions = 0, 0, 0
}

func (m *Manager) evictSlot(idx int) {
	m.removeSlot(idx)
	m.evictions++
}

func (m *Manager) removeSlot(idx int) {
	s := &m.slots[idx]
	m.unlink(idx)
	m.totalBytes -= s.entry.MemoryUsage
	delete(m.index, s.entry.Path)
	*s = slot{inUse: false}
	m.freeList = append(m.freeList, idx)
}

func (m *Manager) alloc() int {
	if n := len(m.freeList); n > 0 {
		idx := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return idx
	}
	m.slots = append(m.slots, slot{})
	return len(m.slots) - 1
}

func (m *Manager) unlink(idx int) {
	s := &m.slots[idx]
	if s.prev != noIndex {
		m.slots[s.prev].next = s.next
	} else if m.head == idx {
		m.head = s.next
	}
	if s.next != noIndex {
		m.slots[s.next].prev = s.prev
	} else if m.tail == idx {
		m.tail = s.prev
	}
	s.prev, s.next = noIndex, noIndex
}

func (m *Manager) pushHead(idx int) {
	s := &m.slots[idx]
	s.prev = noIndex
	s.next = m.head
	if m.head != noIndex {
		m.slots[m.head].prev = idx
	}
	m.head = idx
	if m.tail == noIndex {
		m.tail = idx
	}
}

func (m *Manager) moveToHead(idx int) {
	if m.head == idx {
		return
	}
	m.unlink(idx)
	m.pushHead(idx)
}
