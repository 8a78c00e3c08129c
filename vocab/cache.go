package vocab

import "sync"

// Default is the process-wide vocabulary cache.
var Default = NewCache()

type cacheEntry struct {
	once  sync.Once
	vocab *Vocabulary
	err   error
}

// Cache builds each tokenizer's Vocabulary at most once. Sources are used
// as map keys so they must be comparable, which pointer receivers are.
type Cache struct {
	mu      sync.RWMutex
	entries map[Source]*cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[Source]*cacheEntry)}
}

// Get returns the Vocabulary for src, building it on first use. Concurrent
// callers for the same source wait on a single build.
func (c *Cache) Get(src Source) (*Vocabulary, error) {
	c.mu.RLock()
	e, ok := c.entries[src]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if e, ok = c.entries[src]; !ok {
			e = &cacheEntry{}
			c.entries[src] = e
		}
		c.mu.Unlock()
	}

	e.once.Do(func() {
		e.vocab, e.err = New(src)
	})

	if e.err != nil {
		// drop failed builds so a later call can retry
		c.mu.Lock()
		if c.entries[src] == e {
			delete(c.entries, src)
		}
		c.mu.Unlock()
	}

	return e.vocab, e.err
}

// Invalidate forgets src. It is a no-op for sources never seen.
func (c *Cache) Invalidate(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, src)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
