package localagent

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// mkdirBatchSize is the maximum number of paths batched into a single
// mkdir executable (spec §4.4 point 1).
const mkdirBatchSize = 100

// mkdirCacheTTL is how long a created directory is remembered before it
// is eligible to be re-batched (spec §4.4's "≈1-minute TTL").
const mkdirCacheTTL = time.Minute

// mkdirCache is the node-local, LRU+TTL cache of directories already
// created, so repeated chains sharing an output prefix never re-issue a
// redundant mkdir. Wraps hashicorp/golang-lru the way the teacher wraps
// third-party caches: a thin struct adding the TTL semantics the raw LRU
// doesn't have.
type mkdirCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// newMkdirCache builds a cache holding up to size directory entries.
func newMkdirCache(size int) (*mkdirCache, error) {
	if size <= 0 {
		size = 4096
	}

	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &mkdirCache{cache: c}, nil
}

// seen reports whether path was recorded within the TTL window, and
// records it as seen for future calls regardless.
func (m *mkdirCache) seen(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if v, ok := m.cache.Get(path); ok {
		if expiry, ok := v.(time.Time); ok && now.Before(expiry) {
			return true
		}
	}

	m.cache.Add(path, now.Add(mkdirCacheTTL))

	return false
}

// batchMkdirPaths deduplicates paths against the cache and splits the
// remainder into batches of at most mkdirBatchSize.
func batchMkdirPaths(cache *mkdirCache, paths []string) [][]string {
	var fresh []string

	for _, p := range dedupeStable(paths) {
		if !cache.seen(p) {
			fresh = append(fresh, p)
		}
	}

	if len(fresh) == 0 {
		return nil
	}

	batches := make([][]string, 0, len(fresh)/mkdirBatchSize+1)

	for len(fresh) > 0 {
		n := mkdirBatchSize
		if n > len(fresh) {
			n = len(fresh)
		}

		batches = append(batches, fresh[:n])
		fresh = fresh[n:]
	}

	return batches
}

// dedupeStable removes duplicates while preserving first-seen order.
func dedupeStable(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))

	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}

		out = append(out, p)
	}

	return out
}
