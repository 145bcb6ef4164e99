package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

func init() {
	Register("cache", func(options map[string]any) (Store, error) {
		inner, ok := options["store"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cache store needs a nested \"store\" config")
		}
		wrapped, err := Create(inner)
		if err != nil {
			return nil, err
		}

		var patterns []string
		if raw, ok := options["cache_patterns"].([]any); ok {
			for _, p := range raw {
				if s, ok := p.(string); ok {
					patterns = append(patterns, s)
				}
			}
		}
		if len(patterns) == 0 {
			// the one file every render needs: the single global
			// ETOPO1 raster, which is far too large to refetch per job.
			patterns = []string{"ETOPO1"}
		}

		return NewCacheStore(wrapped, optString(options, "cache_dir", "cache"), patterns), nil
	})
}

// CacheStore delegates to an inner store but keeps a whitelisted set of
// large, frequently reused blobs on local disk between jobs. The first
// Get copies into the cache directory; later Gets hard-link out of it,
// so concurrent deletion of the destination is safe (the OS reference
// counts the inode).
type CacheStore struct {
	inner    Store
	cacheDir string
	patterns []string
	mu       sync.Mutex
}

func NewCacheStore(inner Store, cacheDir string, patterns []string) *CacheStore {
	return &CacheStore{inner: inner, cacheDir: cacheDir, patterns: patterns}
}

func (s *CacheStore) cacheable(path string) bool {
	for _, p := range s.patterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func (s *CacheStore) Exists(path string) bool { return s.inner.Exists(path) }

func (s *CacheStore) UploadAll(localDir string) error {
	return s.inner.UploadAll(localDir)
}

func (s *CacheStore) Get(path, localPath string) error {
	if !s.cacheable(path) {
		return s.inner.Get(path, localPath)
	}

	cachePath := filepath.Join(s.cacheDir, path)

	s.mu.Lock()
	if _, err := os.Stat(cachePath); err != nil {
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.inner.Get(path, cachePath); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.Link(cachePath, localPath)
}
