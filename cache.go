package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const cacheExt = ".mp3"

// ResultCache is a content-addressable store of finished artifacts. Entries
// live at <dir>/<key>.mp3 where the key is a hash of the normalized reference
// plus the conversion options, so identical requests map to identical files.
type ResultCache struct {
	dir           string
	maxAge        time.Duration
	sweepInterval time.Duration
}

// NewResultCache creates the cache directory if needed.
func NewResultCache(dir string, maxAge, sweepInterval time.Duration) (*ResultCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &ResultCache{dir: dir, maxAge: maxAge, sweepInterval: sweepInterval}, nil
}

// Key derives the content-addressed cache key for a normalized reference and
// its conversion options.
func (c *ResultCache) Key(normalizedURL string, quality Quality) string {
	sum := sha256.Sum256([]byte(normalizedURL + "|" + string(quality)))
	return hex.EncodeToString(sum[:])
}

// Path returns the on-disk location for a key.
func (c *ResultCache) Path(key string) string {
	return filepath.Join(c.dir, key+cacheExt)
}

// Lookup returns the cached artifact path and its size, if present.
func (c *ResultCache) Lookup(key string) (string, int64, bool) {
	path := c.Path(key)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return "", 0, false
	}
	return path, info.Size(), true
}

// Populate copies a freshly produced artifact into the cache and returns the
// canonical cached path. Multiple jobs computing the same key may finish
// around the same time; the copy is staged under a unique temporary name and
// the existence check is repeated right before the final rename, so a
// concurrent writer's entry is treated as authoritative and never overwritten.
func (c *ResultCache) Populate(key, srcPath string) (string, error) {
	dst := c.Path(key)
	if _, _, ok := c.Lookup(key); ok {
		return dst, nil
	}

	tmp := dst + ".tmp-" + uuid.NewString()
	if err := copyFile(srcPath, tmp); err != nil {
		return "", fmt.Errorf("stage cache entry: %w", err)
	}

	if _, _, ok := c.Lookup(key); ok {
		// Lost the race; the winner's entry stands.
		os.Remove(tmp)
		return dst, nil
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit cache entry: %w", err)
	}
	return dst, nil
}

// Sweep deletes entries older than the configured age and returns the number
// removed. Errors on individual files are logged and do not abort the sweep.
func (c *ResultCache) Sweep() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Printf("cache sweep: read dir: %v", err)
		return 0
	}

	cutoff := time.Now().Add(-c.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Printf("cache sweep: stat %s: %v", entry.Name(), err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			log.Printf("cache sweep: remove %s: %v", entry.Name(), err)
			continue
		}
		removed++
		cacheEventsTotal.WithLabelValues("evicted").Inc()
	}
	return removed
}

// Run evicts aged entries on a fixed interval until ctx is cancelled.
func (c *ResultCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Printf("cache sweep: evicted %d entries older than %s", n, c.maxAge)
			}
		case <-ctx.Done():
			return
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
