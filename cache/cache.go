// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package cache implements the on-disk/in-memory shader cache keyed
// by (content-hash, feature-mask, pipeline-version): a rewrite never
// runs twice for the same key, and a previously-built result survives
// a process restart.
package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// formatVersion is bumped whenever Entry's on-disk shape changes;
// Load discards a file written by a different version instead of
// trying to interpret bytes it cannot trust.
const formatVersion = 1

// Key identifies one cached rewrite result.
type Key struct {
	ContentHash     uint64
	FeatureMask     uint64
	PipelineVersion uint32
}

// Entry is the cached rewrite output for one Key.
type Entry struct {
	Bytecode []byte
}

// Cache is a mutex-guarded in-memory map fronted by a singleflight
// group, so concurrent requests for the same Key collapse onto one
// in-flight Build call instead of rewriting the same shader twice.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	group   singleflight.Group

	path           string
	entryThreshold int
	flushInterval  time.Duration

	dirtyMu   sync.Mutex
	dirty     int
	lastFlush time.Time
}

// NewCache creates an empty Cache. path is where Serialize/autosave
// write the on-disk form; an empty path disables persistence.
// entryThreshold and flushInterval are the auto-serialize triggers:
// a serialize runs after entryThreshold new entries accumulate since
// the last flush, or flushInterval has elapsed since it, whichever
// comes first.
func NewCache(path string, entryThreshold int, flushInterval time.Duration) *Cache {
	return &Cache{
		entries:        make(map[Key]Entry),
		path:           path,
		entryThreshold: entryThreshold,
		flushInterval:  flushInterval,
		lastFlush:      time.Unix(0, 0),
	}
}

// Lookup returns the cached entry for key, if any.
func (c *Cache) Lookup(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// GetOrBuild returns the cached entry for key, calling build to
// produce one if key is not yet present. Concurrent GetOrBuild calls
// for the same key share one build call.
func (c *Cache) GetOrBuild(key Key, build func() (Entry, error)) (Entry, error) {
	if e, ok := c.Lookup(key); ok {
		return e, nil
	}

	groupKey := fmt.Sprintf("%d:%d:%d", key.ContentHash, key.FeatureMask, key.PipelineVersion)
	v, err, _ := c.group.Do(groupKey, func() (interface{}, error) {
		if e, ok := c.Lookup(key); ok {
			return e, nil
		}
		e, err := build()
		if err != nil {
			return Entry{}, err
		}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		c.noteNewEntry()
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// noteNewEntry runs the auto-serialize triggers: a flush after
// entryThreshold new entries since the last one, or flushInterval
// elapsed, whichever happens first. A flush failure is logged, not
// returned — persistence is best-effort.
func (c *Cache) noteNewEntry() {
	if c.path == "" {
		return
	}
	c.dirtyMu.Lock()
	c.dirty++
	due := (c.entryThreshold > 0 && c.dirty >= c.entryThreshold) ||
		(c.flushInterval > 0 && time.Since(c.lastFlush) >= c.flushInterval)
	if due {
		c.dirty = 0
		c.lastFlush = time.Now()
	}
	c.dirtyMu.Unlock()

	if due {
		if err := c.Serialize(c.path); err != nil {
			log.Printf("cache: auto-serialize to %q failed: %v", c.path, err)
		}
	}
}

// onDiskForm is the versioned envelope Serialize/Load exchange.
type onDiskForm struct {
	Version int
	Entries map[Key]Entry
}

// Serialize writes the cache's current contents to path.
func (c *Cache) Serialize(path string) error {
	c.mu.RLock()
	snapshot := make(map[Key]Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(onDiskForm{Version: formatVersion, Entries: snapshot}); err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("cache: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: rename %q to %q: %w", tmp, path, err)
	}
	return nil
}

// Load replaces the cache's contents with the serialized form at
// path. A missing file is not an error (first run). A corrupt or
// version-mismatched file is discarded with a logged warning rather
// than surfaced as an error, so a damaged cache never blocks device
// creation.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: read %q: %w", path, err)
	}

	var form onDiskForm
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&form); err != nil {
		log.Printf("cache: %q is corrupt, discarding: %v", path, err)
		return nil
	}
	if form.Version != formatVersion {
		log.Printf("cache: %q is format version %d, want %d, discarding", path, form.Version, formatVersion)
		return nil
	}

	c.mu.Lock()
	c.entries = form.Entries
	if c.entries == nil {
		c.entries = make(map[Key]Entry)
	}
	c.mu.Unlock()
	return nil
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
