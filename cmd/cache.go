package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const artifactCacheFile = "artifacts.json"

// ArtifactCache records what this process knows about each artifact it has
// built. It lives next to the artifacts in the cache directory.
type ArtifactCache struct {
	mu        sync.Mutex
	path      string
	Artifacts map[string]ArtifactEntry `json:"artifacts"`
}

type ArtifactEntry struct {
	Dataset     string    `json:"dataset"`
	Dep         string    `json:"dep,omitempty"`
	Dest        string    `json:"dest,omitempty"`
	Rows        int64     `json:"rows"`
	SizeBytes   int64     `json:"size_bytes"`
	MD5         string    `json:"md5"`
	BuiltAt     time.Time `json:"built_at"`
	UploadedAt  time.Time `json:"uploaded_at,omitempty"`
	PublicURL   string    `json:"r2_url,omitempty"`
	UploadError string    `json:"upload_error,omitempty"`
}

// loadArtifactCache reads dir/artifacts.json. A missing or corrupted file
// yields an empty cache.
func loadArtifactCache(dir string) (*ArtifactCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	cache := &ArtifactCache{
		path:      filepath.Join(dir, artifactCacheFile),
		Artifacts: make(map[string]ArtifactEntry),
	}

	data, err := os.ReadFile(cache.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cache, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cache); err != nil {
		// If cache is corrupted, start over
		cache.Artifacts = make(map[string]ArtifactEntry)
		return cache, nil
	}
	if cache.Artifacts == nil {
		cache.Artifacts = make(map[string]ArtifactEntry)
	}
	return cache, nil
}

func (c *ArtifactCache) get(key string) (ArtifactEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.Artifacts[key]
	return entry, ok
}

func (c *ArtifactCache) set(key string, entry ArtifactEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Artifacts[key] = entry
	return c.saveLocked()
}

func (c *ArtifactCache) remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Artifacts[key]; !ok {
		return nil
	}
	delete(c.Artifacts, key)
	return c.saveLocked()
}

// saveLocked writes through a temp file so a crash never leaves half a file
func (c *ArtifactCache) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
