package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airframesio/flight-features/cmd/storage"
)

const (
	manifestKey  = "datasets.json"
	artifactExt  = ".parquet"
	sourceRemote = "r2"
	sourceLocal  = "local"

	contentTypeArtifact = "application/octet-stream"
	contentTypeManifest = "application/json"
)

// ArtifactInfo answers "is this artifact available, and where"
type ArtifactInfo struct {
	Exists    bool       `json:"exists"`
	PublicURL string     `json:"r2_url,omitempty"`
	Path      string     `json:"path"`
	SizeBytes int64      `json:"size_bytes,omitempty"`
	SizeMB    float64    `json:"size_mb,omitempty"`
	Modified  *time.Time `json:"modified,omitempty"`
	Rows      int64      `json:"rows,omitempty"`
	Source    string     `json:"source,omitempty"`
}

// ManifestEntry is one row of datasets.json
type ManifestEntry struct {
	TableName    string  `json:"table_name"`
	PublicURL    string  `json:"r2_url"`
	SizeBytes    int64   `json:"size_bytes"`
	SizeMB       float64 `json:"size_mb"`
	LastModified string  `json:"last_modified"`
}

// Gateway fronts the object store and the local cache directory. Artifacts
// are addressed by their key (see ArtifactKey); the bucket prefix is applied here.
type Gateway struct {
	store         storage.ObjectStore
	publicURLBase string
	prefix        string
	cacheDir      string
	cache         *ArtifactCache
	logger        *slog.Logger
}

func NewGateway(store storage.ObjectStore, publicURLBase, prefix, cacheDir string, cache *ArtifactCache, logger *slog.Logger) *Gateway {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Gateway{
		store:         store,
		publicURLBase: strings.TrimRight(publicURLBase, "/"),
		prefix:        prefix,
		cacheDir:      cacheDir,
		cache:         cache,
		logger:        logger,
	}
}

func (g *Gateway) objectKey(key string) string {
	return g.prefix + key
}

// PublicURL returns the CDN address of key
func (g *Gateway) PublicURL(key string) string {
	return g.publicURLBase + "/" + g.objectKey(key)
}

// LocalPath returns where key is (or would be) cached on disk
func (g *Gateway) LocalPath(key string) string {
	return filepath.Join(g.cacheDir, key)
}

// Exists prefers the remote store and only looks at the local cache when
// the remote check fails or the object is absent
func (g *Gateway) Exists(ctx context.Context, key string) ArtifactInfo {
	info, err := g.store.Head(ctx, g.objectKey(key))
	if err == nil {
		result := ArtifactInfo{
			Exists:    true,
			PublicURL: g.PublicURL(key),
			Path:      g.LocalPath(key),
			SizeBytes: info.Size,
			SizeMB:    sizeMB(info.Size),
			Source:    sourceRemote,
		}
		if entry, ok := g.cacheEntry(key); ok {
			result.Rows = entry.Rows
		}
		return result
	}
	if !storage.IsNotFound(err) {
		g.logger.Debug(fmt.Sprintf("Remote check for %s failed, falling back to local cache: %v", key, err))
	}

	if local, ok := g.ExistsLocal(key); ok {
		return local
	}
	return ArtifactInfo{Exists: false, Path: g.LocalPath(key)}
}

// ExistsLocal reports the locally cached copy of key, without touching the remote store
func (g *Gateway) ExistsLocal(key string) (ArtifactInfo, bool) {
	path := g.LocalPath(key)
	stat, err := os.Stat(path)
	if err != nil || stat.IsDir() {
		return ArtifactInfo{}, false
	}

	modified := stat.ModTime().UTC()
	info := ArtifactInfo{
		Exists:    true,
		Path:      path,
		SizeBytes: stat.Size(),
		SizeMB:    sizeMB(stat.Size()),
		Modified:  &modified,
		Source:    sourceLocal,
	}
	if entry, ok := g.cacheEntry(key); ok {
		info.Rows = entry.Rows
		if entry.PublicURL != "" && entry.UploadError == "" {
			info.PublicURL = entry.PublicURL
		}
	}
	return info, true
}

// Upload publishes the local file at localPath under key and returns its public URL
func (g *Gateway) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrUploadFailed, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrUploadFailed, err)
	}

	g.logger.Debug(fmt.Sprintf("  ☁️  Uploading %s (%d bytes)", g.objectKey(key), stat.Size()))
	if err := g.store.Put(ctx, g.objectKey(key), f, stat.Size(), contentTypeArtifact); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	g.refreshManifest(ctx)
	return g.PublicURL(key), nil
}

// List enumerates every published artifact and rewrites datasets.json with
// the result. A failed manifest write is logged, not returned.
func (g *Gateway) List(ctx context.Context) ([]ManifestEntry, error) {
	objects, err := g.store.List(ctx, g.prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]ManifestEntry, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, artifactExt) {
			continue
		}
		key := strings.TrimPrefix(obj.Key, g.prefix)
		entries = append(entries, ManifestEntry{
			TableName:    strings.TrimSuffix(key, artifactExt),
			PublicURL:    g.PublicURL(key),
			SizeBytes:    obj.Size,
			SizeMB:       sizeMB(obj.Size),
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
		})
	}

	g.writeManifest(ctx, entries)
	return entries, nil
}

// Delete removes key from the store and the local cache. It reports
// whether the remote delete succeeded.
func (g *Gateway) Delete(ctx context.Context, key string) bool {
	deleted := true
	if err := g.store.Delete(ctx, g.objectKey(key)); err != nil {
		g.logger.Warn(fmt.Sprintf("⚠️  Failed to delete %s: %v", g.objectKey(key), err))
		deleted = false
	}

	if err := os.Remove(g.LocalPath(key)); err != nil && !os.IsNotExist(err) {
		g.logger.Warn(fmt.Sprintf("⚠️  Failed to remove local artifact %s: %v", g.LocalPath(key), err))
	}
	if g.cache != nil {
		if err := g.cache.remove(key); err != nil {
			g.logger.Debug(fmt.Sprintf("Failed to update artifact cache: %v", err))
		}
	}

	if deleted {
		g.refreshManifest(ctx)
	}
	return deleted
}

// refreshManifest rebuilds datasets.json after a write so it does not stay
// stale until the next listing
func (g *Gateway) refreshManifest(ctx context.Context) {
	if _, err := g.List(ctx); err != nil {
		g.logger.Debug(fmt.Sprintf("Manifest refresh skipped: %v", err))
	}
}

func (g *Gateway) writeManifest(ctx context.Context, entries []ManifestEntry) {
	data, err := json.Marshal(entries)
	if err != nil {
		g.logger.Warn(fmt.Sprintf("⚠️  Failed to encode manifest: %v", err))
		return
	}

	if err := g.store.Put(ctx, g.objectKey(manifestKey), bytes.NewReader(data), int64(len(data)), contentTypeManifest); err != nil {
		g.logger.Warn(fmt.Sprintf("⚠️  Failed to update manifest: %v", err))
	}
}

func (g *Gateway) cacheEntry(key string) (ArtifactEntry, bool) {
	if g.cache == nil {
		return ArtifactEntry{}, false
	}
	return g.cache.get(key)
}

// sizeMB converts bytes to megabytes rounded to two decimals
func sizeMB(size int64) float64 {
	return math.Round(float64(size)/1024/1024*100) / 100
}
