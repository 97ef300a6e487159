package cmd

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 used for checksums, not cryptography
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/airframesio/flight-features/cmd/formatters"
	"golang.org/x/sync/singleflight"
)

// ErrNoData is reported when a build extracts zero rows
var ErrNoData = errors.New("no data found")

// ArtifactKey is the object name for a dataset narrowed by optional
// departure and destination filters. It depends only on its arguments, and
// filters that select the same rows map to the same key.
func ArtifactKey(dataset, dep, dest string) string {
	dep, dest = normalizeFilters(dep, dest)

	key := SanitizeName(dataset)
	if dep != "" {
		key += "_dep_" + dep
	}
	if dest != "" {
		key += "_dest_" + dest
	}
	return key + artifactExt
}

// ChunkProgress is reported after every extracted chunk
type ChunkProgress struct {
	Key       string
	Chunk     int
	ChunkRows int
	TotalRows int64
}

type BuildRequest struct {
	Dataset string
	Dep     string
	Dest    string
	Force   bool

	// OnChunk, when set, is called after each chunk is written
	OnChunk func(ChunkProgress) `json:"-"`
}

type BuildResult struct {
	Success     bool       `json:"success"`
	Cached      bool       `json:"cached"`
	Rows        int64      `json:"rows,omitempty"`
	Key         string     `json:"key,omitempty"`
	PublicURL   string     `json:"r2_url,omitempty"`
	Path        string     `json:"path,omitempty"`
	SizeBytes   int64      `json:"size_bytes,omitempty"`
	SizeMB      float64    `json:"size_mb,omitempty"`
	Modified    *time.Time `json:"modified,omitempty"`
	Source      string     `json:"source,omitempty"`
	UploadError string     `json:"r2_upload_error,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ArtifactBuilder extracts a dataset in fixed-size chunks, encodes it as
// Parquet and publishes it through the gateway
type ArtifactBuilder struct {
	db          *sql.DB
	gateway     *Gateway
	cache       *ArtifactCache
	chunkSize   int
	compression string
	logger      *slog.Logger

	inflight singleflight.Group
}

func NewArtifactBuilder(db *sql.DB, gateway *Gateway, cache *ArtifactCache, chunkSize int, compression string, logger *slog.Logger) *ArtifactBuilder {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if compression == "" {
		compression = defaultCompression
	}
	return &ArtifactBuilder{
		db:          db,
		gateway:     gateway,
		cache:       cache,
		chunkSize:   chunkSize,
		compression: compression,
		logger:      logger,
	}
}

// Build returns the artifact for req, building it unless a copy already
// exists (and Force is unset). Concurrent builds of the same key share one
// extraction and one upload.
func (b *ArtifactBuilder) Build(ctx context.Context, req BuildRequest) BuildResult {
	req.Dep, req.Dest = normalizeFilters(req.Dep, req.Dest)
	key := ArtifactKey(req.Dataset, req.Dep, req.Dest)

	if !req.Force {
		if result, ok := b.cachedResult(ctx, key); ok {
			b.logger.Debug(fmt.Sprintf("  ⏭️  %s already built (%s)", key, result.Source))
			return result
		}
	}

	// a forced build must not join a plain one that may answer from the old copy
	flight := key
	if req.Force {
		flight += "|force"
	}

	v, _, shared := b.inflight.Do(flight, func() (interface{}, error) {
		// a build that finished between the check above and here already published key
		if !req.Force {
			if info, ok := b.gateway.ExistsLocal(key); ok {
				return b.resultFromInfo(key, info), nil
			}
		}
		return b.build(ctx, req, key), nil
	})
	if shared {
		b.logger.Debug(fmt.Sprintf("  🔗 Joined in-flight build of %s", key))
	}
	return v.(BuildResult)
}

// cachedResult checks the local cache first so a repeat call on the same
// host touches neither the database nor the object store
func (b *ArtifactBuilder) cachedResult(ctx context.Context, key string) (BuildResult, bool) {
	info, ok := b.gateway.ExistsLocal(key)
	if !ok {
		info = b.gateway.Exists(ctx, key)
		if !info.Exists {
			return BuildResult{}, false
		}
	}
	return b.resultFromInfo(key, info), true
}

func (b *ArtifactBuilder) resultFromInfo(key string, info ArtifactInfo) BuildResult {
	return BuildResult{
		Success:   true,
		Cached:    true,
		Rows:      info.Rows,
		Key:       key,
		PublicURL: info.PublicURL,
		Path:      info.Path,
		SizeBytes: info.SizeBytes,
		SizeMB:    info.SizeMB,
		Modified:  info.Modified,
		Source:    info.Source,
	}
}

func (b *ArtifactBuilder) build(ctx context.Context, req BuildRequest, key string) BuildResult {
	start := time.Now()
	b.logger.Info(fmt.Sprintf("📦 Building %s", key))

	if err := os.MkdirAll(b.gateway.cacheDir, 0o755); err != nil {
		return BuildResult{Success: false, Key: key, Error: err.Error()}
	}

	tmp, err := os.CreateTemp(b.gateway.cacheDir, key+".*.tmp")
	if err != nil {
		return BuildResult{Success: false, Key: key, Error: err.Error()}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := md5.New() //nolint:gosec // MD5 used for checksums, not cryptography
	out := io.MultiWriter(tmp, hasher)

	var writer *formatters.ParquetWriter
	query, args := artifactQuery(req.Dataset, req.Dep, req.Dest)

	total, err := b.extractChunks(ctx, query, args, func(chunk int, columns, databaseTypes []string, rows []map[string]any, totalRows int64) error {
		if len(rows) > 0 {
			if writer == nil {
				layout := formatters.ColumnsFor(columns, databaseTypes, rows)
				w, err := formatters.NewParquetWriter(out, layout, b.compression)
				if err != nil {
					return err
				}
				writer = w
			}
			if err := writer.Write(rows); err != nil {
				return err
			}
		}

		b.logger.Debug(fmt.Sprintf("  📊 %s chunk %d: %d rows (%d total)", key, chunk, len(rows), totalRows))
		if req.OnChunk != nil {
			req.OnChunk(ChunkProgress{Key: key, Chunk: chunk, ChunkRows: len(rows), TotalRows: totalRows})
		}
		return nil
	})
	if err != nil {
		tmp.Close()
		return BuildResult{Success: false, Key: key, Error: err.Error()}
	}

	if total == 0 {
		tmp.Close()
		return BuildResult{Success: false, Key: key, Error: ErrNoData.Error()}
	}

	if err := writer.Close(); err != nil {
		tmp.Close()
		return BuildResult{Success: false, Key: key, Error: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		return BuildResult{Success: false, Key: key, Error: err.Error()}
	}

	path := b.gateway.LocalPath(key)
	if err := os.Rename(tmpPath, path); err != nil {
		return BuildResult{Success: false, Key: key, Error: err.Error()}
	}

	entry := ArtifactEntry{
		Dataset: SanitizeName(req.Dataset),
		Dep:     req.Dep,
		Dest:    req.Dest,
		Rows:    total,
		MD5:     hex.EncodeToString(hasher.Sum(nil)),
		BuiltAt: time.Now().UTC(),
	}
	if stat, err := os.Stat(path); err == nil {
		entry.SizeBytes = stat.Size()
	}

	b.logger.Info(fmt.Sprintf("  ✅ Encoded %d rows into %s (%.2f MB) in %s",
		total, key, sizeMB(entry.SizeBytes), time.Since(start).Round(time.Millisecond)))

	publicURL, uploadErr := b.gateway.Upload(ctx, path, key)
	if uploadErr != nil {
		b.logger.Warn(fmt.Sprintf("⚠️  Upload of %s failed, keeping local copy: %v", key, uploadErr))
		entry.UploadError = uploadErr.Error()
		b.recordEntry(key, entry)

		result := BuildResult{
			Success:     true,
			Cached:      false,
			Rows:        total,
			Key:         key,
			Path:        path,
			SizeBytes:   entry.SizeBytes,
			SizeMB:      sizeMB(entry.SizeBytes),
			Source:      sourceLocal,
			UploadError: uploadErr.Error(),
		}
		if local, ok := b.gateway.ExistsLocal(key); ok {
			result.Modified = local.Modified
		}
		return result
	}

	entry.PublicURL = publicURL
	entry.UploadedAt = time.Now().UTC()
	b.recordEntry(key, entry)

	return BuildResult{
		Success:   true,
		Cached:    false,
		Rows:      total,
		Key:       key,
		PublicURL: publicURL,
		Path:      path,
		SizeBytes: entry.SizeBytes,
		SizeMB:    sizeMB(entry.SizeBytes),
		Source:    sourceRemote,
	}
}

func (b *ArtifactBuilder) recordEntry(key string, entry ArtifactEntry) {
	if b.cache == nil {
		return
	}
	if err := b.cache.set(key, entry); err != nil {
		b.logger.Debug(fmt.Sprintf("Failed to update artifact cache: %v", err))
	}
}

// chunkFunc receives each extracted chunk, in order
type chunkFunc func(chunk int, columns, databaseTypes []string, rows []map[string]any, totalRows int64) error

// extractChunks runs query with LIMIT/OFFSET pages of b.chunkSize. Each page
// depends on the previous one: extraction stops at the first page shorter
// than the chunk size, so a dataset that divides evenly costs one extra
// empty read.
func (b *ArtifactBuilder) extractChunks(ctx context.Context, query string, args []any, fn chunkFunc) (int64, error) {
	paged := fmt.Sprintf("%s LIMIT $%d OFFSET $%d", query, len(args)+1, len(args)+2)

	var total int64
	offset := 0
	for chunk := 1; ; chunk++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		pageArgs := append(append([]any{}, args...), b.chunkSize, offset)
		rows, err := b.db.QueryContext(ctx, paged, pageArgs...)
		if err != nil {
			return total, fmt.Errorf("failed to read chunk %d: %w", chunk, err)
		}
		columns, databaseTypes, data, err := formatters.ScanRawRows(rows)
		rows.Close()
		if err != nil {
			return total, fmt.Errorf("failed to read chunk %d: %w", chunk, err)
		}

		total += int64(len(data))
		if err := fn(chunk, columns, databaseTypes, data, total); err != nil {
			return total, err
		}

		if len(data) < b.chunkSize {
			return total, nil
		}
		offset += b.chunkSize
	}
}

// artifactQuery selects a dataset in flight/time order with optional exact
// departure and destination filters bound as parameters
func artifactQuery(dataset, dep, dest string) (string, []any) {
	query, args := datasetFilter("SELECT * FROM "+QualifiedTable(datasetSchema, dataset), dep, dest)
	return query + " ORDER BY flight_key ASC, time_of_track ASC", args
}

// datasetFilter appends WHERE dep = $1 [AND dest = $2] for the non-empty
// filters, binding the same normalized values ArtifactKey uses
func datasetFilter(base, dep, dest string) (string, []any) {
	var conditions []string
	var args []any

	dep, dest = normalizeFilters(dep, dest)
	if dep != "" {
		args = append(args, dep)
		conditions = append(conditions, fmt.Sprintf("dep = $%d", len(args)))
	}
	if dest != "" {
		args = append(args, dest)
		conditions = append(conditions, fmt.Sprintf("dest = $%d", len(args)))
	}

	if len(conditions) == 0 {
		return base, args
	}
	return base + " WHERE " + strings.Join(conditions, " AND "), args
}
