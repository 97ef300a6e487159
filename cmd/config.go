package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Static errors for configuration validation
var (
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrS3PublicURLInvalid      = errors.New("S3 public URL must be an absolute http(s) URL")
	ErrS3PrefixInvalid         = errors.New("S3 prefix must not start with '/' or contain '..'")
	ErrCacheDirRequired        = errors.New("cache directory is required")
	ErrChunkSizeMinimum        = errors.New("chunk size must be at least 100")
	ErrChunkSizeMaximum        = errors.New("chunk size must not exceed 5000000")
	ErrCompressionInvalid      = errors.New("parquet compression must be one of: gzip, snappy, zstd, lz4, none")
	ErrServerPortInvalid       = errors.New("server port must be between 1 and 65535")
)

const (
	regionAuto = "auto"

	defaultChunkSize   = 500000
	defaultCompression = "gzip"
)

type Config struct {
	Debug     bool
	LogFormat string
	Database  DatabaseConfig
	S3        S3Config
	Export    ExportConfig
	Server    ServerConfig
}

type DatabaseConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout)
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	PublicURL string // CDN base for published artifacts; falls back to endpoint/bucket
	Prefix    string // Optional key prefix inside the bucket
}

type ExportConfig struct {
	CacheDir    string
	ChunkSize   int // Rows per extraction chunk when building an artifact
	Compression string
}

type ServerConfig struct {
	Port int
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

func isValidPublicURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"gzip":   true,
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
	}
	return validCompressions[compression]
}

// publicURLBase returns the base URL artifacts are served from, without a trailing slash
func (c *S3Config) publicURLBase() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return strings.TrimRight(c.Endpoint, "/") + "/" + c.Bucket
}

// ValidateStorage checks only the object store settings. Commands that never
// touch PostgreSQL (list) call this instead of Validate.
func (c *Config) ValidateStorage() error {
	if c.S3.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if c.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}

	if c.S3.Region != "" && c.S3.Region != regionAuto {
		if !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
	}

	if c.S3.PublicURL != "" && !isValidPublicURL(c.S3.PublicURL) {
		return fmt.Errorf("%w: '%s'", ErrS3PublicURLInvalid, c.S3.PublicURL)
	}

	if strings.HasPrefix(c.S3.Prefix, "/") || strings.Contains(c.S3.Prefix, "..") {
		return fmt.Errorf("%w: '%s'", ErrS3PrefixInvalid, c.S3.Prefix)
	}

	if c.Export.CacheDir == "" {
		return ErrCacheDirRequired
	}

	return nil
}

func (c *Config) Validate() error {
	// Validate database configuration
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}

	if err := c.ValidateStorage(); err != nil {
		return err
	}

	// Chunk size of 0 means use the default
	if c.Export.ChunkSize != 0 {
		if c.Export.ChunkSize < 100 {
			return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, c.Export.ChunkSize)
		}
		if c.Export.ChunkSize > 5000000 {
			return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, c.Export.ChunkSize)
		}
	}

	if c.Export.Compression != "" && !isValidCompression(c.Export.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Export.Compression)
	}

	if c.Server.Port != 0 && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("%w, got %d", ErrServerPortInvalid, c.Server.Port)
	}

	return nil
}

// applyDefaults fills zero values that have a sensible default
func (c *Config) applyDefaults() {
	if c.Export.ChunkSize == 0 {
		c.Export.ChunkSize = defaultChunkSize
	}
	if c.Export.Compression == "" {
		c.Export.Compression = defaultCompression
	}
	if c.S3.Region == "" {
		c.S3.Region = regionAuto
	}
}
