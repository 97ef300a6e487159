package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/airframesio/flight-features/cmd/storage"
	_ "github.com/lib/pq"
)

// services is the wired set of components every command works with
type services struct {
	db           *sql.DB
	store        storage.ObjectStore
	cache        *ArtifactCache
	resolver     *Resolver
	gateway      *Gateway
	builder      *ArtifactBuilder
	materializer *Materializer
	reader       *DatasetReader
	explorer     *Explorer
}

// newServices wires the components on top of an open database and object
// store. db may be nil for commands that only touch the store.
func newServices(db *sql.DB, store storage.ObjectStore, config *Config, logger *slog.Logger) (*services, error) {
	cache, err := loadArtifactCache(config.Export.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact cache in %s: %w", config.Export.CacheDir, err)
	}

	gateway := NewGateway(store, config.S3.publicURLBase(), config.S3.Prefix, config.Export.CacheDir, cache, logger)
	resolver := NewResolver(db, logger)
	builder := NewArtifactBuilder(db, gateway, cache, config.Export.ChunkSize, config.Export.Compression, logger)

	return &services{
		db:           db,
		store:        store,
		cache:        cache,
		resolver:     resolver,
		gateway:      gateway,
		builder:      builder,
		materializer: NewMaterializer(db, resolver, builder, logger),
		reader:       NewDatasetReader(db, logger),
		explorer:     NewExplorer(db, logger),
	}, nil
}

func (s *services) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// connectionString builds the lib/pq keyword/value DSN. The statement
// timeout is applied per session so runaway CREATE TABLE AS statements are cancelled.
func connectionString(config DatabaseConfig) string {
	sslMode := config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.Name,
		sslMode,
	)

	if config.StatementTimeout > 0 {
		timeoutMs := config.StatementTimeout * 1000
		connStr += fmt.Sprintf(" statement_timeout=%d", timeoutMs)
	}
	return connStr
}

func connectDatabase(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString(config))
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s:%d/%s: %w", config.Host, config.Port, config.Name, err)
	}
	return db, nil
}

func connectObjectStore(config S3Config) (*storage.S3Store, error) {
	return storage.NewS3Store(storage.S3Config{
		Endpoint:  config.Endpoint,
		Region:    config.Region,
		Bucket:    config.Bucket,
		AccessKey: config.AccessKey,
		SecretKey: config.SecretKey,
	})
}

// openServices connects to PostgreSQL (when withDatabase is set) and the
// object store, then wires the components
func openServices(ctx context.Context, config *Config, logger *slog.Logger, withDatabase bool) (*services, error) {
	store, err := connectObjectStore(config.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to configure object store: %w", err)
	}

	var db *sql.DB
	if withDatabase {
		logger.Debug(fmt.Sprintf("🔌 Connecting to %s:%d/%s", config.Database.Host, config.Database.Port, config.Database.Name))
		db, err = connectDatabase(ctx, config.Database)
		if err != nil {
			return nil, err
		}
	}

	svc, err := newServices(db, store, config, logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	return svc, nil
}
