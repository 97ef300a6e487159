package cmd

import (
	"testing"
)

func TestConnectionString(t *testing.T) {
	tests := []struct {
		name   string
		config DatabaseConfig
		want   string
	}{
		{
			name:   "defaults to sslmode disable",
			config: DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "flights"},
			want:   "host=db port=5432 user=u password=p dbname=flights sslmode=disable",
		},
		{
			name:   "statement timeout in milliseconds",
			config: DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "flights", SSLMode: "require", StatementTimeout: 300},
			want:   "host=db port=5433 user=u password=p dbname=flights sslmode=require statement_timeout=300000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := connectionString(tt.config); got != tt.want {
				t.Errorf("connectionString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewServicesWithoutDatabase(t *testing.T) {
	config := &Config{
		S3:     S3Config{Endpoint: "https://r2.example.com/", Bucket: "features"},
		Export: ExportConfig{CacheDir: t.TempDir()},
	}

	svc, err := newServices(nil, nil, config, newTestLogger())
	if err != nil {
		t.Fatalf("newServices failed: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("Close without a database should not fail: %v", err)
	}
	if got := svc.gateway.PublicURL("ds.parquet"); got != "https://r2.example.com/features/ds.parquet" {
		t.Errorf("PublicURL = %s", got)
	}
	if svc.builder.chunkSize != defaultChunkSize || svc.builder.compression != defaultCompression {
		t.Errorf("builder defaults not applied: %d %s", svc.builder.chunkSize, svc.builder.compression)
	}
}
