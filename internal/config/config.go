package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string // C4_DATABASE_URL (required)
	NATSURL     string // C4_NATS_URL (required)
	HTTPAddr    string // C4_HTTP_ADDR (default ":8080")
	AuthToken   string // C4_AUTH_TOKEN (optional, empty = auth disabled)
	RoutingFile string // C4_ROUTING_FILE (optional, empty = log channel only)

	// Pipeline settings
	Partitions     int           // C4_PARTITIONS (default 8)
	MaxAttempts    int           // C4_MAX_ATTEMPTS (default 5)
	RetryBackoff   time.Duration // C4_RETRY_BACKOFF (base delay, default 500ms)
	AdapterTimeout time.Duration // C4_ADAPTER_TIMEOUT (default 5s)
	StoreTimeout   time.Duration // C4_STORE_TIMEOUT (default 3s)
	PublishTimeout time.Duration // C4_PUBLISH_TIMEOUT (default 5s)
	DedupTTL       time.Duration // C4_DEDUP_TTL (default 10m; must exceed the broker redelivery window)

	// Ingress rate limiting (per sender)
	RateLimit int // C4_RATE_LIMIT messages/sec (default 20; 0 = disabled)
	RateBurst int // C4_RATE_BURST (default 40)

	// Reconciliation sweep for orphaned SENT records
	ReconcileSchedule string        // C4_RECONCILE_SCHEDULE (cron spec, default "@every 1m"; empty = disabled)
	OrphanAge         time.Duration // C4_ORPHAN_AGE (default 2m)

	// Archive settings
	ArchiveInterval   time.Duration // C4_ARCHIVE_INTERVAL (default 0 = disabled)
	ArchiveS3Bucket   string        // C4_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // C4_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // C4_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Key      string        // C4_ARCHIVE_S3_KEY (default "chat4all/archive.jsonl")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:       os.Getenv("C4_DATABASE_URL"),
		NATSURL:           os.Getenv("C4_NATS_URL"),
		HTTPAddr:          envOrDefault("C4_HTTP_ADDR", ":8080"),
		AuthToken:         os.Getenv("C4_AUTH_TOKEN"),
		RoutingFile:       os.Getenv("C4_ROUTING_FILE"),
		ReconcileSchedule: envOrDefault("C4_RECONCILE_SCHEDULE", "@every 1m"),
		ArchiveS3Bucket:   os.Getenv("C4_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("C4_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("C4_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Key:      envOrDefault("C4_ARCHIVE_S3_KEY", "chat4all/archive.jsonl"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("C4_DATABASE_URL is required")
	}
	if c.NATSURL == "" {
		return nil, fmt.Errorf("C4_NATS_URL is required")
	}

	var err error
	if c.Partitions, err = envInt("C4_PARTITIONS", 8); err != nil {
		return nil, err
	}
	if c.Partitions < 1 {
		return nil, fmt.Errorf("C4_PARTITIONS must be at least 1")
	}
	if c.MaxAttempts, err = envInt("C4_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if c.RateLimit, err = envInt("C4_RATE_LIMIT", 20); err != nil {
		return nil, err
	}
	if c.RateBurst, err = envInt("C4_RATE_BURST", 40); err != nil {
		return nil, err
	}

	if c.RetryBackoff, err = envDuration("C4_RETRY_BACKOFF", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.AdapterTimeout, err = envDuration("C4_ADAPTER_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.StoreTimeout, err = envDuration("C4_STORE_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if c.PublishTimeout, err = envDuration("C4_PUBLISH_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.DedupTTL, err = envDuration("C4_DEDUP_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.OrphanAge, err = envDuration("C4_ORPHAN_AGE", 2*time.Minute); err != nil {
		return nil, err
	}
	if c.ArchiveInterval, err = envDuration("C4_ARCHIVE_INTERVAL", 0); err != nil {
		return nil, err
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
