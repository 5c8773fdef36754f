// Package config loads appender configuration from flags with environment
// variable fallback, following the flag-first style of this codebase's
// command-line entrypoints.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
)

// FatalPolicy controls what a worker does after exhausting commit retries.
type FatalPolicy string

const (
	FatalPolicyContinue FatalPolicy = "continue"
	FatalPolicyHalt     FatalPolicy = "halt"
)

// Config holds every setting enumerated in the appender's configuration table.
type Config struct {
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaConsumerGroup string

	IcebergCatalogURI      string
	IcebergTableName       string
	IcebergAllowWidening   bool
	IcebergFatalPolicy     FatalPolicy
	IcebergCommitRetries   int
	IcebergRetryBaseMs     int
	IcebergRetryMaxMs      int

	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	BufferSizeMB    int
	BufferTimeSec   int
	PartitionInbox  int

	RebalanceTimeoutSec int

	DLQPath       string
	DLQKeyPath    string

	AdminListenAddr   string
	MetricsListenAddr string
	AdminTokenHash    string

	LogLevel string
}

// stringFlag describes one string setting (target, flag name, env name,
// default, required) for both flag registration and the later env-fallback
// pass, so every key is declared exactly once.
type stringFlag struct {
	val     *string
	flag    string
	env     string
	def     string
	require bool
}

type intFlag struct {
	val  *int
	flag string
	env  string
	def  int
}

type boolFlag struct {
	val  *bool
	flag string
	env  string
	def  bool
}

// Load parses flags (from args, typically os.Args[1:]) and, for every
// setting not passed explicitly as a flag, takes a non-empty environment
// value over the default, returning a ConfigInvalid error that enumerates
// every missing required key at once.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("appender", flag.ContinueOnError)

	cfg := &Config{}

	var brokers, fatalPolicy string

	strFlags := []stringFlag{
		{&brokers, "kafka-brokers", "KAFKA_BROKERS", "", true},
		{&cfg.KafkaTopic, "kafka-topic", "KAFKA_TOPIC", "otel-logs", false},
		{&cfg.KafkaConsumerGroup, "kafka-group", "KAFKA_CONSUMER_GROUP", "otel-appender", false},
		{&cfg.IcebergCatalogURI, "iceberg-catalog-uri", "ICEBERG_CATALOG_URI", "", true},
		{&cfg.IcebergTableName, "iceberg-table", "ICEBERG_TABLE_NAME", "logs", false},
		{&fatalPolicy, "iceberg-fatal-policy", "ICEBERG_FATAL_POLICY", "continue", false},
		{&cfg.S3Endpoint, "s3-endpoint", "S3_ENDPOINT", "", true},
		{&cfg.S3Bucket, "s3-bucket", "S3_BUCKET", "", true},
		{&cfg.S3AccessKey, "s3-access-key", "S3_ACCESS_KEY", "", true},
		{&cfg.S3SecretKey, "s3-secret-key", "S3_SECRET_KEY", "", true},
		{&cfg.DLQPath, "dlq-path", "DLQ_PATH", "", false},
		{&cfg.DLQKeyPath, "dlq-key-path", "DLQ_KEY_PATH", "", false},
		{&cfg.AdminListenAddr, "admin-addr", "ADMIN_LISTEN_ADDR", ":9090", false},
		{&cfg.MetricsListenAddr, "metrics-addr", "METRICS_LISTEN_ADDR", ":9091", false},
		{&cfg.AdminTokenHash, "admin-token-hash", "ADMIN_TOKEN_HASH", "", false},
		{&cfg.LogLevel, "log-level", "LOG_LEVEL", "info", false},
	}
	for _, f := range strFlags {
		fs.StringVar(f.val, f.flag, f.def, fmt.Sprintf("env %s", f.env))
	}

	intFlags := []intFlag{
		{&cfg.IcebergCommitRetries, "commit-retries", "ICEBERG_COMMIT_RETRIES", 5},
		{&cfg.IcebergRetryBaseMs, "retry-base-ms", "ICEBERG_RETRY_BASE_MS", 100},
		{&cfg.IcebergRetryMaxMs, "retry-max-ms", "ICEBERG_RETRY_MAX_MS", 5000},
		{&cfg.BufferSizeMB, "buffer-size-mb", "BUFFER_SIZE_MB", 50},
		{&cfg.BufferTimeSec, "buffer-time-sec", "BUFFER_TIME_SEC", 60},
		{&cfg.PartitionInbox, "inbox-size", "PARTITION_INBOX_SIZE", 1024},
		{&cfg.RebalanceTimeoutSec, "rebalance-timeout-sec", "REBALANCE_TIMEOUT_SEC", 30},
	}
	for _, f := range intFlags {
		fs.IntVar(f.val, f.flag, f.def, fmt.Sprintf("env %s", f.env))
	}

	boolFlags := []boolFlag{
		{&cfg.IcebergAllowWidening, "iceberg-allow-widening", "ICEBERG_ALLOW_WIDENING", false},
	}
	for _, f := range boolFlags {
		fs.BoolVar(f.val, f.flag, f.def, fmt.Sprintf("env %s", f.env))
	}

	if err := fs.Parse(args); err != nil {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "config.Load", err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	// Env fallback: only applied when the operator didn't pass the flag
	// explicitly on the command line.
	var missing []string
	for _, f := range strFlags {
		if !explicit[f.flag] {
			if envVal := os.Getenv(f.env); envVal != "" {
				*f.val = envVal
			}
		}
		if f.require && *f.val == "" {
			missing = append(missing, f.env)
		}
	}
	for _, f := range intFlags {
		if !explicit[f.flag] {
			if envVal := os.Getenv(f.env); envVal != "" {
				if n, err := strconv.Atoi(envVal); err == nil {
					*f.val = n
				}
			}
		}
	}
	for _, f := range boolFlags {
		if !explicit[f.flag] {
			if envVal := os.Getenv(f.env); envVal != "" {
				if b, err := strconv.ParseBool(envVal); err == nil {
					*f.val = b
				}
			}
		}
	}

	if len(missing) > 0 {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "config.Load",
			fmt.Errorf("missing required settings: %s", strings.Join(missing, ", ")))
	}

	cfg.KafkaBrokers = splitAndTrim(brokers)
	if len(cfg.KafkaBrokers) == 0 {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "config.Load", fmt.Errorf("kafka-brokers must list at least one broker"))
	}

	switch FatalPolicy(fatalPolicy) {
	case FatalPolicyContinue, FatalPolicyHalt:
		cfg.IcebergFatalPolicy = FatalPolicy(fatalPolicy)
	default:
		return nil, apperrors.New(apperrors.KindConfigInvalid, "config.Load",
			fmt.Errorf("iceberg-fatal-policy must be %q or %q, got %q", FatalPolicyContinue, FatalPolicyHalt, fatalPolicy))
	}

	return cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RetryBase returns the configured backoff base as a time.Duration.
func (c *Config) RetryBase() time.Duration { return time.Duration(c.IcebergRetryBaseMs) * time.Millisecond }

// RetryMax returns the configured backoff cap as a time.Duration.
func (c *Config) RetryMax() time.Duration { return time.Duration(c.IcebergRetryMaxMs) * time.Millisecond }

// BufferSizeBytes returns the size flush-trigger threshold in bytes.
func (c *Config) BufferSizeBytes() int64 { return int64(c.BufferSizeMB) * 1024 * 1024 }

// BufferTime returns the time flush-trigger threshold as a time.Duration.
func (c *Config) BufferTime() time.Duration { return time.Duration(c.BufferTimeSec) * time.Second }

// RebalanceTimeout returns the worker-shutdown bound during revocation.
func (c *Config) RebalanceTimeout() time.Duration { return time.Duration(c.RebalanceTimeoutSec) * time.Second }
