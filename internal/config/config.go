package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// minPartSize is the S3 minimum for multipart parts (except the last one).
const minPartSize = 5 * 1024 * 1024

// ConflictPolicy decides what to do when the destination already holds an
// object under the same key with a different size than the source.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip      ConflictPolicy = "skip"
	ConflictFail      ConflictPolicy = "fail"
)

// S3Config represents one S3-compatible endpoint plus the bucket to use on it
type S3Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Region    string `yaml:"region" json:"region,omitempty"`
	Secure    bool   `yaml:"secure" json:"secure"`
	Bucket    string `yaml:"bucket" json:"bucket"`
}

// JobConfig is the immutable configuration of one migration job. It is
// snapshotted into the state store when the job is created.
type JobConfig struct {
	Name               string         `yaml:"name" json:"name"`
	Source             S3Config       `yaml:"source" json:"source"`
	Target             S3Config       `yaml:"target" json:"target"`
	Prefix             string         `yaml:"prefix" json:"prefix,omitempty"`
	ExcludePrefixes    []string       `yaml:"exclude_prefixes" json:"exclude_prefixes,omitempty"`
	TargetPrefix       string         `yaml:"target_prefix" json:"target_prefix,omitempty"`
	Workers            int            `yaml:"workers" json:"workers"`
	MultipartThreshold int64          `yaml:"multipart_threshold" json:"multipart_threshold"`
	PartSize           int64          `yaml:"part_size" json:"part_size"`
	Retries            int            `yaml:"retries" json:"retries"`
	RetryBackoffMs     int            `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	DryRun             bool           `yaml:"dry_run" json:"dry_run"`
	OnConflict         ConflictPolicy `yaml:"on_conflict" json:"on_conflict"`
	FailureThreshold   float64        `yaml:"failure_threshold" json:"failure_threshold"`
}

// Config represents the full application configuration
type Config struct {
	Job      JobConfig `yaml:"job"`
	StateDB  string    `yaml:"state_db"`
	Listen   string    `yaml:"listen"`
	LogLevel string    `yaml:"log_level"`
}

// Default returns a Config carrying the engine defaults
func Default() *Config {
	return &Config{
		Job:      DefaultJob(),
		StateDB:  "./state.db",
		Listen:   ":8080",
		LogLevel: "info",
	}
}

// DefaultJob returns a JobConfig with the tuning defaults applied
func DefaultJob() JobConfig {
	return JobConfig{
		Workers:            16,
		MultipartThreshold: 104857600, // 100MB
		PartSize:           67108864,  // 64MB
		Retries:            5,
		RetryBackoffMs:     500,
		OnConflict:         ConflictSkip,
		FailureThreshold:   0.5,
	}
}

// RetryBackoff returns the configured base backoff as a duration
func (j *JobConfig) RetryBackoff() time.Duration {
	return time.Duration(j.RetryBackoffMs) * time.Millisecond
}

// Normalize fills derived fields. Tuning defaults are never applied here:
// they are seeded via DefaultJob before user input is merged, so an explicit
// zero (retries: 0, failure_threshold: 0) stays a zero.
func (j *JobConfig) Normalize() {
	if j.Target.Bucket == "" {
		j.Target.Bucket = j.Source.Bucket
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := LoadServer(configFile, flags)
	if err != nil {
		return nil, err
	}

	if err := cfg.Job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadServer loads configuration without requiring a job section. The
// control-plane daemon receives its job configs over the API.
func LoadServer(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		loadFromFlags(cfg, flags)
	}

	cfg.Job.Normalize()
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("name") {
		cfg.Job.Name, _ = flags.GetString("name")
	}

	if flags.Changed("src-endpoint") {
		cfg.Job.Source.Endpoint, _ = flags.GetString("src-endpoint")
	}
	if flags.Changed("src-access-key") {
		cfg.Job.Source.AccessKey, _ = flags.GetString("src-access-key")
	}
	if flags.Changed("src-secret-key") {
		cfg.Job.Source.SecretKey, _ = flags.GetString("src-secret-key")
	}
	if flags.Changed("src-region") {
		cfg.Job.Source.Region, _ = flags.GetString("src-region")
	}
	if flags.Changed("src-secure") {
		cfg.Job.Source.Secure, _ = flags.GetBool("src-secure")
	}
	if flags.Changed("src-bucket") {
		cfg.Job.Source.Bucket, _ = flags.GetString("src-bucket")
	}

	if flags.Changed("dst-endpoint") {
		cfg.Job.Target.Endpoint, _ = flags.GetString("dst-endpoint")
	}
	if flags.Changed("dst-access-key") {
		cfg.Job.Target.AccessKey, _ = flags.GetString("dst-access-key")
	}
	if flags.Changed("dst-secret-key") {
		cfg.Job.Target.SecretKey, _ = flags.GetString("dst-secret-key")
	}
	if flags.Changed("dst-secure") {
		cfg.Job.Target.Secure, _ = flags.GetBool("dst-secure")
	}
	if flags.Changed("dst-bucket") {
		cfg.Job.Target.Bucket, _ = flags.GetString("dst-bucket")
	}
	if flags.Changed("dst-prefix") {
		cfg.Job.TargetPrefix, _ = flags.GetString("dst-prefix")
	}

	if flags.Changed("prefix") {
		cfg.Job.Prefix, _ = flags.GetString("prefix")
	}
	if flags.Changed("exclude-prefix") {
		cfg.Job.ExcludePrefixes, _ = flags.GetStringSlice("exclude-prefix")
	}
	if flags.Changed("workers") {
		cfg.Job.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("multipart-threshold") {
		cfg.Job.MultipartThreshold, _ = flags.GetInt64("multipart-threshold")
	}
	if flags.Changed("part-size") {
		cfg.Job.PartSize, _ = flags.GetInt64("part-size")
	}
	if flags.Changed("retries") {
		cfg.Job.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Job.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("dry-run") {
		cfg.Job.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("on-conflict") {
		policy, _ := flags.GetString("on-conflict")
		cfg.Job.OnConflict = ConflictPolicy(policy)
	}
	if flags.Changed("failure-threshold") {
		cfg.Job.FailureThreshold, _ = flags.GetFloat64("failure-threshold")
	}

	if flags.Changed("state-db") {
		cfg.StateDB, _ = flags.GetString("state-db")
	}
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
}

// Validate checks the JobConfig invariants. A job whose config fails
// validation is rejected before anything is persisted.
func (j *JobConfig) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}

	if j.Source.Endpoint == "" {
		return fmt.Errorf("source endpoint is required")
	}
	if j.Source.AccessKey == "" {
		return fmt.Errorf("source access key is required")
	}
	if j.Source.SecretKey == "" {
		return fmt.Errorf("source secret key is required")
	}
	if j.Source.Bucket == "" {
		return fmt.Errorf("source bucket is required")
	}

	if j.Target.Endpoint == "" {
		return fmt.Errorf("target endpoint is required")
	}
	if j.Target.AccessKey == "" {
		return fmt.Errorf("target access key is required")
	}
	if j.Target.SecretKey == "" {
		return fmt.Errorf("target secret key is required")
	}

	if j.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}

	if j.PartSize < minPartSize {
		return fmt.Errorf("part size must be at least 5MB")
	}
	if j.MultipartThreshold < j.PartSize {
		return fmt.Errorf("multipart threshold must be at least the part size")
	}

	if j.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if j.RetryBackoffMs <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}

	switch j.OnConflict {
	case ConflictOverwrite, ConflictSkip, ConflictFail:
	default:
		return fmt.Errorf("on_conflict must be one of overwrite, skip, fail (got %q)", j.OnConflict)
	}

	if j.FailureThreshold < 0 || j.FailureThreshold > 1 {
		return fmt.Errorf("failure threshold must be a fraction between 0 and 1")
	}

	for _, p := range j.ExcludePrefixes {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("exclude prefixes must not be empty")
		}
	}

	return nil
}
