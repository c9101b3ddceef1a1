package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJob() JobConfig {
	j := DefaultJob()
	j.Name = "photos"
	j.Source = S3Config{
		Endpoint:  "s3.amazonaws.com",
		AccessKey: "src-key",
		SecretKey: "src-secret",
		Bucket:    "photos-prod",
	}
	j.Target = S3Config{
		Endpoint:  "minio.internal:9000",
		AccessKey: "dst-key",
		SecretKey: "dst-secret",
		Bucket:    "photos-archive",
	}
	return j
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobConfig)
		wantErr string
	}{
		{"valid", func(j *JobConfig) {}, ""},
		{"missing name", func(j *JobConfig) { j.Name = "" }, "job name is required"},
		{"missing source endpoint", func(j *JobConfig) { j.Source.Endpoint = "" }, "source endpoint is required"},
		{"missing source bucket", func(j *JobConfig) { j.Source.Bucket = "" }, "source bucket is required"},
		{"missing target secret", func(j *JobConfig) { j.Target.SecretKey = "" }, "target secret key is required"},
		{"zero workers", func(j *JobConfig) { j.Workers = 0 }, "workers must be positive"},
		{"negative workers", func(j *JobConfig) { j.Workers = -4 }, "workers must be positive"},
		{"tiny part size", func(j *JobConfig) { j.PartSize = 1024 }, "part size must be at least 5MB"},
		{"threshold below part size", func(j *JobConfig) {
			j.PartSize = 64 * 1024 * 1024
			j.MultipartThreshold = 32 * 1024 * 1024
		}, "multipart threshold must be at least the part size"},
		{"negative retries", func(j *JobConfig) { j.Retries = -1 }, "retries must not be negative"},
		{"bad conflict policy", func(j *JobConfig) { j.OnConflict = "replace" }, "on_conflict must be one of"},
		{"threshold above one", func(j *JobConfig) { j.FailureThreshold = 1.5 }, "failure threshold must be a fraction"},
		{"blank exclude prefix", func(j *JobConfig) { j.ExcludePrefixes = []string{"  "} }, "exclude prefixes must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			tt.mutate(&j)
			err := j.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDefaultJob(t *testing.T) {
	j := DefaultJob()

	assert.Equal(t, 16, j.Workers)
	assert.Equal(t, int64(104857600), j.MultipartThreshold)
	assert.Equal(t, int64(67108864), j.PartSize)
	assert.Equal(t, 5, j.Retries)
	assert.Equal(t, ConflictSkip, j.OnConflict)
	assert.Equal(t, 0.5, j.FailureThreshold)
}

func TestNormalize(t *testing.T) {
	j := DefaultJob()
	j.Name = "docs"
	j.Source = S3Config{Endpoint: "s3.amazonaws.com", AccessKey: "k", SecretKey: "s", Bucket: "docs"}
	j.Target = S3Config{Endpoint: "minio.internal:9000", AccessKey: "k", SecretKey: "s"}
	j.Normalize()

	assert.Equal(t, "docs", j.Target.Bucket, "target bucket defaults to source bucket")
	assert.NoError(t, j.Validate())

	j.Target.Bucket = "docs-archive"
	j.Normalize()
	assert.Equal(t, "docs-archive", j.Target.Bucket)
}

func TestExplicitZeroTuningPreserved(t *testing.T) {
	yaml := `
job:
  name: strict
  source:
    endpoint: s3.amazonaws.com
    access_key: src-key
    secret_key: src-secret
    bucket: strict
  target:
    endpoint: minio.internal:9000
    access_key: dst-key
    secret_key: dst-secret
  retries: 0
  failure_threshold: 0
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Job.Retries, "retries: 0 means no retries, not the default")
	assert.Equal(t, 0.0, cfg.Job.FailureThreshold, "failure_threshold: 0 disables the threshold")
	// Untouched tuning fields keep their defaults.
	assert.Equal(t, 16, cfg.Job.Workers)

	// The same holds for a zero set through a flag.
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("retries", 5, "")
	require.NoError(t, flags.Set("retries", "0"))

	yaml2 := strings.Replace(yaml, "  retries: 0\n", "", 1)
	path2 := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path2, []byte(yaml2), 0o600))

	cfg, err = Load(path2, flags)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Job.Retries)
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
job:
  name: backups
  source:
    endpoint: s3.amazonaws.com
    access_key: src-key
    secret_key: src-secret
    bucket: backups
  target:
    endpoint: minio.internal:9000
    access_key: dst-key
    secret_key: dst-secret
  prefix: "2024/"
  exclude_prefixes:
    - "2024/tmp/"
  workers: 4
  dry_run: true
state_db: /var/lib/s3migrate/state.db
log_level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "backups", cfg.Job.Name)
	assert.Equal(t, "2024/", cfg.Job.Prefix)
	assert.Equal(t, []string{"2024/tmp/"}, cfg.Job.ExcludePrefixes)
	assert.Equal(t, 4, cfg.Job.Workers)
	assert.True(t, cfg.Job.DryRun)
	assert.Equal(t, "backups", cfg.Job.Target.Bucket)
	assert.Equal(t, "/var/lib/s3migrate/state.db", cfg.StateDB)
	assert.Equal(t, "debug", cfg.LogLevel)
	// File values merge over defaults.
	assert.Equal(t, 5, cfg.Job.Retries)
}

func TestLoadRejectsInvalid(t *testing.T) {
	yaml := `
job:
  name: broken
  workers: 2
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	// The server loader tolerates the missing job section.
	_, err = LoadServer(path, nil)
	assert.NoError(t, err)
}
