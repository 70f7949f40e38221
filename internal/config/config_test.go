package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64<<10, cfg.Hash.BlockSize)
	assert.Equal(t, int64(256<<30), cfg.Upload.MaxFileSize)
	assert.Equal(t, 24*time.Hour, cfg.Quota.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.Quota.Buffer)
	assert.Equal(t, CostConfig{List: 1, Update: 50, Upload: 1600, Insert: 50}, cfg.Quota.Costs)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Upload, cfg.Upload)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediaup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state:
  dir: /var/lib/mediaup
upload:
  privacy: unlisted
  retry_initial: 30s
  extensions: [.mp4, .mkv]
quota:
  daily_limit: 20000
gcs:
  bucket: media-archive
`), 0o644))

	t.Setenv("MEDIAUP_QUOTA_DAILY_LIMIT", "5000")
	t.Setenv("MEDIAUP_RETRY_MAX", "2h")
	t.Setenv("MEDIAUP_LOG_COMPRESS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mediaup", cfg.State.Dir)
	assert.Equal(t, "/var/lib/mediaup/journal.db", cfg.State.JournalPath())
	assert.Equal(t, "unlisted", cfg.Upload.Privacy)
	assert.Equal(t, 30*time.Second, cfg.Upload.RetryInitial)
	assert.Equal(t, 2*time.Hour, cfg.Upload.RetryMax)
	assert.Equal(t, []string{".mp4", ".mkv"}, cfg.Upload.Extensions)
	assert.Equal(t, 5000, cfg.Quota.DailyLimit)
	assert.Equal(t, "media-archive", cfg.GCS.Bucket)
	assert.True(t, cfg.Log.Compress)
	// untouched sections keep their defaults
	assert.Equal(t, 50, cfg.Quota.PageSize)
}

func TestEnvList(t *testing.T) {
	t.Setenv("MEDIAUP_EXTENSIONS", ".mp4, .webm,")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{".mp4", ".webm"}, cfg.Upload.Extensions)
}

func TestEnvBadValue(t *testing.T) {
	t.Setenv("MEDIAUP_POLL_INTERVAL", "soon")
	_, err := Load("")
	require.ErrorContains(t, err, "MEDIAUP_POLL_INTERVAL")
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upload: [unclosed"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero block size", func(c *Config) { c.Hash.BlockSize = 0 }, "block_size"},
		{"zero cooldown", func(c *Config) { c.Quota.Cooldown = 0 }, "quota.cooldown"},
		{"negative buffer", func(c *Config) { c.Quota.Buffer = -time.Minute }, "quota.buffer"},
		{"privacy", func(c *Config) { c.Upload.Privacy = "secret" }, "upload.privacy"},
		{"extension without dot", func(c *Config) { c.Upload.Extensions = []string{"mp4"} }, "start with a dot"},
		{"uppercase extension", func(c *Config) { c.Upload.Extensions = []string{".MP4"} }, "lowercase"},
		{"nested processed dir", func(c *Config) { c.Upload.ProcessedDir = "a/b" }, "processed_dir"},
		{"page size", func(c *Config) { c.Quota.PageSize = 51 }, "page_size"},
		{"retry bounds", func(c *Config) { c.Upload.RetryMax = time.Second }, "retry_max"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Hash.BlockSize = -1
	cfg.Upload.Privacy = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block_size")
	assert.Contains(t, err.Error(), "upload.privacy")
}
