// Package config loads mediaup settings: built-in defaults, then an optional
// YAML file, then MEDIAUP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "MEDIAUP_"

var PrivacySettings = []string{"private", "unlisted", "public"}

type Config struct {
	State   StateConfig   `yaml:"state"`
	Hash    HashConfig    `yaml:"hash"`
	Upload  UploadConfig  `yaml:"upload"`
	FileOps FileOpsConfig `yaml:"file_ops"`
	Quota   QuotaConfig   `yaml:"quota"`
	Watch   WatchConfig   `yaml:"watch"`
	GCS     GCSConfig     `yaml:"gcs"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
}

type StateConfig struct {
	Dir             string        `yaml:"dir" env:"STATE_DIR"`
	Journal         string        `yaml:"journal" env:"JOURNAL"` // empty: <dir>/journal.db
	PersistAttempts int           `yaml:"persist_attempts" env:"PERSIST_ATTEMPTS"`
	PersistDelay    time.Duration `yaml:"persist_delay" env:"PERSIST_DELAY"`
}

// JournalPath returns the sqlite journal location.
func (s StateConfig) JournalPath() string {
	if s.Journal != "" {
		return s.Journal
	}
	return filepath.Join(s.Dir, "journal.db")
}

type HashConfig struct {
	BlockSize int `yaml:"block_size" env:"HASH_BLOCK_SIZE"`
}

type UploadConfig struct {
	MaxFileSize  int64         `yaml:"max_file_size" env:"MAX_FILE_SIZE"`
	Extensions   []string      `yaml:"extensions" env:"EXTENSIONS"`
	ProcessedDir string        `yaml:"processed_dir" env:"PROCESSED_DIR"`
	CollectionID string        `yaml:"collection_id" env:"COLLECTION_ID"`
	Privacy      string        `yaml:"privacy" env:"PRIVACY"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryInitial time.Duration `yaml:"retry_initial" env:"RETRY_INITIAL"`
	RetryMax     time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
}

type FileOpsConfig struct {
	MoveAttempts int           `yaml:"move_attempts" env:"MOVE_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"MOVE_INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MOVE_MAX_DELAY"`
}

type QuotaConfig struct {
	Cooldown   time.Duration `yaml:"cooldown" env:"QUOTA_COOLDOWN"`
	Buffer     time.Duration `yaml:"buffer" env:"QUOTA_BUFFER"`
	DailyLimit int           `yaml:"daily_limit" env:"QUOTA_DAILY_LIMIT"`
	PageSize   int           `yaml:"page_size" env:"PAGE_SIZE"`
	Costs      CostConfig    `yaml:"costs"`
}

type CostConfig struct {
	List   int `yaml:"list" env:"COST_LIST"`
	Update int `yaml:"update" env:"COST_UPDATE"`
	Upload int `yaml:"upload" env:"COST_UPLOAD"`
	Insert int `yaml:"insert" env:"COST_INSERT"`
}

type WatchConfig struct {
	Folder       string        `yaml:"folder" env:"WATCH_FOLDER"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// Settle is how long a new file must go unmodified before it is picked up.
	Settle time.Duration `yaml:"settle" env:"WATCH_SETTLE"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket" env:"GCS_BUCKET"`
	Prefix          string `yaml:"prefix" env:"GCS_PREFIX"`
	CredentialsFile string `yaml:"credentials_file" env:"GCS_CREDENTIALS"`
	Endpoint        string `yaml:"endpoint" env:"GCS_ENDPOINT"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"` // console or json
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"LOG_COMPRESS"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"` // empty disables the status server
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mediaup")
	}
	return ".mediaup"
}

func Default() Config {
	return Config{
		State: StateConfig{
			Dir:             defaultStateDir(),
			PersistAttempts: 3,
			PersistDelay:    200 * time.Millisecond,
		},
		Hash: HashConfig{BlockSize: 64 << 10},
		Upload: UploadConfig{
			MaxFileSize:  256 << 30,
			Extensions:   []string{".mp4", ".mov", ".avi"},
			ProcessedDir: "Uploaded",
			Privacy:      "private",
			MaxAttempts:  3,
			RetryInitial: time.Minute,
			RetryMax:     time.Hour,
		},
		FileOps: FileOpsConfig{
			MoveAttempts: 5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		Quota: QuotaConfig{
			Cooldown:   24 * time.Hour,
			Buffer:     5 * time.Minute,
			DailyLimit: 10000,
			PageSize:   50,
			Costs:      CostConfig{List: 1, Update: 50, Upload: 1600, Insert: 50},
		},
		Watch: WatchConfig{
			PollInterval: 30 * time.Second,
			Settle:       2 * time.Second,
		},
		GCS: GCSConfig{Prefix: "mediaup"},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load builds the configuration. A missing file at path is not an error so
// an unconfigured first run works on defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(reflect.ValueOf(&cfg).Elem()); err != nil {
		return cfg, fmt.Errorf("config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv sets every field tagged env:"X" from MEDIAUP_X when that variable
// is set.
func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		ft := t.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		tag := ft.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(EnvPrefix + tag)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, tag, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, raw string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.Kind() == reflect.Int, field.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var vals []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				vals = append(vals, s)
			}
		}
		field.Set(reflect.ValueOf(vals))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.State.Dir == "" {
		bad("state.dir is required")
	}
	if c.State.PersistAttempts < 1 {
		bad("state.persist_attempts must be at least 1")
	}
	if c.Hash.BlockSize <= 0 {
		bad("hash.block_size must be positive")
	}

	u := c.Upload
	if u.MaxFileSize <= 0 {
		bad("upload.max_file_size must be positive")
	}
	if len(u.Extensions) == 0 {
		bad("upload.extensions must not be empty")
	}
	for _, ext := range u.Extensions {
		if !strings.HasPrefix(ext, ".") {
			bad("extension %q must start with a dot", ext)
		}
		if ext != strings.ToLower(ext) {
			bad("extension %q must be lowercase", ext)
		}
	}
	if u.ProcessedDir == "" || strings.ContainsAny(u.ProcessedDir, `/\`) {
		bad("upload.processed_dir must be a plain folder name")
	}
	if !slices.Contains(PrivacySettings, u.Privacy) {
		bad("upload.privacy must be one of %v", PrivacySettings)
	}
	if u.MaxAttempts < 1 {
		bad("upload.max_attempts must be at least 1")
	}
	if u.RetryInitial <= 0 {
		bad("upload.retry_initial must be positive")
	}
	if u.RetryMax < u.RetryInitial {
		bad("upload.retry_max must not be below upload.retry_initial")
	}

	if c.FileOps.MoveAttempts < 1 {
		bad("file_ops.move_attempts must be at least 1")
	}
	if c.FileOps.InitialDelay < 0 || c.FileOps.MaxDelay < 0 {
		bad("file_ops delays cannot be negative")
	}

	q := c.Quota
	if q.Cooldown <= 0 {
		bad("quota.cooldown must be positive")
	}
	if q.Buffer < 0 {
		bad("quota.buffer cannot be negative")
	}
	if q.DailyLimit < 0 {
		bad("quota.daily_limit cannot be negative")
	}
	if q.PageSize < 1 || q.PageSize > 50 {
		bad("quota.page_size must be between 1 and 50")
	}
	if q.Costs.List < 0 || q.Costs.Update < 0 || q.Costs.Upload < 0 || q.Costs.Insert < 0 {
		bad("quota.costs cannot be negative")
	}

	if c.Watch.PollInterval <= 0 {
		bad("watch.poll_interval must be positive")
	}
	if c.Watch.Settle < 0 {
		bad("watch.settle cannot be negative")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		bad("log.format must be console or json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
