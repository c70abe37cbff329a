package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

type TableConfig struct {
	Table       string `yaml:"table"`
	KeyColumn   string `yaml:"key_column"`
	TitleColumn string `yaml:"title_column"`
	LinkColumn  string `yaml:"link_column"`
}

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Cache struct {
		BatchSize      int    `yaml:"batch_size"`
		ForeverHorizon string `yaml:"forever_horizon"`
		Workers        int    `yaml:"workers"`
	} `yaml:"cache"`
	Rebuild struct {
		Schedule    string        `yaml:"schedule"`
		LockTTL     time.Duration `yaml:"lock_ttl"`
		MaxAttempts int           `yaml:"max_attempts"`
		PollTimeout time.Duration `yaml:"poll_timeout"`
	} `yaml:"rebuild"`
	Resources struct {
		VisibleTypes []string               `yaml:"visible_types"`
		VisiblePages []string               `yaml:"visible_pages"`
		Tables       map[string]TableConfig `yaml:"tables"`
	} `yaml:"resources"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":9464"
	cfg.Redis.URL = "redis://127.0.0.1:6379/0"
	cfg.Cache.BatchSize = 100
	cfg.Cache.ForeverHorizon = "2037-12-31"
	cfg.Cache.Workers = 1
	cfg.Rebuild.Schedule = "@daily"
	cfg.Rebuild.LockTTL = 10 * time.Minute
	cfg.Rebuild.MaxAttempts = 3
	cfg.Rebuild.PollTimeout = 5 * time.Second
	cfg.Resources.VisibleTypes = []string{"folder", "file", "page", "link", "video"}
	cfg.Resources.VisiblePages = []string{"folder", "page", "link"}
	cfg.Resources.Tables = map[string]TableConfig{
		"folder": {Table: "folders", KeyColumn: "folder_id", TitleColumn: "title", LinkColumn: "url"},
		"file":   {Table: "files", KeyColumn: "file_id", TitleColumn: "title", LinkColumn: "path"},
		"page":   {Table: "pages", KeyColumn: "page_id", TitleColumn: "title", LinkColumn: "path"},
		"link":   {Table: "links", KeyColumn: "link_id", TitleColumn: "title", LinkColumn: "url"},
		"video":  {Table: "videos", KeyColumn: "video_id", TitleColumn: "title", LinkColumn: "path"},
	}
	cfg.Log.Level = "info"
	cfg.Log.Format = "auto"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	if err := loadEnvFile(); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)

	if cfg.Database.DSN == "" {
		return cfg, errors.New("missing database.dsn (or AC_DB_DSN)")
	}
	if _, err := cfg.Horizon(); err != nil {
		return cfg, err
	}
	if cfg.Cache.BatchSize <= 0 {
		return cfg, fmt.Errorf("cache.batch_size must be positive, got %d", cfg.Cache.BatchSize)
	}
	return cfg, nil
}

// Horizon is the end date given to open-ended grants.
func (c Config) Horizon() (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(c.Cache.ForeverHorizon))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cache.forever_horizon %q: %w", c.Cache.ForeverHorizon, err)
	}
	return t, nil
}

// ResourceTypes lists the configured resource types in name order.
func (c Config) ResourceTypes() []string {
	out := make([]string, 0, len(c.Resources.Tables))
	for t := range c.Resources.Tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// loadEnvFile exports the variables of AC_ENV_FILE, or of ./.env when it
// exists. Variables already set in the environment win.
func loadEnvFile() error {
	if path := os.Getenv("AC_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("AC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AC_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AC_CACHE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.BatchSize = n
		}
	}
	if v := os.Getenv("AC_CACHE_FOREVER_HORIZON"); v != "" {
		cfg.Cache.ForeverHorizon = v
	}
	if v := os.Getenv("AC_CACHE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Workers = n
		}
	}
	if v := os.Getenv("AC_REBUILD_SCHEDULE"); v != "" {
		cfg.Rebuild.Schedule = v
	}
	if v := os.Getenv("AC_REBUILD_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rebuild.LockTTL = d
		}
	}
	if v := os.Getenv("AC_REBUILD_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Rebuild.MaxAttempts = n
		}
	}
	if v := os.Getenv("AC_REBUILD_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rebuild.PollTimeout = d
		}
	}
	if v := os.Getenv("AC_VISIBLE_TYPES"); v != "" {
		cfg.Resources.VisibleTypes = splitCSV(v)
	}
	if v := os.Getenv("AC_VISIBLE_PAGES"); v != "" {
		cfg.Resources.VisiblePages = splitCSV(v)
	}
	if v := os.Getenv("AC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("AC_LOG_DEBUG"); v != "" && parseBool(v, false) {
		cfg.Log.Level = "debug"
	}
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
