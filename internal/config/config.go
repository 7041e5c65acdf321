package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server  ServerConfig
	DB      DatabaseConfig
	Geocode GeocodeConfig
	Cache   CacheConfig
	Sources SourcesConfig
	Sync    SyncConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string
	URL    string
}

type GeocodeConfig struct {
	Enabled     bool
	URL         string
	UserAgent   string
	MinInterval time.Duration
	Timeout     time.Duration
}

type CacheConfig struct {
	KVURL   string
	KVToken string
	LRUSize int
}

// KVEnabled reports whether the durable key-value cache is configured.
func (c CacheConfig) KVEnabled() bool {
	return c.KVURL != "" && c.KVToken != ""
}

type SourcesConfig struct {
	CaseAPIEnabled      bool
	CaseAPIURL          string
	CaseAPIPageSize     int
	CaseAPILookback     time.Duration
	CaseAPIPollInterval time.Duration
	FeedEnabled         bool
	FeedURL             string
	FeedPollInterval    time.Duration
	BulkPath            string
	FetchTimeout        time.Duration
}

type SyncConfig struct {
	Secret               string
	SchedulerHeader      string
	TrustSchedulerHeader bool
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		DB: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			Path:   getEnv("DB_PATH", "./data/accidents.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Geocode: GeocodeConfig{
			Enabled:     getEnvBool("GEOCODE_ENABLED", true),
			URL:         getEnv("GEOCODE_URL", "https://nominatim.openstreetmap.org/search"),
			UserAgent:   getEnv("GEOCODE_USER_AGENT", "go-aviation-accidents/1.0"),
			MinInterval: getEnvDuration("GEOCODE_MIN_INTERVAL", time.Second),
			Timeout:     getEnvDuration("GEOCODE_TIMEOUT", 10*time.Second),
		},
		Cache: CacheConfig{
			KVURL:   getEnv("KV_REST_API_URL", ""),
			KVToken: getEnv("KV_REST_API_TOKEN", ""),
			LRUSize: getEnvInt("GEOCODE_LRU_SIZE", 1000),
		},
		Sources: SourcesConfig{
			CaseAPIEnabled:      getEnvBool("CASE_API_ENABLED", false),
			CaseAPIURL:          getEnv("CASE_API_URL", "https://data.ntsb.gov/carol-main-public/api/Query/Main"),
			CaseAPIPageSize:     getEnvInt("CASE_API_PAGE_SIZE", 100),
			CaseAPILookback:     getEnvDuration("CASE_API_LOOKBACK", 30*24*time.Hour),
			CaseAPIPollInterval: getEnvDuration("CASE_API_POLL_INTERVAL", 24*time.Hour),
			FeedEnabled:         getEnvBool("FEED_ENABLED", false),
			FeedURL:             getEnv("FEED_URL", "https://www.ntsb.gov/_layouts/ntsb.aviation/rss.aspx"),
			FeedPollInterval:    getEnvDuration("FEED_POLL_INTERVAL", 6*time.Hour),
			BulkPath:            getEnv("BULK_PATH", ""),
			FetchTimeout:        getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		},
		Sync: SyncConfig{
			Secret:               getEnv("SYNC_SECRET", ""),
			SchedulerHeader:      getEnv("SYNC_SCHEDULER_HEADER", "X-Cron-Trigger"),
			TrustSchedulerHeader: getEnvBool("SYNC_TRUST_SCHEDULER_HEADER", false),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid db driver: %s", c.DB.Driver)
	}

	if c.Geocode.MinInterval < 0 {
		return fmt.Errorf("GEOCODE_MIN_INTERVAL must not be negative")
	}
	if c.Geocode.Timeout <= 0 {
		return fmt.Errorf("GEOCODE_TIMEOUT must be positive")
	}
	if c.Cache.LRUSize < 0 {
		return fmt.Errorf("GEOCODE_LRU_SIZE must not be negative")
	}
	if (c.Cache.KVURL == "") != (c.Cache.KVToken == "") {
		return fmt.Errorf("KV_REST_API_URL and KV_REST_API_TOKEN must be set together")
	}

	if c.Sources.CaseAPIPageSize < 1 || c.Sources.CaseAPIPageSize > 1000 {
		return fmt.Errorf("invalid case API page size: %d", c.Sources.CaseAPIPageSize)
	}
	if c.Sources.CaseAPIEnabled && c.Sources.CaseAPIPollInterval < time.Minute {
		return fmt.Errorf("case API poll interval must be at least 1 minute")
	}
	if c.Sources.FeedEnabled && c.Sources.FeedPollInterval < time.Minute {
		return fmt.Errorf("feed poll interval must be at least 1 minute")
	}
	if c.Sources.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
