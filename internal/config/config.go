package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	TrackerURL        string        `mapstructure:"TRACKER_URL"`
	TrackerUsername   string        `mapstructure:"TRACKER_USERNAME"`
	TrackerPassword   string        `mapstructure:"TRACKER_PASSWORD"`
	TrackerTimeout    time.Duration `mapstructure:"TRACKER_TIMEOUT"`
	TargetSystem      string        `mapstructure:"TARGET_SYSTEM"`
	OptionSystem      string        `mapstructure:"OPTION_SYSTEM"`
	SourceSystem      string        `mapstructure:"SOURCE_SYSTEM"`
	PersonLabels      []string      `mapstructure:"PERSON_ENTITY_LABELS"`
	OrgUnitLevel      int           `mapstructure:"ORG_UNIT_LEVEL"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`
	MappingCacheTTL   time.Duration `mapstructure:"MAPPING_CACHE_TTL"`
	SyncInterval      time.Duration `mapstructure:"SYNC_INTERVAL"`
	UIDSource         string        `mapstructure:"UID_SOURCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "TRACKER_URL", "TRACKER_USERNAME", "TRACKER_PASSWORD",
	"TRACKER_TIMEOUT", "TARGET_SYSTEM", "OPTION_SYSTEM", "SOURCE_SYSTEM",
	"PERSON_ENTITY_LABELS", "ORG_UNIT_LEVEL", "WORKER_CONCURRENCY",
	"MAPPING_CACHE_TTL", "SYNC_INTERVAL", "UID_SOURCE", "AUTH_SIGNING_KEY",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "REQUEST_TIMEOUT", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TRACKER_TIMEOUT", "30s")
	v.SetDefault("TARGET_SYSTEM", "DHIS2")
	v.SetDefault("OPTION_SYSTEM", "http://tbl-ecbss.go.ug/options")
	v.SetDefault("SOURCE_SYSTEM", "UgandaEMR")
	v.SetDefault("PERSON_ENTITY_LABELS", "person,case")
	v.SetDefault("ORG_UNIT_LEVEL", 5)
	v.SetDefault("WORKER_CONCURRENCY", 8)
	v.SetDefault("MAPPING_CACHE_TTL", "5m")
	v.SetDefault("SYNC_INTERVAL", "0s")
	v.SetDefault("UID_SOURCE", "local")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "10M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper only splits slices given as YAML lists; env values arrive as one string.
	cfg.PersonLabels = splitList(v.GetString("PERSON_ENTITY_LABELS"))

	if cfg.DatabaseURL == "" && !cfg.IsDev() {
		return nil, fmt.Errorf("DATABASE_URL is required outside development")
	}

	if cfg.IsDev() && cfg.DatabaseURL == "" {
		log.Println("WARNING: DATABASE_URL is empty; mappings are kept in memory and lost on restart.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings the bridge cannot run without.
func (c *Config) Validate() error {
	if c.TrackerURL == "" {
		return fmt.Errorf("TRACKER_URL is required")
	}
	if c.TargetSystem == "" {
		return fmt.Errorf("TARGET_SYSTEM must not be empty")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.UIDSource != "local" && c.UIDSource != "remote" {
		return fmt.Errorf("UID_SOURCE must be \"local\" or \"remote\", got %q", c.UIDSource)
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set outside development")
	}
	return nil
}
