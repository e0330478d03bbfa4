package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	RedisURL         string        `mapstructure:"REDIS_URL"`
	ProcessorLockTTL time.Duration `mapstructure:"PROCESSOR_LOCK_TTL"`
	NATSURL          string        `mapstructure:"NATS_URL"`
	NATSSubject      string        `mapstructure:"NATS_SUBJECT"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`

	ProcessInterval            time.Duration `mapstructure:"HL7_PROCESS_INTERVAL"`
	CycleTimeout               time.Duration `mapstructure:"HL7_CYCLE_TIMEOUT"`
	ClaimLease                 time.Duration `mapstructure:"HL7_CLAIM_LEASE"`
	ArchiveMaxAge              time.Duration `mapstructure:"HL7_ARCHIVE_MAX_AGE"`
	SweepInterval              time.Duration `mapstructure:"HL7_SWEEP_INTERVAL"`
	ArchiveProcessedWithErrors bool          `mapstructure:"HL7_ARCHIVE_PROCESSED_WITH_ERRORS"`
	AllowedVersions            []string      `mapstructure:"HL7_ALLOWED_VERSIONS"`
	MaxBody                    string        `mapstructure:"HL7_MAX_BODY"`
	ArchiveDir                 string        `mapstructure:"HL7_ARCHIVE_DIR"`
	IngestRPS                  float64       `mapstructure:"HL7_INGEST_RPS"`
	IngestBurst                int           `mapstructure:"HL7_INGEST_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "PROCESSOR_LOCK_TTL", "NATS_URL", "NATS_SUBJECT",
	"AUTH_JWT_SECRET", "AUTH_JWKS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"HL7_PROCESS_INTERVAL", "HL7_CYCLE_TIMEOUT", "HL7_CLAIM_LEASE",
	"HL7_ARCHIVE_MAX_AGE", "HL7_SWEEP_INTERVAL", "HL7_ARCHIVE_PROCESSED_WITH_ERRORS",
	"HL7_ALLOWED_VERSIONS", "HL7_MAX_BODY", "HL7_ARCHIVE_DIR",
	"HL7_INGEST_RPS", "HL7_INGEST_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("PROCESSOR_LOCK_TTL", "30s")
	v.SetDefault("NATS_SUBJECT", "hl7.inbound")
	v.SetDefault("HL7_PROCESS_INTERVAL", "5s")
	v.SetDefault("HL7_CYCLE_TIMEOUT", "30s")
	v.SetDefault("HL7_CLAIM_LEASE", "5m")
	v.SetDefault("HL7_ARCHIVE_MAX_AGE", "720h")
	v.SetDefault("HL7_SWEEP_INTERVAL", "1h")
	v.SetDefault("HL7_ARCHIVE_PROCESSED_WITH_ERRORS", false)
	v.SetDefault("HL7_MAX_BODY", "1M")
	v.SetDefault("HL7_INGEST_RPS", 100)
	v.SetDefault("HL7_INGEST_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AllowedVersions = splitList(strings.Join(cfg.AllowedVersions, ","))

	if cfg.StoreDriver == StoreDriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether API requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.AuthJWTSecret != "" || c.AuthJWKSURL != ""
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. A claim must
// outlive the handler deadline or a slow handler's entry could be claimed
// a second time while the first run is still going.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.StoreDriver == StoreDriverMemory && c.IsProduction() {
		return fmt.Errorf("STORE_DRIVER %q is not allowed in production", StoreDriverMemory)
	}
	if c.IsProduction() && !c.AuthEnabled() {
		return fmt.Errorf("AUTH_JWT_SECRET or AUTH_JWKS_URL is required in production")
	}
	if c.AuthJWTSecret != "" && c.AuthJWKSURL != "" {
		return fmt.Errorf("set only one of AUTH_JWT_SECRET and AUTH_JWKS_URL")
	}

	if c.CycleTimeout <= 0 {
		return fmt.Errorf("HL7_CYCLE_TIMEOUT must be positive, got %s", c.CycleTimeout)
	}
	if c.ClaimLease <= c.CycleTimeout {
		return fmt.Errorf("HL7_CLAIM_LEASE (%s) must exceed HL7_CYCLE_TIMEOUT (%s)", c.ClaimLease, c.CycleTimeout)
	}
	if c.ProcessInterval < 0 {
		return fmt.Errorf("HL7_PROCESS_INTERVAL must not be negative, got %s", c.ProcessInterval)
	}
	if c.SweepInterval <= 0 && c.ArchiveMaxAge > 0 {
		return fmt.Errorf("HL7_SWEEP_INTERVAL must be positive when HL7_ARCHIVE_MAX_AGE is set")
	}

	if c.RedisURL != "" && c.ProcessorLockTTL < time.Second {
		return fmt.Errorf("PROCESSOR_LOCK_TTL must be at least 1s, got %s", c.ProcessorLockTTL)
	}

	if c.IngestRPS < 0 || c.IngestBurst < 0 {
		return fmt.Errorf("HL7_INGEST_RPS and HL7_INGEST_BURST must not be negative")
	}

	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("NATS_SUBJECT is required when NATS_URL is set")
	}

	return nil
}
