package config

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Development key material. These values are public and only ever used
// when ENV=development and the corresponding setting is empty.
const (
	devPHIKey      = "6465762d7068692d6b65792d646f2d6e6f742d7573652d696e2d70726f642121"
	devBlindSalt   = "6465762d626c696e642d696e6465782d73616c74"
	devSigningSeed = "6465762d7369676e696e672d736565642d646f2d6e6f742d7573652d70726f64"
	devJWTSecret   = "dev-jwt-secret-do-not-use-in-production"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`

	PHIEncryptionKey string `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIKeyVersion    int    `mapstructure:"PHI_KEY_VERSION"`
	PHIPreviousKeys  string `mapstructure:"PHI_PREVIOUS_KEYS"`
	BlindIndexSalt   string `mapstructure:"BLIND_INDEX_SALT"`
	SigningSeed      string `mapstructure:"SIGNING_SEED"`

	ArchiveBackend string `mapstructure:"ARCHIVE_BACKEND"`
	ArchivePath    string `mapstructure:"ARCHIVE_PATH"`
	IPFSURL        string `mapstructure:"IPFS_URL"`
	ArchiveSeal    bool   `mapstructure:"ARCHIVE_SEAL"`

	LedgerBackend string        `mapstructure:"LEDGER_BACKEND"`
	LedgerPath    string        `mapstructure:"LEDGER_PATH"`
	AnchorTimeout time.Duration `mapstructure:"ANCHOR_TIMEOUT"`

	AuditCheckpointInterval time.Duration `mapstructure:"AUDIT_CHECKPOINT_INTERVAL"`
	AuditCheckpointBatch    int           `mapstructure:"AUDIT_CHECKPOINT_BATCH"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"AUTH_JWT_SECRET", "AUTH_ISSUER",
	"PHI_ENCRYPTION_KEY", "PHI_KEY_VERSION", "PHI_PREVIOUS_KEYS", "BLIND_INDEX_SALT", "SIGNING_SEED",
	"ARCHIVE_BACKEND", "ARCHIVE_PATH", "IPFS_URL", "ARCHIVE_SEAL",
	"LEDGER_BACKEND", "LEDGER_PATH", "ANCHOR_TIMEOUT",
	"AUDIT_CHECKPOINT_INTERVAL", "AUDIT_CHECKPOINT_BATCH",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads the environment and an optional .env file in the working
// directory. Development secrets are filled in here, so callers should log
// DevSecrets() when it is non-empty.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("PHI_KEY_VERSION", 1)
	v.SetDefault("ARCHIVE_BACKEND", "memory")
	v.SetDefault("ARCHIVE_PATH", "data/archive")
	v.SetDefault("IPFS_URL", "http://127.0.0.1:5001")
	v.SetDefault("ARCHIVE_SEAL", true)
	v.SetDefault("LEDGER_BACKEND", "memory")
	v.SetDefault("LEDGER_PATH", "data/ledger")
	v.SetDefault("ANCHOR_TIMEOUT", "5s")
	v.SetDefault("AUDIT_CHECKPOINT_INTERVAL", "0s")
	v.SetDefault("AUDIT_CHECKPOINT_BATCH", 500)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is normal outside local development.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.ArchiveBackend = strings.ToLower(cfg.ArchiveBackend)
	cfg.LedgerBackend = strings.ToLower(cfg.LedgerBackend)

	cfg.applyDevDefaults()
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// applyDevDefaults fills empty secrets with the public development values.
func (c *Config) applyDevDefaults() {
	if !c.IsDev() {
		return
	}
	if c.PHIEncryptionKey == "" {
		c.PHIEncryptionKey = devPHIKey
	}
	if c.BlindIndexSalt == "" {
		c.BlindIndexSalt = devBlindSalt
	}
	if c.SigningSeed == "" {
		c.SigningSeed = devSigningSeed
	}
	if c.AuthJWTSecret == "" {
		c.AuthJWTSecret = devJWTSecret
	}
}

// DevSecrets lists the settings currently holding development values.
func (c *Config) DevSecrets() []string {
	var out []string
	for name, val := range map[string][2]string{
		"PHI_ENCRYPTION_KEY": {c.PHIEncryptionKey, devPHIKey},
		"BLIND_INDEX_SALT":   {c.BlindIndexSalt, devBlindSalt},
		"SIGNING_SEED":       {c.SigningSeed, devSigningSeed},
		"AUTH_JWT_SECRET":    {c.AuthJWTSecret, devJWTSecret},
	} {
		if val[0] == val[1] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LogLevelOrDefault parses LOG_LEVEL, falling back to info.
func (c *Config) LogLevelOrDefault() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Outside
// development every secret must be set explicitly and none may be a
// development value.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"memory\" or \"postgres\", got %q", c.StoreBackend)
	}

	switch c.ArchiveBackend {
	case "memory":
	case "leveldb":
		if c.ArchivePath == "" {
			return fmt.Errorf("ARCHIVE_PATH is required when ARCHIVE_BACKEND is leveldb")
		}
	case "ipfs":
		if c.IPFSURL == "" {
			return fmt.Errorf("IPFS_URL is required when ARCHIVE_BACKEND is ipfs")
		}
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be \"memory\", \"leveldb\" or \"ipfs\", got %q", c.ArchiveBackend)
	}

	switch c.LedgerBackend {
	case "memory":
	case "leveldb":
		if c.LedgerPath == "" {
			return fmt.Errorf("LEDGER_PATH is required when LEDGER_BACKEND is leveldb")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be \"memory\" or \"leveldb\", got %q", c.LedgerBackend)
	}

	if err := checkHex("PHI_ENCRYPTION_KEY", c.PHIEncryptionKey, 32, 32); err != nil {
		return err
	}
	if c.PHIKeyVersion < 1 {
		return fmt.Errorf("PHI_KEY_VERSION must be at least 1, got %d", c.PHIKeyVersion)
	}
	if err := checkHex("BLIND_INDEX_SALT", c.BlindIndexSalt, 16, 0); err != nil {
		return err
	}
	if err := checkHex("SIGNING_SEED", c.SigningSeed, 32, 32); err != nil {
		return err
	}
	if c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	if c.IsProduction() {
		if dev := c.DevSecrets(); len(dev) > 0 {
			return fmt.Errorf("development secrets are not allowed in production: %s", strings.Join(dev, ", "))
		}
	}

	if c.AnchorTimeout <= 0 {
		return fmt.Errorf("ANCHOR_TIMEOUT must be positive, got %s", c.AnchorTimeout)
	}
	if c.AuditCheckpointInterval < 0 {
		return fmt.Errorf("AUDIT_CHECKPOINT_INTERVAL must not be negative")
	}
	if c.AuditCheckpointBatch < 1 {
		return fmt.Errorf("AUDIT_CHECKPOINT_BATCH must be at least 1, got %d", c.AuditCheckpointBatch)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// checkHex decodes s and checks its byte length against [lo, hi]. A zero hi
// means unbounded.
func checkHex(name, s string, lo, hi int) error {
	if s == "" {
		return fmt.Errorf("%s is required", name)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(b) < lo || (hi > 0 && len(b) > hi) {
		if lo == hi {
			return fmt.Errorf("%s must be %d bytes (%d hex chars), got %d bytes", name, lo, lo*2, len(b))
		}
		return fmt.Errorf("%s must be at least %d bytes, got %d bytes", name, lo, len(b))
	}
	return nil
}
