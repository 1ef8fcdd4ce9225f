package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/claims/ingest/internal/platform/db"
)

// Intake source kinds.
const (
	SourceLocalFS = "localfs"
	SourceAzBlob  = "azblob"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	IntakeSource          string `mapstructure:"INTAKE_SOURCE"`
	ReadyDir              string `mapstructure:"READY_DIR"`
	InflightDir           string `mapstructure:"INFLIGHT_DIR"`
	DoneDir               string `mapstructure:"DONE_DIR"`
	ErrorDir              string `mapstructure:"ERROR_DIR"`
	IntakeOwner           string `mapstructure:"INTAKE_OWNER"`
	AzureConnectionString string `mapstructure:"AZURE_STORAGE_CONNECTION_STRING"`
	AzureContainer        string `mapstructure:"AZURE_CONTAINER"`

	Workers            int           `mapstructure:"WORKERS"`
	PollInterval       time.Duration `mapstructure:"POLL_INTERVAL"`
	SizeThresholdBytes int64         `mapstructure:"SIZE_THRESHOLD_BYTES"`
	FileTimeout        time.Duration `mapstructure:"FILE_TIMEOUT"`
	MaxAttempts        int           `mapstructure:"MAX_ATTEMPTS"`
	RetryBaseDelay     time.Duration `mapstructure:"RETRY_BASE_DELAY"`

	RefdataBootstrap  bool   `mapstructure:"REFDATA_BOOTSTRAP"`
	RefdataAutoInsert bool   `mapstructure:"REFDATA_AUTO_INSERT"`
	RefdataDir        string `mapstructure:"REFDATA_DIR"`
	RefdataStrict     bool   `mapstructure:"REFDATA_STRICT"`
}

var keys = []string{
	"ENV", "PORT", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"INTAKE_SOURCE", "READY_DIR", "INFLIGHT_DIR", "DONE_DIR", "ERROR_DIR", "INTAKE_OWNER",
	"AZURE_STORAGE_CONNECTION_STRING", "AZURE_CONTAINER",
	"WORKERS", "POLL_INTERVAL", "SIZE_THRESHOLD_BYTES", "FILE_TIMEOUT", "MAX_ATTEMPTS", "RETRY_BASE_DELAY",
	"REFDATA_BOOTSTRAP", "REFDATA_AUTO_INSERT", "REFDATA_DIR", "REFDATA_STRICT",
}

// Load reads .env (if present) and the environment. It does not validate;
// commands call Validate once they know which settings they need.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_SCHEMA", db.DefaultSchema)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("INTAKE_SOURCE", SourceLocalFS)
	v.SetDefault("READY_DIR", "data/ready")
	v.SetDefault("INFLIGHT_DIR", "data/inflight")
	v.SetDefault("DONE_DIR", "data/done")
	v.SetDefault("ERROR_DIR", "data/error")
	v.SetDefault("AZURE_CONTAINER", "claims")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("SIZE_THRESHOLD_BYTES", 8<<20)
	v.SetDefault("FILE_TIMEOUT", "5m")
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "2s")
	v.SetDefault("REFDATA_BOOTSTRAP", false)
	v.SetDefault("REFDATA_AUTO_INSERT", true)
	v.SetDefault("REFDATA_DIR", "refdata")
	v.SetDefault("REFDATA_STRICT", false)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings needed to run the ingestion service.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !db.ValidSchema(c.DBSchema) {
		return fmt.Errorf("DB_SCHEMA %q is not a valid identifier", c.DBSchema)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	switch c.IntakeSource {
	case SourceLocalFS:
		if c.ReadyDir == "" || c.InflightDir == "" || c.DoneDir == "" || c.ErrorDir == "" {
			return fmt.Errorf("READY_DIR, INFLIGHT_DIR, DONE_DIR and ERROR_DIR are required for the localfs source")
		}
	case SourceAzBlob:
		if c.AzureConnectionString == "" {
			return fmt.Errorf("AZURE_STORAGE_CONNECTION_STRING is required for the azblob source")
		}
		if c.AzureContainer == "" {
			return fmt.Errorf("AZURE_CONTAINER is required for the azblob source")
		}
	default:
		return fmt.Errorf("INTAKE_SOURCE must be %q or %q, got %q", SourceLocalFS, SourceAzBlob, c.IntakeSource)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.PollInterval <= 0 || c.FileTimeout <= 0 {
		return fmt.Errorf("POLL_INTERVAL and FILE_TIMEOUT must be positive")
	}
	if c.SizeThresholdBytes < 0 {
		return fmt.Errorf("SIZE_THRESHOLD_BYTES must not be negative")
	}
	if c.RefdataBootstrap && c.RefdataDir == "" {
		return fmt.Errorf("REFDATA_DIR is required when REFDATA_BOOTSTRAP is true")
	}
	return nil
}
