package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Model    ModelConfig    `yaml:"model" mapstructure:"model"`
	Decision DecisionConfig `yaml:"decision" mapstructure:"decision"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Scan     ScanConfig     `yaml:"scan" mapstructure:"scan"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
}

// ModelConfig locates the classifier bundle.
type ModelConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	Backend string `yaml:"backend" mapstructure:"backend"` // used when the bundle has no model.yaml
}

// DecisionConfig sets the presence rule.
type DecisionConfig struct {
	Threshold        float64  `yaml:"threshold" mapstructure:"threshold"`
	BackgroundLabels []string `yaml:"background_labels" mapstructure:"background_labels"`
	SomethingLabel   string   `yaml:"something_label" mapstructure:"something_label"`
}

// BatchConfig configures inference batching.
type BatchConfig struct {
	Size     int  `yaml:"size" mapstructure:"size"`
	AutoTune bool `yaml:"auto_tune" mapstructure:"auto_tune"`
	Workers  int  `yaml:"workers" mapstructure:"workers"` // 0 = NumCPU
}

// ScanConfig configures folder listing.
type ScanConfig struct {
	Recursive  bool     `yaml:"recursive" mapstructure:"recursive"`
	Extensions []string `yaml:"extensions" mapstructure:"extensions"`
}

// CacheConfig configures the result cache backend.
type CacheConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"` // sqlite file; empty = user config dir
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"` // postgres pool
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "trapscan"))
	}

	// Environment
	v.SetEnvPrefix("TRAPSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("model.dir", "models")
	v.SetDefault("model.backend", "linear")
	v.SetDefault("decision.threshold", 0.5)
	v.SetDefault("decision.background_labels", []string{"achtergrond"})
	v.SetDefault("decision.something_label", "iets sp")
	v.SetDefault("batch.size", 8)
	v.SetDefault("batch.auto_tune", true)
	v.SetDefault("batch.workers", 0)
	v.SetDefault("scan.recursive", false)
	v.SetDefault("scan.extensions", []string{".jpg", ".jpeg", ".png"})
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.database_url", "")
	v.SetDefault("cache.max_conns", 4)
	v.SetDefault("cache.min_conns", 1)
	v.SetDefault("server.port", 8765)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Decision.Threshold < 0 || c.Decision.Threshold > 1 {
		errs = append(errs, "decision.threshold must be between 0 and 1")
	}
	if c.Batch.Size < 1 || c.Batch.Size > 256 {
		errs = append(errs, "batch.size must be between 1 and 256")
	}
	if c.Batch.Workers < 0 {
		errs = append(errs, "batch.workers must be >= 0")
	}
	switch c.Cache.Driver {
	case "sqlite":
	case "postgres":
		if c.Cache.DatabaseURL == "" {
			errs = append(errs, "cache.database_url is required for the postgres driver")
		}
		if c.Cache.MaxConns < 0 || c.Cache.MinConns < 0 {
			errs = append(errs, "cache.max_conns and cache.min_conns must be >= 0")
		} else if c.Cache.MaxConns > 0 && c.Cache.MinConns > c.Cache.MaxConns {
			errs = append(errs, "cache.min_conns must not exceed cache.max_conns")
		}
	default:
		errs = append(errs, "cache.driver must be sqlite or postgres")
	}

	switch mode {
	case "scan":
		if c.Model.Dir == "" {
			errs = append(errs, "model.dir is required")
		}
	case "serve":
		if c.Model.Dir == "" {
			errs = append(errs, "model.dir is required")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "cache":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
