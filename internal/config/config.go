package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. Engines receive the
// sub-struct they need at construction; nothing in the core reads ambient
// state.
type Config struct {
	Catalog     CatalogConfig     `yaml:"catalog" mapstructure:"catalog"`
	Source      SourceConfig      `yaml:"source" mapstructure:"source"`
	Resolver    ResolverConfig    `yaml:"resolver" mapstructure:"resolver"`
	Materialize MaterializeConfig `yaml:"materialize" mapstructure:"materialize"`
	Diff        DiffConfig        `yaml:"diff" mapstructure:"diff"`
	Probe       ProbeConfig       `yaml:"probe" mapstructure:"probe"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// CatalogConfig points at the metadata catalog file.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SourceConfig configures the tabular data source backend.
type SourceConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`   // csv | xlsx | sqlite
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// ResolverConfig tunes entity and column matching.
type ResolverConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	DominanceMargin     float64 `yaml:"dominance_margin" mapstructure:"dominance_margin"`
}

// MaterializeConfig tunes row materialization.
type MaterializeConfig struct {
	ChunkSize   int `yaml:"chunk_size" mapstructure:"chunk_size"`
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-call materialization timeout.
func (m MaterializeConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSecs) * time.Second
}

// DiffConfig tunes row comparison.
type DiffConfig struct {
	// Tolerance overrides the per-column precision-derived tolerance when
	// positive.
	Tolerance float64 `yaml:"tolerance" mapstructure:"tolerance"`
}

// ProbeConfig tunes the graph probing engine.
type ProbeConfig struct {
	MaxDepth           int     `yaml:"max_depth" mapstructure:"max_depth"`
	RowCap             int     `yaml:"row_cap" mapstructure:"row_cap"`
	RootCauseThreshold float64 `yaml:"root_cause_threshold" mapstructure:"root_cause_threshold"`
	ProbesPerSecond    float64 `yaml:"probes_per_second" mapstructure:"probes_per_second"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port   int    `yaml:"port" mapstructure:"port"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
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
	v.SetConfigName("reconcile")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("catalog.path", "metadata.yaml")
	v.SetDefault("source.driver", "csv")
	v.SetDefault("source.data_dir", "data")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "reconcile.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("resolver.similarity_threshold", 0.6)
	v.SetDefault("resolver.dominance_margin", 0.15)
	v.SetDefault("materialize.chunk_size", 1000)
	v.SetDefault("materialize.timeout_secs", 60)
	v.SetDefault("probe.max_depth", 20)
	v.SetDefault("probe.row_cap", 100)
	v.SetDefault("probe.root_cause_threshold", 0.9)
	v.SetDefault("probe.probes_per_second", 5)

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
