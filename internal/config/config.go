package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source   SourceConfig           `yaml:"source" mapstructure:"source"`
	Snapshot SnapshotConfig         `yaml:"snapshot" mapstructure:"snapshot"`
	Layers   map[string]LayerConfig `yaml:"layers" mapstructure:"layers"`
	Join     JoinConfig             `yaml:"join" mapstructure:"join"`
	Ingest   IngestConfig           `yaml:"ingest" mapstructure:"ingest"`
	Store    StoreConfig            `yaml:"store" mapstructure:"store"`
	Server   ServerConfig           `yaml:"server" mapstructure:"server"`
	Log      LogConfig              `yaml:"log" mapstructure:"log"`
}

// SourceConfig configures boundary data retrieval.
type SourceConfig struct {
	CacheDir        string `yaml:"cache_dir" mapstructure:"cache_dir"`
	HTTPTimeoutSecs int    `yaml:"http_timeout_secs" mapstructure:"http_timeout_secs"`
	UserAgent       string `yaml:"user_agent" mapstructure:"user_agent"`
}

// SnapshotConfig configures the on-disk index snapshots.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// LayerConfig describes one boundary dataset.
type LayerConfig struct {
	// Source is a local path or an http(s)/ftp URL.
	Source string `yaml:"source" mapstructure:"source"`
	// Precision is the geohash length used by the layer's attribution cache.
	Precision int `yaml:"precision" mapstructure:"precision"`
	// RegionProperty names the feature property used as the region key.
	RegionProperty string `yaml:"region_property" mapstructure:"region_property"`
	// Projected indexes the layer in USA Contiguous Equidistant Conic meters
	// instead of degrees. Buffer radii are then in meters.
	Projected bool `yaml:"projected" mapstructure:"projected"`
}

// JoinConfig configures the two-phase spatial join.
type JoinConfig struct {
	CoarseLayer   string   `yaml:"coarse_layer" mapstructure:"coarse_layer"`
	CoarseRadiusM float64  `yaml:"coarse_radius_m" mapstructure:"coarse_radius_m"`
	FineRadiusM   float64  `yaml:"fine_radius_m" mapstructure:"fine_radius_m"`
	FinePrecision int      `yaml:"fine_precision" mapstructure:"fine_precision"`
	TagKeys       []string `yaml:"tag_keys" mapstructure:"tag_keys"`
	ValueKey      string   `yaml:"value_key" mapstructure:"value_key"`
	MinCount      int      `yaml:"min_count" mapstructure:"min_count"`
	Order         string   `yaml:"order" mapstructure:"order"`
	Workers       int      `yaml:"workers" mapstructure:"workers"`
}

// IngestConfig configures record ingestion.
type IngestConfig struct {
	SubjectExcludePattern string `yaml:"subject_exclude_pattern" mapstructure:"subject_exclude_pattern"`
}

// StoreConfig configures the results backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ServerConfig configures the attribution HTTP service.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	Layer          string   `yaml:"layer" mapstructure:"layer"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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

	// Environment
	v.SetEnvPrefix("GEOATTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("source.cache_dir", "/tmp/geoattr/sources")
	v.SetDefault("source.http_timeout_secs", 120)
	v.SetDefault("source.user_agent", "geoattr/1.0")
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.dir", "/tmp/geoattr/snapshots")
	v.SetDefault("layers", map[string]any{
		"metro": map[string]any{
			"source":          "https://www2.census.gov/geo/tiger/TIGER2020/CBSA/tl_2020_us_cbsa.zip",
			"precision":       7,
			"region_property": "NAME",
			"projected":       true,
		},
		"county": map[string]any{
			"source":          "https://www2.census.gov/geo/tiger/TIGER2020/COUNTY/tl_2020_us_county.zip",
			"precision":       7,
			"region_property": "NAME",
			"projected":       false,
		},
	})
	v.SetDefault("join.coarse_layer", "metro")
	v.SetDefault("join.coarse_radius_m", 50*1609)
	v.SetDefault("join.fine_radius_m", 100)
	v.SetDefault("join.fine_precision", 8)
	v.SetDefault("join.tag_keys", []string{"amenity", "building", "shop", "office", "tourism"})
	v.SetDefault("join.value_key", "name")
	v.SetDefault("join.min_count", 2)
	v.SetDefault("join.order", "strict")
	v.SetDefault("join.workers", 4)
	v.SetDefault("ingest.subject_exclude_pattern", "(job)|(hiring)|(career)")
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.sqlite_path", "geoattr.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.layer", "county")
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("server.allowed_origins", []string{"*"})

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

// Validate checks the configuration for the given command mode. Supported
// modes are "attribute", "join", "serve" and "snapshot". All problems found
// are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "attribute", "snapshot":
		errs = append(errs, c.validateLayers()...)
	case "join":
		errs = append(errs, c.validateLayers()...)
		errs = append(errs, c.validateJoin()...)
		errs = append(errs, c.validateStore()...)
	case "serve":
		errs = append(errs, c.validateLayers()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if _, ok := c.Layers[c.Server.Layer]; !ok {
			errs = append(errs, fmt.Sprintf("server.layer %q is not a configured layer", c.Server.Layer))
		}
		if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst <= 0 {
			errs = append(errs, "server.rate_limit_rps and server.rate_limit_burst must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateLayers() []string {
	var errs []string
	if len(c.Layers) == 0 {
		return []string{"at least one layer is required"}
	}
	names := make([]string, 0, len(c.Layers))
	for name := range c.Layers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l := c.Layers[name]
		if l.Source == "" {
			errs = append(errs, fmt.Sprintf("layers.%s.source is required", name))
		}
		if l.Precision < 1 || l.Precision > 12 {
			errs = append(errs, fmt.Sprintf("layers.%s.precision must be between 1 and 12", name))
		}
		if l.RegionProperty == "" {
			errs = append(errs, fmt.Sprintf("layers.%s.region_property is required", name))
		}
	}
	return errs
}

func (c *Config) validateJoin() []string {
	var errs []string
	if lc, ok := c.Layers[c.Join.CoarseLayer]; !ok {
		errs = append(errs, fmt.Sprintf("join.coarse_layer %q is not a configured layer", c.Join.CoarseLayer))
	} else if !lc.Projected {
		errs = append(errs, fmt.Sprintf("join.coarse_layer %q must be projected (coarse_radius_m is in meters)", c.Join.CoarseLayer))
	}
	if c.Join.CoarseRadiusM < 0 || c.Join.FineRadiusM < 0 {
		errs = append(errs, "join radii must be >= 0")
	}
	if c.Join.FinePrecision < 1 || c.Join.FinePrecision > 12 {
		errs = append(errs, "join.fine_precision must be between 1 and 12")
	}
	if len(c.Join.TagKeys) == 0 {
		errs = append(errs, "join.tag_keys is required")
	}
	if c.Join.ValueKey == "" {
		errs = append(errs, "join.value_key is required")
	}
	if c.Join.Order != "strict" && c.Join.Order != "buffer" {
		errs = append(errs, fmt.Sprintf("join.order %q must be strict or buffer", c.Join.Order))
	}
	if c.Join.Workers < 1 || c.Join.Workers > 64 {
		errs = append(errs, "join.workers must be between 1 and 64")
	}
	if c.Ingest.SubjectExcludePattern != "" {
		if _, err := regexp.Compile(c.Ingest.SubjectExcludePattern); err != nil {
			errs = append(errs, fmt.Sprintf("ingest.subject_exclude_pattern: %v", err))
		}
	}
	return errs
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "none":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return []string{"store.sqlite_path is required"}
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
	default:
		return []string{fmt.Sprintf("store.driver %q must be none, sqlite or postgres", c.Store.Driver)}
	}
	return nil
}

// Layer returns the named layer configuration.
func (c *Config) Layer(name string) (LayerConfig, error) {
	l, ok := c.Layers[name]
	if !ok {
		return LayerConfig{}, eris.Errorf("config: unknown layer %q", name)
	}
	return l, nil
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
