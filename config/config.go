/*
Package config loads runtime settings for the server and batch commands.

Sources, later wins:
  1. built-in defaults
  2. a YAML/JSON config file (optional)
  3. MEMBERSHIP_* environment variables, dots replaced by underscores
     (MEMBERSHIP_DB_PATH overrides db.path)

The tier chart comes from `tiers_file`, else the inline `tiers` list, else
factory.DefaultChartYAML. A chart that fails validation is fatal.
*/
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/warp/membership-engine/accrual"
	"github.com/warp/membership-engine/factory"
	"github.com/warp/membership-engine/rewards"
	"github.com/warp/membership-engine/tier"
)

const envPrefix = "MEMBERSHIP"

type Config struct {
	HTTP      HTTPConfig         `mapstructure:"http"`
	DB        DBConfig           `mapstructure:"db"`
	Log       LogConfig          `mapstructure:"log"`
	Points    PointsConfig       `mapstructure:"points"`
	Accrual   AccrualConfig      `mapstructure:"accrual"`
	Sweep     SweepConfig        `mapstructure:"sweep"`
	Scheduler SchedulerConfig    `mapstructure:"scheduler"`
	Notify    NotifyConfig       `mapstructure:"notify"`
	Tiers     []factory.TierJSON `mapstructure:"tiers"`
	TiersFile string             `mapstructure:"tiers_file"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PointsConfig struct {
	TTLYears    int `mapstructure:"ttl_years"`
	ReleaseDays int `mapstructure:"release_days"`
}

type AccrualConfig struct {
	FirstTransactionDays int `mapstructure:"first_transaction_days"`
	Workers              int `mapstructure:"workers"`
	CodeCacheSize        int `mapstructure:"code_cache_size"`
}

type SweepConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
}

type NotifyConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("db.path", "membership.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("points.ttl_years", 1)
	v.SetDefault("points.release_days", 0)
	v.SetDefault("accrual.first_transaction_days", 3)
	v.SetDefault("accrual.workers", 4)
	v.SetDefault("accrual.code_cache_size", 4096)
	v.SetDefault("sweep.batch_size", 500)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "10 0 * * *")
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("tiers_file", "")
}

// Load reads path (may be empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Chart builds and validates the tier chart.
func (c *Config) Chart() (*tier.Chart, error) {
	f := factory.NewChartFactory()
	switch {
	case c.TiersFile != "":
		return f.LoadFile(c.TiersFile)
	case len(c.Tiers) > 0:
		return f.FromJSON(c.Tiers)
	default:
		return f.ParseYAML([]byte(factory.DefaultChartYAML))
	}
}

func (c *Config) PointPolicy() rewards.Policy {
	return rewards.Policy{TTLYears: c.Points.TTLYears, ReleaseDays: c.Points.ReleaseDays}
}

func (c *Config) AccrualConfig() accrual.Config {
	return accrual.Config{
		FirstTransactionDays: c.Accrual.FirstTransactionDays,
		Workers:              c.Accrual.Workers,
		CodeCacheSize:        c.Accrual.CodeCacheSize,
	}
}

// Logger builds the process logger from the log section.
func (c *Config) Logger() *slog.Logger {
	return NewLogger(os.Stderr, c.Log)
}

func NewLogger(w io.Writer, lc LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	var h slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
