// internal/config/config.go
package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Main application config
type Config struct {
	AutoStart           bool   `mapstructure:"auto_start" json:"auto_start"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds"`
	BatchSize           int    `mapstructure:"batch_size" json:"batch_size"`
	DataDir             string `mapstructure:"data_dir" json:"data_dir"`           // snapshots and media roots are relative to this
	MediaOutDir         string `mapstructure:"media_out_dir" json:"media_out_dir"` // re-encoded product images
	SourcesFile         string `mapstructure:"sources_file" json:"sources_file"`
	LogLevel            string `mapstructure:"log_level" json:"log_level"`
	Currency            string `mapstructure:"currency" json:"currency"`
	DefaultUnit         string `mapstructure:"default_unit" json:"default_unit"`

	Database Database `mapstructure:"database" json:"database"`
	HTTP     HTTP     `mapstructure:"http" json:"http"`
	Image    Image    `mapstructure:"image" json:"image"`

	// notifier name -> raw notifier config
	Notifiers map[string]map[string]any `mapstructure:"notifiers" json:"notifiers"`

	dir string // directory of the loaded config file
}

type Database struct {
	Driver string `mapstructure:"driver" json:"driver"` // sqlite | sqlite-pure | postgres | mysql
	DSN    string `mapstructure:"dsn" json:"dsn"`
}

type HTTP struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

type Image struct {
	MaxDimension int `mapstructure:"max_dimension" json:"max_dimension"`
	JPEGQuality  int `mapstructure:"jpeg_quality" json:"jpeg_quality"`
}

// Default returns the config written on first run.
func Default() *Config {
	return &Config{
		AutoStart:           false,
		PollIntervalSeconds: 30,
		BatchSize:           100,
		DataDir:             "./goods_data",
		MediaOutDir:         "./media",
		SourcesFile:         "./sources.yaml",
		LogLevel:            "info",
		Currency:            "RUB",
		DefaultUnit:         "шт",
		Database:            Database{Driver: "sqlite", DSN: "catsync.db"},
		HTTP:                HTTP{Addr: ":8085"},
		Image:               Image{MaxDimension: 1200, JPEGQuality: 85},
		Notifiers:           map[string]map[string]any{},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("auto_start", d.AutoStart)
	v.SetDefault("poll_interval_seconds", d.PollIntervalSeconds)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("media_out_dir", d.MediaOutDir)
	v.SetDefault("sources_file", d.SourcesFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("currency", d.Currency)
	v.SetDefault("default_unit", d.DefaultUnit)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("image.max_dimension", d.Image.MaxDimension)
	v.SetDefault("image.jpeg_quality", d.Image.JPEGQuality)
}

// LoadOrCreate reads the JSON config at path, writing defaults when it does not
// exist yet. CATSYNC_* environment variables override file values
// (CATSYNC_DATABASE_DSN -> database.dsn).
func LoadOrCreate(path string) (*Config, bool, error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	firstRun := false
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("stat config: %w", err)
		}
		if err := Save(path, Default()); err != nil {
			return nil, false, fmt.Errorf("write default config: %w", err)
		}
		firstRun = true
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("CATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, false, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, false, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Notifiers == nil {
		cfg.Notifiers = map[string]map[string]any{}
	}
	cfg.dir = filepath.Dir(path)
	return &cfg, firstRun, nil
}

func Save(path string, cfg *Config) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// NotifierRaw returns the named notifier config re-encoded as JSON, the shape
// notifier factories consume.
func (c *Config) NotifierRaw(name string) (json.RawMessage, error) {
	raw, ok := c.Notifiers[name]
	if !ok {
		return nil, fmt.Errorf("notifier %q not configured", name)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode notifier %q: %w", name, err)
	}
	return b, nil
}

// NotifierConfigs returns every notifier config as raw JSON. Entries that
// cannot be encoded are left out.
func (c *Config) NotifierConfigs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(c.Notifiers))
	for name := range c.Notifiers {
		if raw, err := c.NotifierRaw(name); err == nil {
			out[name] = raw
		}
	}
	return out
}

// DataPath is the data dir, with a relative one taken from the config file's
// directory rather than the working directory.
func (c *Config) DataPath() string {
	d := expandHome(c.DataDir)
	if filepath.IsAbs(d) || c.dir == "" {
		return d
	}
	return filepath.Join(c.dir, d)
}

// Resolve joins p onto the data dir unless p is absolute.
func (c *Config) Resolve(p string) string {
	p = expandHome(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataPath(), p)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
