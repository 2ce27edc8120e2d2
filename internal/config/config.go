// Package config loads collsync settings from a config file, COLLSYNC_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/changes"
	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/persist"
	"github.com/steveyegge/collsync/internal/persist/backends"
	"github.com/steveyegge/collsync/internal/sync"
)

// EnvPrefix prefixes every environment override, e.g. COLLSYNC_DATA_DIR.
const EnvPrefix = "COLLSYNC"

// FileName is the config file searched for when no path is given.
const FileName = "collsync"

// LogConfig is the log section.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// PersistConfig holds the default write options.
type PersistConfig struct {
	ChunkSize      int      `mapstructure:"chunk_size" yaml:"chunk_size"`
	KeyColumn      string   `mapstructure:"key_column" yaml:"key_column"`
	DataColumn     string   `mapstructure:"data_column" yaml:"data_column"`
	DeleteIfExists bool     `mapstructure:"delete_if_exists" yaml:"delete_if_exists"`
	Compress       bool     `mapstructure:"compress" yaml:"compress"`
	ExcludeTables  []string `mapstructure:"exclude_tables" yaml:"exclude_tables,omitempty"`
}

// AccessConfig holds the permission gate flags.
type AccessConfig struct {
	Read  bool `mapstructure:"read" yaml:"read"`
	Write bool `mapstructure:"write" yaml:"write"`
}

// ChangesConfig sizes the change tracker.
type ChangesConfig struct {
	MaxTracked int `mapstructure:"max_tracked" yaml:"max_tracked"`
}

// EndpointConfig describes the remote side of one collection.
type EndpointConfig struct {
	DownURL     string   `mapstructure:"down_url" yaml:"down_url,omitempty"`
	UpURL       string   `mapstructure:"up_url" yaml:"up_url,omitempty"`
	PrimaryKeys []string `mapstructure:"primary_keys" yaml:"primary_keys"`
}

// SyncConfig configures the sync engine and its endpoints.
type SyncConfig struct {
	SyncedField       string                    `mapstructure:"synced_field" yaml:"synced_field"`
	LastModifiedField string                    `mapstructure:"last_modified_field" yaml:"last_modified_field"`
	DeletedField      string                    `mapstructure:"deleted_field" yaml:"deleted_field"`
	Tolerance         time.Duration             `mapstructure:"tolerance" yaml:"tolerance"`
	Retries           int                       `mapstructure:"retries" yaml:"retries"`
	Timeout           time.Duration             `mapstructure:"timeout" yaml:"timeout"`
	Collections       map[string]EndpointConfig `mapstructure:"collections" yaml:"collections,omitempty"`
}

// AutosaveConfig configures the autosave daemon used by sync --every.
type AutosaveConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// Config is the full collsync configuration.
type Config struct {
	Backend        string `mapstructure:"backend" yaml:"backend"`
	DataDir        string `mapstructure:"data_dir" yaml:"data_dir"`
	RedisAddr      string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisNamespace string `mapstructure:"redis_namespace" yaml:"redis_namespace,omitempty"`

	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Persist  PersistConfig  `mapstructure:"persist" yaml:"persist"`
	Access   AccessConfig   `mapstructure:"access" yaml:"access"`
	Changes  ChangesConfig  `mapstructure:"changes" yaml:"changes"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Autosave AutosaveConfig `mapstructure:"autosave" yaml:"autosave"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// SetDefaults registers every key with its default. Keys without a default
// are not picked up from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", "sqlite")
	v.SetDefault("data_dir", ".collsync")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_namespace", backends.DefaultRedisNamespace)

	v.SetDefault("log.level", "error")
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)

	v.SetDefault("persist.chunk_size", 0)
	v.SetDefault("persist.key_column", persist.DefaultKeyColumn)
	v.SetDefault("persist.data_column", persist.DefaultDataColumn)
	v.SetDefault("persist.delete_if_exists", false)
	v.SetDefault("persist.compress", false)
	v.SetDefault("persist.exclude_tables", []string{})

	v.SetDefault("access.read", true)
	v.SetDefault("access.write", true)

	v.SetDefault("changes.max_tracked", changes.DefaultMaxChangesTracked)

	def := sync.DefaultConfig()
	v.SetDefault("sync.synced_field", def.SyncedField)
	v.SetDefault("sync.last_modified_field", def.LastModifiedField)
	v.SetDefault("sync.deleted_field", def.DeletedField)
	v.SetDefault("sync.tolerance", def.Tolerance)
	v.SetDefault("sync.retries", 3)
	v.SetDefault("sync.timeout", 30*time.Second)

	v.SetDefault("autosave.interval", 30*time.Second)
	v.SetDefault("autosave.debounce", 500*time.Millisecond)
}

// New returns a viper instance with defaults and environment binding.
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from the OS file system.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs reads path, which may be yaml, toml or json. With an empty path it
// looks for collsync.* in the working directory and in
// $XDG_CONFIG_HOME/collsync, and runs on defaults when none exists.
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	v := New(fs)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "collsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	kind, err := backends.ParseKind(c.Backend)
	if err != nil {
		errs = append(errs, err)
	}
	if kind == backends.KindRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("backend redis requires redis_addr"))
	}
	if kind != backends.KindRedis && kind != backends.KindMemory && c.DataDir == "" {
		errs = append(errs, fmt.Errorf("backend %s requires data_dir", kind))
	}
	if _, err := async.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if c.Persist.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("persist.chunk_size must be >= 0, got %d", c.Persist.ChunkSize))
	}
	if !codec.ValidIdentifier(c.Persist.KeyColumn) {
		errs = append(errs, fmt.Errorf("persist.key_column %q is not a valid column name", c.Persist.KeyColumn))
	}
	if !codec.ValidIdentifier(c.Persist.DataColumn) {
		errs = append(errs, fmt.Errorf("persist.data_column %q is not a valid column name", c.Persist.DataColumn))
	}
	if c.Persist.KeyColumn == c.Persist.DataColumn {
		errs = append(errs, errors.New("persist.key_column and persist.data_column must differ"))
	}

	if c.Changes.MaxTracked < 1 {
		errs = append(errs, fmt.Errorf("changes.max_tracked must be >= 1, got %d", c.Changes.MaxTracked))
	}

	if c.Sync.Tolerance < 0 {
		errs = append(errs, errors.New("sync.tolerance must not be negative"))
	}
	if c.Sync.Retries < 0 {
		errs = append(errs, errors.New("sync.retries must not be negative"))
	}
	for name, ep := range c.Sync.Collections {
		if len(ep.PrimaryKeys) == 0 {
			errs = append(errs, fmt.Errorf("sync.collections.%s: primary_keys is required", name))
		}
		if ep.DownURL == "" && ep.UpURL == "" {
			errs = append(errs, fmt.Errorf("sync.collections.%s: down_url or up_url is required", name))
		}
	}

	if c.Autosave.Interval < 0 || c.Autosave.Debounce < 0 {
		errs = append(errs, errors.New("autosave durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// LogOptions maps the log section to async.LogOptions.
func (c *Config) LogOptions() async.LogOptions {
	level, _ := async.ParseLogLevel(c.Log.Level)
	return async.LogOptions{Level: level, File: c.Log.File, JSON: c.Log.JSON}
}

// WriteDefaults returns the persist defaults for every collection.
func (c *Config) WriteDefaults() persist.WriteOptions {
	return persist.WriteOptions{
		KeyColumn:          persist.String(c.Persist.KeyColumn),
		DataColumnName:     persist.String(c.Persist.DataColumn),
		MaxObjectsPerChunk: persist.Int(c.Persist.ChunkSize),
		DeleteIfExists:     persist.Bool(c.Persist.DeleteIfExists),
	}
}

// ReadDefaults returns the restore defaults matching WriteDefaults.
func (c *Config) ReadDefaults() persist.ReadOptions {
	return persist.ReadOptions{DataColumnName: persist.String(c.Persist.DataColumn)}
}

// BackendOptions maps the configuration to backends.Options. The caller adds
// the logger, tracker and any transformer.
func (c *Config) BackendOptions() (backends.Options, error) {
	kind, err := backends.ParseKind(c.Backend)
	if err != nil {
		return backends.Options{}, err
	}
	return backends.Options{
		Kind:           kind,
		DataDir:        c.DataDir,
		RedisURL:       c.RedisAddr,
		RedisNamespace: c.RedisNamespace,
		Adapter: persist.AdapterConfig{
			Defaults:      c.WriteDefaults(),
			ReadDefaults:  c.ReadDefaults(),
			ExcludeTables: c.Persist.ExcludeTables,
		},
		Access:   &persist.Access{Read: c.Access.Read, Write: c.Access.Write},
		Settings: persist.StoreSettings{Compress: c.Persist.Compress},
	}, nil
}

// SyncEngineConfig maps the sync section to sync.Config.
// A configured tolerance of zero means exact matching.
func (c *Config) SyncEngineConfig() sync.Config {
	tolerance := c.Sync.Tolerance
	if tolerance == 0 {
		tolerance = sync.NoTolerance
	}
	return sync.Config{
		SyncedField:       c.Sync.SyncedField,
		LastModifiedField: c.Sync.LastModifiedField,
		DeletedField:      c.Sync.DeletedField,
		Tolerance:         tolerance,
	}
}
