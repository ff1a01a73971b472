package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Ning0612/dirsync/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. DIRSYNC_SCHEDULER_TICK_INTERVAL
const EnvPrefix = "DIRSYNC"

// DefaultConfigPaths returns the default paths to search for config files
func DefaultConfigPaths() []string {
	paths := []string{
		".",
		"./configs",
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "dirsync"))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".dirsync"))
	}

	return paths
}

// DefaultDataDir is where the database lives when storage.data_dir is unset
func DefaultDataDir() string {
	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "dirsync")
	}
	return ".dirsync"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.data_dir", DefaultDataDir())

	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.stale_after", "30m")
	v.SetDefault("scheduler.timezone", "")

	v.SetDefault("http.timeout", "60s")
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_default_wait", "2s")
	v.SetDefault("http.max_retry_wait", "2m")
	v.SetDefault("http.rate_per_sec", 0)
	v.SetDefault("http.burst", 1)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8085")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputs", []string{"stderr"})
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_age_days", 14)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.compress", true)
}

// Loader reads one config source and can watch it for changes
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	watched bool
}

// NewLoader creates a loader for path. An empty path searches
// DefaultConfigPaths for config.yaml.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	return &Loader{v: v, path: path}
}

// Load reads and parses a configuration file
// If path is empty, searches default locations for config.yaml
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads the file and decodes it
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrConfigNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return decode(l.v)
}

// ConfigFile returns the file the loader read
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the re-decoded config every time the file is
// written. A file that no longer validates is reported through err and the
// caller keeps its previous config.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched {
		return
	}
	l.watched = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(l.v))
	})
	l.v.WatchConfig()
}

// LoadFromString parses configuration from a YAML string
func LoadFromString(yamlContent string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if err := v.ReadConfig(strings.NewReader(yamlContent)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	// Seed defaults for keys the file leaves out
	for i := range cfg.Directories {
		key := func(k string) string { return fmt.Sprintf("directories.%d.%s", i, k) }
		d := &cfg.Directories[i]

		if !v.IsSet(key("enabled")) {
			d.Enabled = true
		}
		if d.Schedule.Kind == "" {
			d.Schedule.Kind = domain.ScheduleInterval
		}
		if d.Schedule.Kind == domain.ScheduleInterval && !v.IsSet(key("schedule.interval_minutes")) {
			d.Schedule.IntervalMinutes = domain.DefaultIntervalMinutes
		}
		if !v.IsSet(key("features.include_groups")) {
			d.Features.IncludeGroups = true
		}
		if !v.IsSet(key("features.include_licenses")) {
			d.Features.IncludeLicenses = true
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
