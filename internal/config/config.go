package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Ning0612/dirsync/internal/core/retry"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/logger"
)

// Config represents the complete configuration for dirsync
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// Directories are seeded into the directory store at start-up and on reload
	Directories []DirectorySeed `mapstructure:"directories"`
}

// StorageConfig locates the SQLite database and the instance lock
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SchedulerConfig controls the tick loop
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`

	// Timezone evaluates cron schedules; empty means the process local zone
	Timezone string `mapstructure:"timezone"`
}

// Location resolves Timezone
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || strings.EqualFold(s.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrConfigInvalid, s.Timezone)
	}
	return loc, nil
}

// HTTPConfig shapes outbound provider calls
type HTTPConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDefaultWait time.Duration `mapstructure:"retry_default_wait"`
	MaxRetryWait     time.Duration `mapstructure:"max_retry_wait"`

	// RatePerSec paces requests per syncer; zero disables pacing
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	Burst      int     `mapstructure:"burst"`
}

// RetryPolicy builds the rate-limit retry policy
func (h HTTPConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:  h.MaxRetries,
		DefaultWait: h.RetryDefaultWait,
		MaxWait:     h.MaxRetryWait,
	}
}

// Limiter builds the outbound request limiter
func (h HTTPConfig) Limiter() *rate.Limiter {
	if h.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.RatePerSec), burst)
}

// APIConfig controls the admin HTTP API served by the daemon
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig mirrors logger.Config in file form
type LoggingConfig struct {
	Level     string            `mapstructure:"level"`
	Format    string            `mapstructure:"format"`
	Outputs   []string          `mapstructure:"outputs"`
	AddSource bool              `mapstructure:"add_source"`
	File      LoggingFileConfig `mapstructure:"file"`
}

// LoggingFileConfig configures the rotated log file
type LoggingFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggerConfig converts to logger.Config
func (l LoggingConfig) LoggerConfig() logger.Config {
	cfg := logger.Config{
		Level:     logger.ParseLevel(l.Level),
		Format:    logger.ParseFormat(l.Format),
		AddSource: l.AddSource,
	}
	for _, name := range l.Outputs {
		out, ok := logger.ParseOutput(name)
		if !ok {
			continue
		}
		cfg.Outputs = append(cfg.Outputs, logger.OutputConfig{Type: out})
		if out == logger.OutputFile {
			cfg.File = logger.FileConfig{
				Enabled:    true,
				Path:       ExpandPath(l.File.Path),
				MaxSizeMB:  l.File.MaxSizeMB,
				MaxAgeDays: l.File.MaxAgeDays,
				MaxBackups: l.File.MaxBackups,
				Compress:   l.File.Compress,
			}
		}
	}
	return cfg
}

// DirectorySeed is a directory declared in the config file. Seeds carry
// identity, schedule, credentials and features; enabled only applies when
// the directory is first created.
type DirectorySeed struct {
	Name        string             `mapstructure:"name"`
	Provider    domain.Provider    `mapstructure:"provider"`
	Enabled     bool               `mapstructure:"enabled"`
	Schedule    domain.Schedule    `mapstructure:"schedule"`
	Credentials domain.Credentials `mapstructure:"credentials"`
	Features    domain.Features    `mapstructure:"features"`
}

// Directory converts the seed to a directory record
func (s DirectorySeed) Directory() domain.Directory {
	return domain.Directory{
		Name:        strings.TrimSpace(s.Name),
		Provider:    s.Provider,
		Enabled:     s.Enabled,
		Schedule:    s.Schedule,
		Credentials: s.Credentials,
		Features:    s.Features,
	}
}

// Validate checks if the configuration is complete and consistent
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("%w: storage.data_dir cannot be empty", domain.ErrConfigInvalid)
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("%w: scheduler.tick_interval must be positive", domain.ErrConfigInvalid)
	}
	if c.Scheduler.StaleAfter <= 0 {
		return fmt.Errorf("%w: scheduler.stale_after must be positive", domain.ErrConfigInvalid)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("%w: http.timeout must be positive", domain.ErrConfigInvalid)
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("%w: http.max_retries cannot be negative", domain.ErrConfigInvalid)
	}
	if c.HTTP.RatePerSec < 0 {
		return fmt.Errorf("%w: http.rate_per_sec cannot be negative", domain.ErrConfigInvalid)
	}

	if c.API.Enabled && strings.TrimSpace(c.API.Listen) == "" {
		return fmt.Errorf("%w: api.listen is required when the API is enabled", domain.ErrConfigInvalid)
	}

	for _, name := range c.Logging.Outputs {
		if _, ok := logger.ParseOutput(name); !ok {
			return fmt.Errorf("%w: unknown logging output %q", domain.ErrConfigInvalid, name)
		}
		if strings.EqualFold(strings.TrimSpace(name), "file") && c.Logging.File.Path == "" {
			return fmt.Errorf("%w: logging.file.path is required for file output", domain.ErrConfigInvalid)
		}
	}

	names := make(map[string]bool)
	for i, s := range c.Directories {
		d := s.Directory()
		if err := d.Validate(); err != nil {
			return fmt.Errorf("directories[%d]: %w", i, err)
		}
		if names[d.Name] {
			return fmt.Errorf("%w: duplicate directory name: %s", domain.ErrConfigInvalid, d.Name)
		}
		names[d.Name] = true
	}

	return nil
}

// GetDirectory returns a directory seed by name
func (c *Config) GetDirectory(name string) (*DirectorySeed, error) {
	for i := range c.Directories {
		if c.Directories[i].Name == name {
			return &c.Directories[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrDirectoryNotFound, name)
}

// DataDir returns the expanded data directory
func (c *Config) DataDir() string {
	return ExpandPath(c.Storage.DataDir)
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
				path = filepath.Join(home, path[2:])
			} else if len(path) == 1 {
				path = home
			}
		}
	}
	path = os.ExpandEnv(path)
	return filepath.Clean(path)
}
