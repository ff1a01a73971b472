package domain

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Provider identifies the external directory a Directory pulls from
type Provider string

const (
	ProviderAzure  Provider = "azure"
	ProviderGoogle Provider = "google"
)

// IsValid checks if the provider is a known value
func (p Provider) IsValid() bool {
	switch p {
	case ProviderAzure, ProviderGoogle:
		return true
	}
	return false
}

// IdentitySource returns the user identity source written by this provider
func (p Provider) IdentitySource() IdentitySource {
	switch p {
	case ProviderAzure:
		return SourceAzure
	case ProviderGoogle:
		return SourceGoogle
	}
	return SourceLocal
}

// ScheduleKind selects how the next run time is computed
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// IsValid checks if the schedule kind is a known value
func (k ScheduleKind) IsValid() bool {
	switch k {
	case ScheduleInterval, ScheduleCron:
		return true
	}
	return false
}

const (
	// DefaultIntervalMinutes is used when a directory does not set one
	DefaultIntervalMinutes = 60

	// DefaultCronExpr runs at the top of every hour
	DefaultCronExpr = "0 * * * *"
)

// Schedule is the scheduling policy of a directory
type Schedule struct {
	// Kind is interval or cron
	Kind ScheduleKind `mapstructure:"kind" json:"kind"`

	// IntervalMinutes is the gap between runs for interval schedules
	IntervalMinutes int `mapstructure:"interval_minutes" json:"interval_minutes"`

	// CronExpr is a 5-field cron expression evaluated in local time
	CronExpr string `mapstructure:"cron" json:"cron,omitempty"`
}

// DefaultSchedule returns an hourly interval schedule
func DefaultSchedule() Schedule {
	return Schedule{Kind: ScheduleInterval, IntervalMinutes: DefaultIntervalMinutes}
}

// String renders the schedule for listings
func (s Schedule) String() string {
	if s.Kind == ScheduleCron {
		expr := s.CronExpr
		if expr == "" {
			expr = DefaultCronExpr
		}
		return "cron(" + expr + ")"
	}
	return fmt.Sprintf("every %dm", s.IntervalMinutes)
}

// Credentials holds provider credentials. Named fields cover the known providers,
// Extra keeps provider-specific keys that have no field yet.
type Credentials struct {
	// Azure
	TenantID     string `mapstructure:"tenant_id" json:"tenant_id,omitempty"`
	ClientID     string `mapstructure:"client_id" json:"client_id,omitempty"`
	ClientSecret string `mapstructure:"client_secret" json:"client_secret,omitempty"`

	// Google
	ServiceAccountJSON string `mapstructure:"service_account_json" json:"service_account_json,omitempty"`
	AdminEmail         string `mapstructure:"admin_email" json:"admin_email,omitempty"`
	Customer           string `mapstructure:"customer" json:"customer,omitempty"`
	Domain             string `mapstructure:"domain" json:"domain,omitempty"`

	Extra map[string]string `mapstructure:"extra" json:"extra,omitempty"`
}

// Get returns an extra credential value or the fallback when unset
func (c Credentials) Get(key, fallback string) string {
	if v, ok := c.Extra[key]; ok && v != "" {
		return v
	}
	return fallback
}

// LogValue keeps secrets out of log records
func (c Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{}
	if c.TenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", c.TenantID))
	}
	if c.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", c.ClientID))
	}
	if c.ClientSecret != "" {
		attrs = append(attrs, slog.String("client_secret", "***"))
	}
	if c.ServiceAccountJSON != "" {
		attrs = append(attrs, slog.String("service_account_json", "***"))
	}
	if c.AdminEmail != "" {
		attrs = append(attrs, slog.String("admin_email", c.AdminEmail))
	}
	if len(c.Extra) > 0 {
		attrs = append(attrs, slog.Int("extra_keys", len(c.Extra)))
	}
	return slog.GroupValue(attrs...)
}

// Features are the per-directory toggles that shape a sync
type Features struct {
	IncludeGroups      bool     `mapstructure:"include_groups" json:"include_groups"`
	IncludeLicenses    bool     `mapstructure:"include_licenses" json:"include_licenses"`
	DeprovisionMissing bool     `mapstructure:"deprovision_missing" json:"deprovision_missing"`
	OnlyActive         bool     `mapstructure:"only_active" json:"only_active"`
	AllowedDomains     []string `mapstructure:"allowed_domains" json:"allowed_domains,omitempty"`
}

// DefaultFeatures returns the toggles a new directory starts with
func DefaultFeatures() Features {
	return Features{
		IncludeGroups:   true,
		IncludeLicenses: true,
	}
}

// RunStatus mirrors the outcome of the latest run or connection test
type RunStatus string

const (
	RunStatusNone    RunStatus = ""
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Directory is one configured external identity directory
type Directory struct {
	ID       int64
	Name     string
	Provider Provider
	Enabled  bool

	Schedule    Schedule
	Credentials Credentials
	Features    Features

	// DeltaLink is an opaque provider cursor, empty means full crawl
	DeltaLink string

	LastRunAt  *time.Time
	NextRunAt  *time.Time
	LastStatus RunStatus
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDue reports whether the scheduler should run the directory at now
func (d *Directory) IsDue(now time.Time) bool {
	if !d.Enabled {
		return false
	}
	return d.NextRunAt == nil || !d.NextRunAt.After(now)
}

// Validate checks if the directory is properly configured
func (d *Directory) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: directory name cannot be empty", ErrConfigInvalid)
	}
	if !d.Provider.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, d.Provider)
	}
	if d.Schedule.Kind != "" && !d.Schedule.Kind.IsValid() {
		return fmt.Errorf("%w: directory %s has invalid schedule kind %q", ErrConfigInvalid, d.Name, d.Schedule.Kind)
	}
	return nil
}

// RunOutcome is the status mirror write made after every run
type RunOutcome struct {
	At        time.Time
	Status    RunStatus
	Error     string
	NextRunAt time.Time
}
