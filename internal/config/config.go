// Package config provides configuration management for hostback.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.hostback).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".hostback"), nil
}

// DefaultConfigPath returns the default config file path (~/.hostback/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// RemoteConfig describes the SSH target when backups run against a remote host.
type RemoteConfig struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user,omitempty"`
	KeyFile        string `yaml:"key_file,omitempty"`
	Password       string `yaml:"password,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`
	HostKey        string `yaml:"host_key,omitempty"`
}

// Configured returns true if a remote host is set.
func (r RemoteConfig) Configured() bool {
	return r.Host != ""
}

// RetentionConfig holds the per-tier maximum age in days.
type RetentionConfig struct {
	DailyMaxAgeDays   int `yaml:"daily_max_age_days,omitempty"`
	WeeklyMaxAgeDays  int `yaml:"weekly_max_age_days,omitempty"`
	MonthlyMaxAgeDays int `yaml:"monthly_max_age_days,omitempty"`
}

// HealthConfig holds freshness and disk-pressure thresholds.
type HealthConfig struct {
	DailyMaxAgeHours    int `yaml:"daily_max_age_hours,omitempty"`
	WeeklyMaxAgeHours   int `yaml:"weekly_max_age_hours,omitempty"`
	MonthlyMaxAgeHours  int `yaml:"monthly_max_age_hours,omitempty"`
	DiskWarningPercent  int `yaml:"disk_warning_percent,omitempty"`
	DiskCriticalPercent int `yaml:"disk_critical_percent,omitempty"`
}

// WebhookConfig holds the optional completion/health notification endpoint.
type WebhookConfig struct {
	URL    string `yaml:"url,omitempty"`
	Secret string `yaml:"secret,omitempty"`
}

// OffsiteConfig holds the optional S3-compatible replication target.
type OffsiteConfig struct {
	Endpoint        string `yaml:"endpoint,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UseSSL          bool   `yaml:"use_ssl,omitempty"`
}

// Configured returns true if a replication bucket is set.
func (o OffsiteConfig) Configured() bool {
	return o.Bucket != ""
}

// Config holds the full hostback configuration.
type Config struct {
	DestinationRoot string `yaml:"destination_root,omitempty"`

	Remote             RemoteConfig `yaml:"remote,omitempty"`
	LocalMarker        string       `yaml:"local_marker,omitempty"`
	AllowUnmarkedLocal bool         `yaml:"allow_unmarked_local"`

	DockerBinary string `yaml:"docker_binary,omitempty"`
	WorkerImage  string `yaml:"worker_image,omitempty"`

	AppsRoot    string   `yaml:"apps_root,omitempty"`
	TraefikDir  string   `yaml:"traefik_dir,omitempty"`
	EtcExcludes []string `yaml:"etc_excludes,omitempty"`
	HomeInclude []string `yaml:"home_include,omitempty"`

	Parallelism        int `yaml:"parallelism,omitempty"`
	StepTimeoutMinutes int `yaml:"step_timeout_minutes,omitempty"`

	Retention RetentionConfig `yaml:"retention,omitempty"`
	Health    HealthConfig    `yaml:"health,omitempty"`
	Webhook   WebhookConfig   `yaml:"webhook,omitempty"`
	Offsite   OffsiteConfig   `yaml:"offsite,omitempty"`
}

// Default returns a configuration populated with the standard defaults.
func Default() *Config {
	return &Config{
		Remote:             RemoteConfig{Port: 22},
		LocalMarker:        "/etc/hostback/host-marker",
		AllowUnmarkedLocal: true,
		DockerBinary:       "docker",
		WorkerImage:        "alpine",
		AppsRoot:           "/opt/apps",
		EtcExcludes:        []string{"ssl/certs", "ld.so.cache", "systemd/system"},
		HomeInclude:        []string{".config", ".ssh", ".local/share"},
		Parallelism:        1,
		StepTimeoutMinutes: 30,
		Retention: RetentionConfig{
			DailyMaxAgeDays:   7,
			WeeklyMaxAgeDays:  28,
			MonthlyMaxAgeDays: 180,
		},
		Health: HealthConfig{
			DailyMaxAgeHours:    25,
			WeeklyMaxAgeHours:   8 * 24,
			MonthlyMaxAgeHours:  32 * 24,
			DiskWarningPercent:  80,
			DiskCriticalPercent: 90,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Remote.Configured() {
		if c.Remote.User == "" {
			return errors.New("remote.user is required when remote.host is set")
		}
		if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
			return fmt.Errorf("remote.port %d is out of range", c.Remote.Port)
		}
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism)
	}
	if c.StepTimeoutMinutes < 1 {
		return fmt.Errorf("step_timeout_minutes must be at least 1, got %d", c.StepTimeoutMinutes)
	}
	if c.Health.DiskWarningPercent >= c.Health.DiskCriticalPercent {
		return fmt.Errorf("health.disk_warning_percent (%d) must be below disk_critical_percent (%d)",
			c.Health.DiskWarningPercent, c.Health.DiskCriticalPercent)
	}
	for name, days := range map[string]int{
		"retention.daily_max_age_days":   c.Retention.DailyMaxAgeDays,
		"retention.weekly_max_age_days":  c.Retention.WeeklyMaxAgeDays,
		"retention.monthly_max_age_days": c.Retention.MonthlyMaxAgeDays,
	} {
		if days < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, days)
		}
	}
	if c.Offsite.Configured() {
		if c.Offsite.AccessKeyID == "" || c.Offsite.SecretAccessKey == "" {
			return errors.New("offsite.access_key_id and offsite.secret_access_key are required when offsite.bucket is set")
		}
	}
	return nil
}

// StepTimeout returns the per-step timeout as a duration.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMinutes) * time.Minute
}

// Load reads the configuration from the given path. A missing file returns
// the defaults; values present in the file override them.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (may hold credentials)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
