package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relsyncd configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Poll     PollConfig     `yaml:"poll"`
	Transfer TransferConfig `yaml:"transfer"`
	Package  PackageConfig  `yaml:"package"`
	Serve    ServeConfig    `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	ConfigDir    string `yaml:"config_dir"`
	DownloadsDir string `yaml:"downloads_dir"`
}

// UpstreamConfig configures release polling and artifact downloads
type UpstreamConfig struct {
	TokenFile             string        `yaml:"token_file"`
	Timeout               time.Duration `yaml:"timeout"`
	Retries               int           `yaml:"retries"`
	SecondaryAssetSources []string      `yaml:"secondary_asset_sources"`
}

// PollConfig configures the periodic update check of the serve daemon
type PollConfig struct {
	Interval     time.Duration `yaml:"interval"`
	AutoDownload bool          `yaml:"auto_download"`
}

// TransferConfig configures device uploads
type TransferConfig struct {
	Attempts   int           `yaml:"attempts"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PackageConfig configures packaging of the output tree
type PackageConfig struct {
	Prefix string `yaml:"prefix"`
}

// ServeConfig configures the daemon HTTP surface
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedActions          []string `yaml:"allowed_actions"`
	WatchSources            bool     `yaml:"watch_sources"`
	EnableActions           bool     `yaml:"enable_actions"`
}

// TokenEnv is the environment variable consulted when no token file is configured.
const TokenEnv = "GITHUB_TOKEN"

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like fields
func (c *Config) expandEnv() {
	c.Paths.ConfigDir = os.ExpandEnv(c.Paths.ConfigDir)
	c.Paths.DownloadsDir = os.ExpandEnv(c.Paths.DownloadsDir)
	c.Upstream.TokenFile = os.ExpandEnv(c.Upstream.TokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.Retries == 0 {
		c.Upstream.Retries = 2
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 60 * time.Minute
	}
	if c.Transfer.Attempts == 0 {
		c.Transfer.Attempts = 3
	}
	if c.Transfer.RetryDelay == 0 {
		c.Transfer.RetryDelay = 2 * time.Second
	}
	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = 30 * time.Second
	}
	if c.Package.Prefix == "" {
		c.Package.Prefix = "AIO"
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"release"}
	}
	if len(c.Serve.AllowedActions) == 0 {
		c.Serve.AllowedActions = []string{"published", "released"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.ConfigDir == "" {
		return fmt.Errorf("paths.config_dir is required")
	}
	if c.Paths.DownloadsDir == "" {
		return fmt.Errorf("paths.downloads_dir is required")
	}

	if !filepath.IsAbs(c.Paths.ConfigDir) {
		return fmt.Errorf("paths.config_dir must be an absolute path: %s", c.Paths.ConfigDir)
	}
	if !filepath.IsAbs(c.Paths.DownloadsDir) {
		return fmt.Errorf("paths.downloads_dir must be an absolute path: %s", c.Paths.DownloadsDir)
	}

	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must not be negative")
	}
	if c.Upstream.Retries < 0 {
		return fmt.Errorf("upstream.retries must not be negative")
	}
	if c.Poll.Interval < time.Minute {
		return fmt.Errorf("poll.interval must be at least 1m, got %s", c.Poll.Interval)
	}
	if c.Transfer.Attempts < 1 {
		return fmt.Errorf("transfer.attempts must be at least 1")
	}
	if c.Transfer.RetryDelay < 0 {
		return fmt.Errorf("transfer.retry_delay must not be negative")
	}
	if strings.ContainsAny(c.Package.Prefix, `/\`) {
		return fmt.Errorf("package.prefix must not contain path separators: %s", c.Package.Prefix)
	}

	return nil
}

// ValidateServe checks the settings only the serve command needs
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required when not socket activated")
	}
	return nil
}

// InputDir returns the directory raw downloads are written to before extraction
func (c *Config) InputDir() string {
	return filepath.Join(c.Paths.DownloadsDir, "input")
}

// OutputDir returns the root of the live output tree
func (c *Config) OutputDir() string {
	return filepath.Join(c.Paths.DownloadsDir, "output")
}

// StagingDir returns the scratch directory of an in-flight download run.
// It sits next to the output tree so promotion is a same-filesystem rename.
func (c *Config) StagingDir() string {
	return filepath.Join(c.Paths.DownloadsDir, ".output_staging")
}

// PackagePath returns the path of the package archive for the given day
func (c *Config) PackagePath(day time.Time) string {
	return filepath.Join(c.Paths.DownloadsDir, fmt.Sprintf("%s-%s.zip", c.Package.Prefix, day.Format("20060102")))
}

// Token returns the upstream access token, preferring the token file over
// the GITHUB_TOKEN environment variable. An empty token means anonymous access.
func (c *Config) Token() (string, error) {
	if c.Upstream.TokenFile != "" {
		data, err := os.ReadFile(c.Upstream.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(os.Getenv(TokenEnv)), nil
}
