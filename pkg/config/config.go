package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":3000"

	// DefaultBuildsRoot is the default directory for build working
	// directories and logs.
	DefaultBuildsRoot = "./builds"

	// DefaultMaxBuildsInQueue is the admission ceiling on queued plus
	// building records.
	DefaultMaxBuildsInQueue = 10

	// DefaultMaxBuildsToKeep is the retention ceiling on terminal
	// records.
	DefaultMaxBuildsToKeep = 20

	// DefaultRuntime is the default toolchain runtime.
	DefaultRuntime = "exec"

	// envPrefix is the prefix for environment variable overrides,
	// e.g. FORGELET_SERVER_LISTEN.
	envPrefix = "FORGELET"
)

// Config is the root configuration for forgelet.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Builds    BuildsConfig    `yaml:"builds" mapstructure:"builds"`
	Toolchain ToolchainConfig `yaml:"toolchain" mapstructure:"toolchain"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Upload    UploadConfig    `yaml:"upload,omitempty" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Submit  RateLimitTier `yaml:"submit,omitempty" mapstructure:"submit"`
	Read    RateLimitTier `yaml:"read,omitempty" mapstructure:"read"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// BuildsConfig contains queueing, retention, and storage settings for
// builds.
type BuildsConfig struct {
	Root                   string `yaml:"root" mapstructure:"root"`
	MaxBuildsInQueue       int    `yaml:"max_builds_in_queue" mapstructure:"max_builds_in_queue"`
	MaxBuildsToKeep        int    `yaml:"max_builds_to_keep" mapstructure:"max_builds_to_keep"`
	DeleteBuildsOnShutdown *bool  `yaml:"delete_builds_on_shutdown,omitempty" mapstructure:"delete_builds_on_shutdown"`
	AllowsEmulate          bool   `yaml:"allows_emulate" mapstructure:"allows_emulate"`

	// Owner is an optional UID:GID applied to created build
	// directories and logs.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// DeleteOnShutdown resolves the delete_builds_on_shutdown knob, which
// defaults to true when unset.
func (b *BuildsConfig) DeleteOnShutdown() bool {
	if b.DeleteBuildsOnShutdown == nil {
		return true
	}

	return *b.DeleteBuildsOnShutdown
}

// ToolchainConfig describes the external toolchain and the device
// bridge commands used by post-build actions.
type ToolchainConfig struct {
	// Runtime selects how toolchain processes run: "exec" for local
	// processes, "docker" for one-shot containers.
	Runtime string `yaml:"runtime" mapstructure:"runtime"`

	// Build is the command invoked to perform a build.
	Build CommandSpec `yaml:"build" mapstructure:"build"`

	// Actions maps post-build action names (emulate, deploy, run,
	// debug) to their device-bridge commands.
	Actions map[string]CommandSpec `yaml:"actions,omitempty" mapstructure:"actions"`

	// Docker configures the container runtime when runtime is
	// "docker".
	Docker DockerRuntimeConfig `yaml:"docker,omitempty" mapstructure:"docker"`
}

// CommandSpec is an executable plus its fixed leading arguments.
type CommandSpec struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args,omitempty" mapstructure:"args"`
}

// DockerRuntimeConfig contains settings for the containerized runtime.
type DockerRuntimeConfig struct {
	Image              string `yaml:"image" mapstructure:"image"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds,omitempty" mapstructure:"stop_timeout_seconds"`
}

// DatabaseConfig contains build history database settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// UploadConfig contains optional artifact upload settings.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig configures uploads of completed build artifacts to
// S3-compatible storage.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// Load reads a configuration file and applies FORGELET_* environment
// variable overrides for any key present in the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
// options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Builds.Root == "" {
		c.Builds.Root = DefaultBuildsRoot
	}

	if c.Builds.MaxBuildsInQueue == 0 {
		c.Builds.MaxBuildsInQueue = DefaultMaxBuildsInQueue
	}

	if c.Builds.MaxBuildsToKeep == 0 {
		c.Builds.MaxBuildsToKeep = DefaultMaxBuildsToKeep
	}

	if c.Toolchain.Runtime == "" {
		c.Toolchain.Runtime = DefaultRuntime
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = filepath.Join(c.Builds.Root, "history.db")
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Builds.MaxBuildsInQueue < 1 {
		return fmt.Errorf("builds.max_builds_in_queue must be at least 1")
	}

	if c.Builds.MaxBuildsToKeep < 1 {
		return fmt.Errorf("builds.max_builds_to_keep must be at least 1")
	}

	if c.Toolchain.Build.Command == "" {
		return fmt.Errorf("toolchain.build.command is required")
	}

	switch c.Toolchain.Runtime {
	case "exec":
	case "docker":
		if c.Toolchain.Docker.Image == "" {
			return fmt.Errorf("toolchain.docker.image is required for the docker runtime")
		}
	default:
		return fmt.Errorf("unknown toolchain runtime %q", c.Toolchain.Runtime)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if dir := filepath.Dir(c.Builds.Root); dir != "." && dir != ".." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("builds root parent %q does not exist", dir)
		}
	}

	if c.Upload.S3 != nil && c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when s3 upload is enabled")
	}

	return nil
}

// WriteDefault writes a default configuration file to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %q already exists", path)
	}

	cfg := Config{}
	cfg.applyDefaults()
	cfg.Toolchain.Build = CommandSpec{Command: "/usr/local/bin/forge-build"}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
