package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// CLIConfig holds faultctl configuration (profiles pointing at core servers).
type CLIConfig struct {
	CurrentProfile string                 `yaml:"current_profile" mapstructure:"current_profile"`
	Profiles       map[string]*CLIProfile `yaml:"profiles" mapstructure:"profiles"`
	Defaults       *CLIDefaults           `yaml:"defaults" mapstructure:"defaults"`
	path           string
}

// CLIProfile is one named target.
type CLIProfile struct {
	ServerURL string `yaml:"server_url" mapstructure:"server_url"`
	Project   string `yaml:"project" mapstructure:"project"`
}

// CLIDefaults apply when the selected profile leaves a field empty.
type CLIDefaults struct {
	ServerURL string `yaml:"server_url" mapstructure:"server_url"`
	Project   string `yaml:"project" mapstructure:"project"`
}

// DefaultCLI returns a CLIConfig with default values
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		CurrentProfile: "default",
		Profiles:       make(map[string]*CLIProfile),
		Defaults: &CLIDefaults{
			ServerURL: "http://localhost:8080",
			Project:   "default",
		},
	}
}

// LoadCLI loads configuration for faultctl.
// Uses $HOME/.faultline as the default FAULTLINE_CONFIG_DIR if not set.
func LoadCLI() (*CLIConfig, error) {
	configDir := os.Getenv(EnvConfigDir)
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		configDir = filepath.Join(home, ".faultline")
	}
	return LoadCLIFile(filepath.Join(configDir, "cli.yaml"))
}

// LoadCLIFile loads faultctl configuration from path. Environment variables
// FAULTCTL_SERVER_URL and FAULTCTL_PROJECT override the defaults.
func LoadCLIFile(path string) (*CLIConfig, error) {
	v := viper.New()

	v.SetDefault("current_profile", "default")
	v.SetDefault("defaults.server_url", "http://localhost:8080")
	v.SetDefault("defaults.project", "default")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FAULTCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("defaults.server_url", "FAULTCTL_SERVER_URL")
	_ = v.BindEnv("defaults.project", "FAULTCTL_PROJECT")

	_ = v.ReadInConfig() // file may not exist yet

	cfg := DefaultCLI()
	cfg.path = path

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the CLI config to disk
func (c *CLIConfig) Save() error {
	if c.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.path = filepath.Join(home, ".faultline", "cli.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path, data, 0600)
}

// SetProfile stores a profile and makes it current.
func (c *CLIConfig) SetProfile(name, serverURL, project string) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}
	c.Profiles[name] = &CLIProfile{ServerURL: serverURL, Project: project}
	c.CurrentProfile = name
	return c.Save()
}

// GetProfile retrieves a profile by name (or current profile if name is empty)
func (c *CLIConfig) GetProfile(name string) (*CLIProfile, error) {
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}

	return profile, nil
}

// ServerURL returns the server URL from profile or defaults
func (c *CLIConfig) ServerURL(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.ServerURL != "" {
		return p.ServerURL
	}
	return c.Defaults.ServerURL
}

// Project returns the project from profile or defaults
func (c *CLIConfig) Project(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.Project != "" {
		return p.Project
	}
	return c.Defaults.Project
}
