package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for admin-session.
type Config struct {
	// API gateway that issues refreshed credentials.
	APIBaseURL  string `env:"API_BASE_URL"`
	RefreshPath string `env:"REFRESH_PATH" envDefault:"/auth/refresh"`

	// External login frontend. Forced logouts redirect to
	// {LoginBaseURL}/logout-sync?return_to={AppOrigin}.
	LoginBaseURL string `env:"LOGIN_BASE_URL"`

	// Origin of the admin dashboard, sent back as return_to.
	AppOrigin string `env:"APP_ORIGIN"`

	StorageConfig

	// Directory watched for credentials.json handoff files. Disabled when empty.
	HandoffDir string `env:"HANDOFF_DIR"`

	WarningWindow    time.Duration `env:"WARNING_WINDOW" envDefault:"60s"`
	CountdownSeconds int           `env:"COUNTDOWN_SECONDS" envDefault:"60"`
	RefreshTimeout   time.Duration `env:"REFRESH_TIMEOUT" envDefault:"15s"`

	// Prompt bridge and MCP listener.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	EnableMCP  bool   `env:"ENABLE_MCP" envDefault:"false"`

	// Bearer key required on /mcp. Unauthenticated when empty.
	MCPAPIKey string `env:"MCP_API_KEY"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// StorageConfig locates the credential database. The CLI subcommands
// need only this part of the configuration.
type StorageConfig struct {
	// Credential database. Defaults to ~/.admin-session/state.db.
	StatePath string `env:"STATE_PATH"`

	// When set, stored tokens are sealed with a key derived from it.
	StateSecret string `env:"STATE_SECRET"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file can carry STATE_SECRET.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.StorageConfig.setDefaults(); err != nil {
		return nil, err
	}

	if cfg.HandoffDir != "" {
		absDir, err := filepath.Abs(cfg.HandoffDir)
		if err != nil {
			return nil, fmt.Errorf("resolving handoff dir to absolute path: %w", err)
		}

		cfg.HandoffDir = absDir
	}

	return cfg, nil
}

// LoadStorage reads only the storage settings.
func LoadStorage() (*StorageConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &StorageConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (s *StorageConfig) setDefaults() error {
	if s.StatePath != "" {
		return nil
	}

	p, err := DefaultStatePath()
	if err != nil {
		return err
	}

	s.StatePath = p

	return nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	if err := requireHTTPURL("API_BASE_URL", c.APIBaseURL); err != nil {
		return err
	}

	if c.LoginBaseURL == "" {
		return fmt.Errorf("LOGIN_BASE_URL is required")
	}

	if err := requireHTTPURL("LOGIN_BASE_URL", c.LoginBaseURL); err != nil {
		return err
	}

	if c.AppOrigin == "" {
		return fmt.Errorf("APP_ORIGIN is required")
	}

	if err := requireHTTPURL("APP_ORIGIN", c.AppOrigin); err != nil {
		return err
	}

	if c.WarningWindow <= 0 {
		return fmt.Errorf("WARNING_WINDOW must be positive")
	}

	if c.CountdownSeconds <= 0 {
		return fmt.Errorf("COUNTDOWN_SECONDS must be positive")
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT must be positive")
	}

	return nil
}

func requireHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", name)
	}

	return nil
}

// DefaultStatePath returns ~/.admin-session/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".admin-session", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
