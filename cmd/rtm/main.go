package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.rtm/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Client  ConfigClient  `toml:"client"`
}

// ConfigDefault holds the application credentials and endpoints.
type ConfigDefault struct {
	AppID     string `toml:"app_id"`
	AppKey    string `toml:"app_key"`
	Server    string `toml:"server"`
	APIServer string `toml:"api_server"`
}

// ConfigClient holds per-device settings.
type ConfigClient struct {
	Tag   string `toml:"tag"`
	Store string `toml:"store"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.rtm (or $RTM_CONFIG_DIR), creating it if
// needed.
func configDir() (string, error) {
	dir := os.Getenv("RTM_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".rtm")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with environment overrides applied. The
// result is used for connecting and must not be saved back.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values with RTM_* environment variables.
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"RTM_APP_ID":     &cfg.Default.AppID,
		"RTM_APP_KEY":    &cfg.Default.AppKey,
		"RTM_SERVER":     &cfg.Default.Server,
		"RTM_API_SERVER": &cfg.Default.APIServer,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.app_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.app_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "app_id":
			cfg.Default.AppID = value
		case "app_key":
			cfg.Default.AppKey = value
		case "server":
			cfg.Default.Server = value
		case "api_server":
			cfg.Default.APIServer = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "client":
		switch field {
		case "tag":
			cfg.Client.Tag = value
		case "store":
			cfg.Client.Store = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, client)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "rtm",
	Short: "RTM session client CLI",
	Long:  "Command-line interface for the RTM realtime messaging service.\nOpen sessions, query presence, manage conversations and fetch notifications.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to load .env file", "error", err)
		}
		initLogger()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
