package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.prefsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Client ConfigClient `toml:"client"`
	Log    ConfigLog    `toml:"log"`
}

// ConfigServer holds settings of `prefsync serve`.
type ConfigServer struct {
	Addr     string `toml:"addr"`
	DBPath   string `toml:"db_path"`
	AuthKeys string `toml:"auth_keys"`
}

// ConfigClient holds the local store location and the signed-in identity.
type ConfigClient struct {
	BaseURL string `toml:"base_url"`
	DataDir string `toml:"data_dir"`
	UserID  string `toml:"user_id"`
	Token   string `toml:"token"`
}

// ConfigLog holds logging settings.
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func (c *Config) defaults(dir string) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = filepath.Join(dir, "favorites.db")
	}
	if c.Client.DataDir == "" {
		c.Client.DataDir = filepath.Join(dir, "data")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ============================================================================
// Config helpers
// ============================================================================

// configFile overrides the config path when set by --config.
var configFile string

// configDir returns the path to ~/.prefsync, creating it if needed.
func configDir() (string, error) {
	if configFile != "" {
		return filepath.Dir(configFile), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".prefsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, filling in defaults.
// A missing file yields the defaults.
func loadConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	cfg.defaults(dir)
	return cfg, nil
}

// readConfig reads the config file as written, without defaults.
func readConfig() (*Config, error) {
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

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
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

// setConfigValue sets a config field using dot notation (e.g. "client.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. client.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "addr":
			cfg.Server.Addr = value
		case "db_path":
			cfg.Server.DBPath = value
		case "auth_keys":
			cfg.Server.AuthKeys = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "client":
		switch field {
		case "base_url":
			cfg.Client.BaseURL = value
		case "data_dir":
			cfg.Client.DataDir = value
		case "user_id":
			cfg.Client.UserID = value
		case "token":
			cfg.Client.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := log.ParseLevel(value); err != nil {
				return err
			}
			cfg.Log.Level = value
		case "format":
			if value != "text" && value != "json" && value != "color" {
				return fmt.Errorf("log format must be one of text, json, color")
			}
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, client, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "prefsync",
	Short: "Local-first favorites and theme preferences",
	Long: "Command-line interface for prefsync: run the favorites server, and manage\n" +
		"local favorites and theme preferences kept in sync with it.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		return InitLog(cfg.Log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.prefsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
