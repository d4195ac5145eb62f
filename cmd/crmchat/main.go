package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/crmdesk/chatsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.crmchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Notify  ConfigNotify  `toml:"notify"`
	Read    ConfigRead    `toml:"read"`
}

// ConfigDefault holds the API location and the persisted default tenant.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	TenantID string `toml:"tenant_id"`
}

// ConfigAuth holds the session token.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigNotify controls background notifications.
type ConfigNotify struct {
	Desktop       bool `toml:"desktop"`
	PreviewLength int  `toml:"preview_length"`
}

// ConfigRead lists the UI moments that mark a conversation read.
type ConfigRead struct {
	Triggers []string `toml:"triggers"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.crmchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".crmchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

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

// setConfigValue sets a config field using dot notation (e.g. "default.tenant_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "tenant_id":
			cfg.Default.TenantID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "notify":
		switch field {
		case "desktop":
			v, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("notify.desktop must be true or false")
			}
			cfg.Notify.Desktop = v
		case "preview_length":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("notify.preview_length must be a positive number")
			}
			cfg.Notify.PreviewLength = n
		default:
			return fmt.Errorf("unknown field %q in section [notify]", field)
		}
	case "read":
		switch field {
		case "triggers":
			var triggers []string
			for _, s := range strings.Split(value, ",") {
				if strings.TrimSpace(s) == "" {
					continue
				}
				t, err := chatsync.ParseReadTrigger(s)
				if err != nil {
					return err
				}
				triggers = append(triggers, t.String())
			}
			cfg.Read.Triggers = triggers
		default:
			return fmt.Errorf("unknown field %q in section [read]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, notify, read)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	debug  bool
	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "crmchat",
	Short: "CRM chat CLI",
	Long:  "Command-line client for the CRM chat.\nBrowse contacts and conversations, chat in real time, and watch presence and notifications.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if debug {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
