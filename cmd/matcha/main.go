package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.matcha/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Feed    ConfigFeed    `toml:"feed"`
	Push    ConfigPush    `toml:"push"`
}

// ConfigDefault holds the endpoints.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	GeocoderURL string `toml:"geocoder_url"`
}

// ConfigAuth holds the session token (the access_token cookie value).
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigFeed holds the filter options a browse or search starts from.
type ConfigFeed struct {
	AgeMin      int      `toml:"age_min"`
	AgeMax      int      `toml:"age_max"`
	FameMin     int      `toml:"fame_min"`
	FameMax     int      `toml:"fame_max"`
	MaxDistance float64  `toml:"max_distance"`
	MinTags     int      `toml:"min_tags"`
	Sort        string   `toml:"sort"`
	Direction   string   `toml:"direction"`
	Location    string   `toml:"location"`
	Tags        []string `toml:"tags"`
}

// ConfigPush holds the push channel reconnection settings.
type ConfigPush struct {
	ReconnectBaseMS  int `toml:"reconnect_base_ms"`
	ReconnectMaxMS   int `toml:"reconnect_max_ms"`
	MaxAttempts      int `toml:"max_attempts"`
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.matcha, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".matcha")
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
	return loadConfigFrom(path)
}

func loadConfigFrom(path string) (*Config, error) {
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

// setConfigValue sets a config field using dot notation (e.g. "feed.age_min").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}

	atoi := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, value)
		}
		*dst = n
		return nil
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "geocoder_url":
			cfg.Default.GeocoderURL = value
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
	case "feed":
		switch field {
		case "age_min":
			return atoi(&cfg.Feed.AgeMin)
		case "age_max":
			return atoi(&cfg.Feed.AgeMax)
		case "fame_min":
			return atoi(&cfg.Feed.FameMin)
		case "fame_max":
			return atoi(&cfg.Feed.FameMax)
		case "min_tags":
			return atoi(&cfg.Feed.MinTags)
		case "max_distance":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("%s: %q is not a number", key, value)
			}
			cfg.Feed.MaxDistance = f
		case "sort":
			cfg.Feed.Sort = value
		case "direction":
			cfg.Feed.Direction = value
		case "location":
			cfg.Feed.Location = value
		case "tags":
			cfg.Feed.Tags = nil
			for _, t := range strings.Split(value, ",") {
				if t = strings.TrimSpace(t); t != "" {
					cfg.Feed.Tags = append(cfg.Feed.Tags, t)
				}
			}
		default:
			return fmt.Errorf("unknown field %q in section [feed]", field)
		}
	case "push":
		switch field {
		case "reconnect_base_ms":
			return atoi(&cfg.Push.ReconnectBaseMS)
		case "reconnect_max_ms":
			return atoi(&cfg.Push.ReconnectMaxMS)
		case "max_attempts":
			return atoi(&cfg.Push.MaxAttempts)
		case "heartbeat_seconds":
			return atoi(&cfg.Push.HeartbeatSeconds)
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, feed, push)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "matcha",
	Short: "matcha client CLI",
	Long:  "Command-line client for the matcha API.\nBrowse and search profiles, resolve locations, and watch live notifications.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog reads its flags from the standard flag set.
		_ = flag.CommandLine.Parse(nil)
	},
}

func init() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}
