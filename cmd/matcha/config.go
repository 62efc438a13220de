package main

import (
	"fmt"
	"os"

	matcha "github.com/Nathanloupy/42adv-matcha"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().Bool("raw", false, "print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage matcha configuration",
	Long:  "View or modify the matcha CLI configuration stored in ~/.matcha/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the settings browse, search and watch run with: the config file\n" +
		"overlaid on the built-in defaults. --raw prints the file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'matcha init <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfigFrom(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := toml.Marshal(effectiveConfig(cfg))
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("# no config file, built-in defaults")
		} else {
			fmt.Printf("# %s over built-in defaults\n", path)
		}
		fmt.Print(string(out))
		return nil
	},
}

// effectiveConfig fills the unset fields of cfg with the values the SDK
// falls back to. The token is masked.
func effectiveConfig(cfg *Config) Config {
	out := Config{
		Default: ConfigDefault{
			BaseURL:     valueOrDefault(cfg.Default.BaseURL, matcha.DefaultBaseURL),
			GeocoderURL: valueOrDefault(cfg.Default.GeocoderURL, matcha.DefaultNominatimURL),
		},
		Push: cfg.Push,
	}
	if cfg.Auth.Token != "" {
		out.Auth.Token = maskToken(cfg.Auth.Token)
	}

	store := matcha.NewOptionsStore(nil)
	applyFeedConfig(store, cfg.Feed)
	d := store.Draft()
	out.Feed = ConfigFeed{
		AgeMin:      d.AgeRange[0],
		AgeMax:      d.AgeRange[1],
		FameMin:     d.FameRange[0],
		FameMax:     d.FameRange[1],
		MaxDistance: d.MaxDistance,
		MinTags:     d.MinTags,
		Sort:        string(d.SortField),
		Direction:   string(d.SortDirection),
		Location:    d.LocationText,
		Tags:        d.SelectedTags,
	}

	if out.Push.ReconnectBaseMS == 0 {
		out.Push.ReconnectBaseMS = int(matcha.DefaultReconnectBaseDelay.Milliseconds())
	}
	if out.Push.ReconnectMaxMS == 0 {
		out.Push.ReconnectMaxMS = int(matcha.DefaultReconnectMaxDelay.Milliseconds())
	}
	return out
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: matcha config set feed.max_distance 25",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
