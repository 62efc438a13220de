package main

import (
	"fmt"

	matcha "github.com/Nathanloupy/42adv-matcha"
	"github.com/spf13/cobra"
)

func init() {
	initCmd.Flags().String("base-url", "", "API root (default "+matcha.DefaultBaseURL+")")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.matcha/config.toml",
	Long:  "Initialize the matcha CLI by storing your access_token cookie value in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if _, err := matcha.ParseSessionToken(token); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if u, _ := cmd.Flags().GetString("base-url"); u != "" {
			cfg.Default.BaseURL = u
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = matcha.DefaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
