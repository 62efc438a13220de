package main

import (
	"context"
	"fmt"
	"time"

	matcha "github.com/Nathanloupy/42adv-matcha"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the session token is expired, and fetch live counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, matcha.DefaultBaseURL))
		fmt.Printf("  Geocoder:    %s\n", valueOrDefault(cfg.Default.GeocoderURL, matcha.DefaultNominatimURL))

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))

		claims, err := matcha.ParseSessionToken(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Claims:      unreadable (%v)\n", err)
			return nil
		}
		if claims.UserID != 0 {
			fmt.Printf("  User ID:     %d\n", claims.UserID)
		}
		switch {
		case claims.ExpiresAt.IsZero():
			fmt.Println("  Expiry:      none")
		case claims.Expired(time.Now()):
			fmt.Printf("  Expiry:      EXPIRED (%s)\n", claims.ExpiresAt.Format(time.RFC3339))
			return nil
		default:
			fmt.Printf("  Expiry:      valid until %s\n", claims.ExpiresAt.Format(time.RFC3339))
		}

		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		cache := matcha.NewQueryCache()
		var likes, views, peers []matcha.PeerSummary
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			likes, err = cache.LikedBy(gctx, client)
			return err
		})
		g.Go(func() (err error) {
			views, err = cache.ViewedBy(gctx, client)
			return err
		})
		g.Go(func() (err error) {
			peers, err = cache.Peers(gctx, client)
			return err
		})

		fmt.Println()
		fmt.Println("Live status:")
		if err := g.Wait(); err != nil {
			fmt.Printf("  Error fetching lists: %v\n", err)
			return nil
		}
		fmt.Printf("  Liked by:    %d\n", len(likes))
		fmt.Printf("  Viewed by:   %d\n", len(views))
		fmt.Printf("  Connected:   %d\n", len(peers))
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
