package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	matcha "github.com/Nathanloupy/42adv-matcha"
	"github.com/spf13/cobra"
)

func init() {
	geocodeCmd.Flags().Bool("reverse", false, "resolve \"lat,lng\" to a place name")
	rootCmd.AddCommand(geocodeCmd)
}

var geocodeCmd = &cobra.Command{
	Use:   "geocode <text | lat,lng>",
	Short: "Resolve a location the way the search filters do",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		geo := newGeocoder(cfg)
		text := strings.Join(args, " ")

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if reverse, _ := cmd.Flags().GetBool("reverse"); reverse {
			at, err := matcha.ParseCoordinates(text)
			if err != nil {
				return err
			}
			name, err := geo.Reverse(ctx, at)
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		}

		place, err := geo.Forward(ctx, text)
		if errors.Is(err, matcha.ErrLocationNotFound) {
			return fmt.Errorf("no match for %q", text)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s\n  %s (%s)\n", place.DisplayName, place.Coordinates, matcha.FormatGPS(place.Coordinates.String()))
		return nil
	},
}
