package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	matcha "github.com/Nathanloupy/42adv-matcha"
	"github.com/spf13/cobra"
)

func init() {
	for _, cmd := range []*cobra.Command{browseCmd, searchCmd} {
		f := cmd.Flags()
		f.Int("age-min", 0, "minimum age")
		f.Int("age-max", 0, "maximum age")
		f.Int("fame-min", 0, "minimum fame")
		f.Int("fame-max", 0, "maximum fame")
		f.Float64("max-distance", 0, "maximum distance in km")
		f.Int("min-tags", 0, "minimum number of common tags")
		f.String("sort", "", "sort field: none, age, distance, fame, tags")
		f.Bool("desc", false, "sort descending")
		f.Int("pages", 1, "number of pages to walk")
		rootCmd.AddCommand(cmd)
	}
	searchCmd.Flags().String("location", "", "search around this place")
	searchCmd.Flags().StringSlice("tag", nil, "required interest tag (repeatable)")
}

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "List suggested profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFeed(cmd, matcha.ModeBrowse)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search profiles by range, location and tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFeed(cmd, matcha.ModeSearch)
	},
}

// applyFeedFlags overlays explicitly set flags on the feed config.
func applyFeedFlags(cmd *cobra.Command, f *ConfigFeed) {
	flags := cmd.Flags()
	setInt := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	setInt("age-min", &f.AgeMin)
	setInt("age-max", &f.AgeMax)
	setInt("fame-min", &f.FameMin)
	setInt("fame-max", &f.FameMax)
	setInt("min-tags", &f.MinTags)
	if flags.Changed("max-distance") {
		f.MaxDistance, _ = flags.GetFloat64("max-distance")
	}
	if flags.Changed("sort") {
		f.Sort, _ = flags.GetString("sort")
	}
	if desc, _ := flags.GetBool("desc"); desc {
		f.Direction = string(matcha.SortDesc)
	}
	if flags.Lookup("location") != nil && flags.Changed("location") {
		f.Location, _ = flags.GetString("location")
	}
	if flags.Lookup("tag") != nil && flags.Changed("tag") {
		f.Tags, _ = flags.GetStringSlice("tag")
	}
}

func runFeed(cmd *cobra.Command, mode matcha.FeedMode) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	feedCfg := cfg.Feed
	if mode == matcha.ModeBrowse {
		feedCfg.Location, feedCfg.Tags = "", nil
	}
	applyFeedFlags(cmd, &feedCfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	store := matcha.NewOptionsStore(newGeocoder(cfg))
	applyFeedConfig(store, feedCfg)
	committed, err := store.Commit(ctx)
	if err != nil {
		return err
	}
	if loc := committed.Location(); loc != nil {
		fmt.Printf("Searching around %s (%s)\n", committed.Options().LocationText, matcha.FormatGPS(loc.String()))
	}

	cache := matcha.NewFeedCache(client)
	defer cache.Close()
	feed := matcha.NewFeed(cache, store, mode)
	defer feed.Close()
	if err := feed.Load(ctx); err != nil {
		return err
	}

	pages, _ := cmd.Flags().GetInt("pages")
	now := time.Now()
	for page := 1; ; page++ {
		switch feed.State() {
		case matcha.FeedEmpty:
			fmt.Println("No profiles.")
			return nil
		case matcha.FeedNoMatches:
			fmt.Println("No profiles match the distance and tag filters on this page.")
		case matcha.FeedReady:
			fmt.Printf("Page %d\n", page)
			for i, p := range feed.View() {
				printProfile(i, p, now)
			}
		}
		if page >= pages {
			return nil
		}

		// Walk to the end of the view; the step past the last profile
		// promotes the prefetched page.
		for n := max(len(feed.View()), 1); n > 0; n-- {
			err := feed.Next(ctx)
			if errors.Is(err, matcha.ErrFeedExhausted) {
				fmt.Println("No more profiles.")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}
