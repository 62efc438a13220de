package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	matcha "github.com/Nathanloupy/42adv-matcha"
)

var errNoToken = errors.New("no session token. Run 'matcha init <token>' first")

// newClient creates a matcha client authenticated with the stored token.
func newClient(cfg *Config) (*matcha.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	var opts []matcha.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, matcha.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, matcha.WithToken(cfg.Auth.Token))
	return matcha.NewClient(opts...), nil
}

func newGeocoder(cfg *Config) *matcha.NominatimGeocoder {
	var opts []matcha.GeocoderOption
	if cfg.Default.GeocoderURL != "" {
		opts = append(opts, matcha.WithGeocoderURL(cfg.Default.GeocoderURL))
	}
	return matcha.NewNominatimGeocoder(opts...)
}

// applyFeedConfig stages the configured filter options in the store's draft.
// Zero values keep the store defaults.
func applyFeedConfig(store *matcha.OptionsStore, f ConfigFeed) {
	d := store.Draft()
	age, fame := d.AgeRange, d.FameRange
	if f.AgeMin != 0 {
		age[0] = f.AgeMin
	}
	if f.AgeMax != 0 {
		age[1] = f.AgeMax
	}
	if f.FameMin != 0 {
		fame[0] = f.FameMin
	}
	if f.FameMax != 0 {
		fame[1] = f.FameMax
	}
	store.SetAgeRange(age)
	store.SetFameRange(fame)
	if f.MaxDistance > 0 {
		store.SetMaxDistance(f.MaxDistance)
	}
	if f.MinTags > 0 {
		store.SetMinTags(f.MinTags)
	}
	if f.Sort != "" {
		store.SetSortField(matcha.SortField(f.Sort))
	}
	if f.Direction != "" {
		store.SetSortDirection(matcha.SortDirection(f.Direction))
	}
	if f.Location != "" {
		store.SetLocationText(f.Location)
	}
	for _, t := range f.Tags {
		if !containsTag(store.Draft().SelectedTags, t) {
			store.ToggleTag(t)
		}
	}
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// pushConfig maps the [push] section to a PushConfig. Zero values keep the
// library defaults.
func pushConfig(p ConfigPush) matcha.PushConfig {
	return matcha.PushConfig{
		ReconnectBaseDelay:   time.Duration(p.ReconnectBaseMS) * time.Millisecond,
		ReconnectMaxDelay:    time.Duration(p.ReconnectMaxMS) * time.Millisecond,
		MaxReconnectAttempts: p.MaxAttempts,
		HeartbeatInterval:    time.Duration(p.HeartbeatSeconds) * time.Second,
	}
}

func printProfile(i int, p matcha.Profile, now time.Time) {
	name := strings.TrimSpace(p.Firstname + " " + p.Surname)
	if name == "" {
		name = p.Username
	}
	fmt.Printf("%3d. #%-5d %-24s age %-3d fame %-5d %6.1f km  %d common tags  (%s)\n",
		i+1, p.ID, name, p.Age, p.Fame, p.Distance, p.CommonTags, p.LastSeen(now))
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..." + token[len(token)-4:]
}
