package matcha

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// ============================================================================
// Filter options
// ============================================================================

// Range is an inclusive [min, max] pair.
type Range [2]int

const (
	AgeMin             = 18
	AgeMax             = 99
	FameMin            = -1000
	FameMax            = 1000
	DefaultMaxDistance = 100
	DefaultMinTags     = 0
)

// FilterOptions is one generation of the user's browse configuration. The
// store keeps a draft generation that the UI edits freely and a committed
// generation that the feed is queried with.
type FilterOptions struct {
	AgeRange      Range
	FameRange     Range
	MaxDistance   float64
	MinTags       int
	SortField     SortField
	SortDirection SortDirection
	LocationText  string
	SelectedTags  []string
}

// DefaultFilterOptions is the generation a fresh session starts with.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{
		AgeRange:      Range{AgeMin, AgeMax},
		FameRange:     Range{FameMin, FameMax},
		MaxDistance:   DefaultMaxDistance,
		MinTags:       DefaultMinTags,
		SortField:     SortNone,
		SortDirection: SortAsc,
	}
}

func (o FilterOptions) clone() FilterOptions {
	o.SelectedTags = slices.Clone(o.SelectedTags)
	return o
}

// Equal compares field by field. Tag selections compare as sets.
func (o FilterOptions) Equal(other FilterOptions) bool {
	return o.AgeRange == other.AgeRange &&
		o.FameRange == other.FameRange &&
		o.MaxDistance == other.MaxDistance &&
		o.MinTags == other.MinTags &&
		o.SortField == other.SortField &&
		o.SortDirection == other.SortDirection &&
		o.LocationText == other.LocationText &&
		sameTagSet(o.SelectedTags, other.SelectedTags)
}

func sameTagSet(a, b []string) bool {
	return slices.Equal(normalizeTags(a), normalizeTags(b))
}

func normalizeTags(tags []string) []string {
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}

// ============================================================================
// Fingerprint
// ============================================================================

// FeedMode distinguishes the browse feed from the search feed.
type FeedMode string

const (
	ModeBrowse FeedMode = "browse"
	ModeSearch FeedMode = "search"
)

// Fingerprint identifies one set of committed query parameters and is used
// as the feed cache key. Two fingerprints are equal iff every field is.
type Fingerprint struct {
	Mode        FeedMode
	AgeMin      int
	AgeMax      int
	FameMin     int
	FameMax     int
	HasLocation bool
	Lat         float64
	Lng         float64
	Tags        string
}

func (f Fingerprint) String() string {
	s := fmt.Sprintf("%s age=%d-%d fame=%d-%d", f.Mode, f.AgeMin, f.AgeMax, f.FameMin, f.FameMax)
	if f.HasLocation {
		s += " at=" + f.Location().String()
	}
	if f.Tags != "" {
		s += " tags=" + f.Tags
	}
	return s
}

// Location returns the resolved coordinates, if any.
func (f Fingerprint) Location() *Coordinates {
	if !f.HasLocation {
		return nil
	}
	return &Coordinates{Lat: f.Lat, Lng: f.Lng}
}

// TagList splits the tag set back out.
func (f Fingerprint) TagList() []string {
	if f.Tags == "" {
		return nil
	}
	return strings.Split(f.Tags, ",")
}

// BrowseParams returns the range bounds of the fingerprint.
func (f Fingerprint) BrowseParams() BrowseParams {
	return BrowseParams{AgeMin: f.AgeMin, AgeMax: f.AgeMax, FameMin: f.FameMin, FameMax: f.FameMax}
}

// SearchParams returns the full parameter set of a search fingerprint.
func (f Fingerprint) SearchParams() SearchParams {
	return SearchParams{BrowseParams: f.BrowseParams(), Location: f.Location(), Tags: f.TagList()}
}

// ============================================================================
// Committed snapshot
// ============================================================================

// Committed is an immutable applied generation of FilterOptions together with
// the coordinates its location text resolved to.
type Committed struct {
	opts     FilterOptions
	location *Coordinates
}

// Options returns a copy of the committed options.
func (c Committed) Options() FilterOptions { return c.opts.clone() }

// Location returns the resolved coordinates, nil when no location is set.
func (c Committed) Location() *Coordinates {
	if c.location == nil {
		return nil
	}
	loc := *c.location
	return &loc
}

func (c Committed) Sort() SortSpec {
	return SortSpec{Field: c.opts.SortField, Direction: c.opts.SortDirection}
}

func (c Committed) Filters() FilterSpec {
	return FilterSpec{MaxDistance: c.opts.MaxDistance, MinTags: c.opts.MinTags}
}

// Fingerprint derives the feed cache key for mode. The browse feed only
// depends on the range fields; search adds the location and tag set.
func (c Committed) Fingerprint(mode FeedMode) Fingerprint {
	fp := Fingerprint{
		Mode:    mode,
		AgeMin:  c.opts.AgeRange[0],
		AgeMax:  c.opts.AgeRange[1],
		FameMin: c.opts.FameRange[0],
		FameMax: c.opts.FameRange[1],
	}
	if mode != ModeSearch {
		return fp
	}
	if c.location != nil {
		fp.HasLocation = true
		fp.Lat, fp.Lng = c.location.Lat, c.location.Lng
	}
	fp.Tags = strings.Join(normalizeTags(c.opts.SelectedTags), ",")
	return fp
}

// ============================================================================
// Options store
// ============================================================================

// OptionsStore stages filter edits in a draft and publishes them only on
// Commit. Commit is the single writer of the committed snapshot.
type OptionsStore struct {
	geocoder Geocoder

	mu        sync.Mutex
	draft     FilterOptions
	committed Committed
	geocoding bool
	onCommit  []*func(Committed)
}

func NewOptionsStore(geocoder Geocoder) *OptionsStore {
	defaults := DefaultFilterOptions()
	return &OptionsStore{
		geocoder:  geocoder,
		draft:     defaults.clone(),
		committed: Committed{opts: defaults},
	}
}

// OnCommit registers a handler invoked after every successful commit. The
// returned func removes it.
func (s *OptionsStore) OnCommit(h func(Committed)) func() {
	ref := &h
	s.mu.Lock()
	s.onCommit = append(s.onCommit, ref)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.onCommit = slices.DeleteFunc(slices.Clone(s.onCommit), func(r *func(Committed)) bool { return r == ref })
		s.mu.Unlock()
	}
}

func (s *OptionsStore) edit(fn func(d *FilterOptions)) {
	s.mu.Lock()
	fn(&s.draft)
	s.mu.Unlock()
}

func (s *OptionsStore) SetAgeRange(r Range) { s.edit(func(d *FilterOptions) { d.AgeRange = r }) }

func (s *OptionsStore) SetFameRange(r Range) { s.edit(func(d *FilterOptions) { d.FameRange = r }) }

func (s *OptionsStore) SetMaxDistance(km float64) { s.edit(func(d *FilterOptions) { d.MaxDistance = km }) }

func (s *OptionsStore) SetMinTags(n int) { s.edit(func(d *FilterOptions) { d.MinTags = n }) }

func (s *OptionsStore) SetSortField(f SortField) { s.edit(func(d *FilterOptions) { d.SortField = f }) }

func (s *OptionsStore) SetSortDirection(dir SortDirection) {
	s.edit(func(d *FilterOptions) { d.SortDirection = dir })
}

func (s *OptionsStore) SetLocationText(text string) {
	s.edit(func(d *FilterOptions) { d.LocationText = text })
}

func (s *OptionsStore) ToggleSortDirection() {
	s.edit(func(d *FilterOptions) {
		if d.SortDirection == SortAsc {
			d.SortDirection = SortDesc
		} else {
			d.SortDirection = SortAsc
		}
	})
}

// ToggleTag adds tag to the draft selection, or removes it if present.
func (s *OptionsStore) ToggleTag(tag string) {
	s.edit(func(d *FilterOptions) {
		if i := slices.Index(d.SelectedTags, tag); i >= 0 {
			d.SelectedTags = slices.Delete(slices.Clone(d.SelectedTags), i, i+1)
			return
		}
		d.SelectedTags = append(slices.Clone(d.SelectedTags), tag)
	})
}

// Draft returns a copy of the draft generation.
func (s *OptionsStore) Draft() FilterOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.clone()
}

// Committed returns the last applied snapshot.
func (s *OptionsStore) Committed() Committed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// HasPendingChanges reports whether any draft field differs from the
// committed snapshot.
func (s *OptionsStore) HasPendingChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.draft.Equal(s.committed.opts)
}

// Geocoding reports whether a commit is waiting on a location lookup.
func (s *OptionsStore) Geocoding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geocoding
}

// ResetDraft discards draft edits.
func (s *OptionsStore) ResetDraft() {
	s.mu.Lock()
	s.draft = s.committed.opts.clone()
	s.mu.Unlock()
}

// Commit applies the draft. A non-empty location is geocoded first; a lookup
// error or ErrLocationNotFound aborts the commit and leaves the committed
// snapshot untouched, so filters and location never drift apart. On success
// the draft is resynchronized to the new snapshot.
func (s *OptionsStore) Commit(ctx context.Context) (Committed, error) {
	s.mu.Lock()
	draft := s.draft.clone()
	s.mu.Unlock()

	var location *Coordinates
	text := strings.TrimSpace(draft.LocationText)
	draft.LocationText = text
	if text != "" {
		if s.geocoder == nil {
			return Committed{}, fmt.Errorf("resolve location %q: no geocoder configured", text)
		}
		s.setGeocoding(true)
		place, err := s.geocoder.Forward(ctx, text)
		s.setGeocoding(false)
		if err != nil {
			glog.Infof("[options]commit aborted, resolve %q = %s\n", text, err)
			return Committed{}, fmt.Errorf("resolve location %q: %w", text, err)
		}
		location = &place.Coordinates
		draft.LocationText = place.DisplayName
	}

	next := Committed{opts: draft, location: location}

	s.mu.Lock()
	s.committed = next
	s.draft = draft.clone()
	handlers := slices.Clone(s.onCommit)
	s.mu.Unlock()

	glog.V(1).Infof("[options]committed %s\n", next.Fingerprint(ModeSearch))
	for _, h := range handlers {
		guard("options", func() { (*h)(next) })
	}
	return next, nil
}

func (s *OptionsStore) setGeocoding(v bool) {
	s.mu.Lock()
	s.geocoding = v
	s.mu.Unlock()
}
