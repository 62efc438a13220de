package matcha

import (
	"slices"
)

// SortField selects the numeric profile field a feed is ordered by.
type SortField string

const (
	SortNone     SortField = "none"
	SortAge      SortField = "age"
	SortDistance SortField = "distance"
	SortFame     SortField = "fame"
	SortTags     SortField = "tags"
)

// SortDirection is ascending or descending.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortSpec is the committed ordering applied to a fetched page.
type SortSpec struct {
	Field     SortField
	Direction SortDirection
}

// FilterSpec is the committed client-side narrowing applied to a fetched page.
type FilterSpec struct {
	MaxDistance float64
	MinTags     int
}

// Keep reports whether p passes the filter.
func (f FilterSpec) Keep(p Profile) bool {
	return p.Distance <= f.MaxDistance && p.CommonTags >= f.MinTags
}

// Compose narrows page by filters and orders the survivors by sort. Ties keep
// their source order. The input slice is never modified and an empty page
// yields an empty, non-nil result.
func Compose(page []Profile, sort SortSpec, filters FilterSpec) []Profile {
	out := make([]Profile, 0, len(page))
	for _, p := range page {
		if filters.Keep(p) {
			out = append(out, p)
		}
	}

	key := sortKey(sort.Field)
	if key == nil {
		return out
	}
	dir := 1
	if sort.Direction == SortDesc {
		dir = -1
	}
	slices.SortStableFunc(out, func(a, b Profile) int {
		ka, kb := key(a), key(b)
		switch {
		case ka < kb:
			return -dir
		case ka > kb:
			return dir
		}
		return 0
	})
	return out
}

func sortKey(field SortField) func(Profile) float64 {
	switch field {
	case SortAge:
		return func(p Profile) float64 { return float64(p.Age) }
	case SortDistance:
		return func(p Profile) float64 { return p.Distance }
	case SortFame:
		return func(p Profile) float64 { return float64(p.Fame) }
	case SortTags:
		return func(p Profile) float64 { return float64(p.CommonTags) }
	}
	return nil
}
