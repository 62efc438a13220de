package matcha

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"pgregory.net/rapid"
)

func profilesWith(distances ...float64) []Profile {
	page := make([]Profile, len(distances))
	for i, d := range distances {
		page[i] = Profile{ID: i + 1, Distance: d}
	}
	return page
}

func ids(page []Profile) []int {
	out := make([]int, len(page))
	for i, p := range page {
		out[i] = p.ID
	}
	return out
}

func TestCompose_FiltersByDistanceKeepingSourceOrder(t *testing.T) {
	page := profilesWith(5, 50, 500)
	got := Compose(page, SortSpec{Field: SortNone, Direction: SortAsc}, FilterSpec{MaxDistance: 100, MinTags: 0})
	assert.Equal(t, ids(got), []int{1, 2})
}

func TestCompose_FiltersByCommonTags(t *testing.T) {
	page := []Profile{
		{ID: 1, CommonTags: 0},
		{ID: 2, CommonTags: 3},
		{ID: 3, CommonTags: 1},
	}
	got := Compose(page, SortSpec{Field: SortNone}, FilterSpec{MaxDistance: 1, MinTags: 1})
	assert.Equal(t, ids(got), []int{2, 3})
}

func TestCompose_SortByFameDescending(t *testing.T) {
	page := []Profile{{ID: 1, Fame: 10}, {ID: 2, Fame: -5}, {ID: 3, Fame: 30}}
	got := Compose(page, SortSpec{Field: SortFame, Direction: SortDesc}, FilterSpec{MaxDistance: 1e9})

	fames := make([]int, len(got))
	for i, p := range got {
		fames[i] = p.Fame
	}
	assert.Equal(t, fames, []int{30, 10, -5})
}

func TestCompose_SortIsStable(t *testing.T) {
	page := []Profile{
		{ID: 1, Age: 30},
		{ID: 2, Age: 25},
		{ID: 3, Age: 30},
		{ID: 4, Age: 25},
	}
	asc := Compose(page, SortSpec{Field: SortAge, Direction: SortAsc}, FilterSpec{MaxDistance: 1e9})
	assert.Equal(t, ids(asc), []int{2, 4, 1, 3})

	desc := Compose(page, SortSpec{Field: SortAge, Direction: SortDesc}, FilterSpec{MaxDistance: 1e9})
	assert.Equal(t, ids(desc), []int{1, 3, 2, 4})
}

func TestCompose_DoesNotMutateInput(t *testing.T) {
	page := []Profile{{ID: 1, Distance: 9}, {ID: 2, Distance: 1}, {ID: 3, Distance: 5}}
	_ = Compose(page, SortSpec{Field: SortDistance, Direction: SortAsc}, FilterSpec{MaxDistance: 6})
	assert.Equal(t, ids(page), []int{1, 2, 3})
}

func TestCompose_EmptyPage(t *testing.T) {
	got := Compose(nil, SortSpec{Field: SortTags, Direction: SortDesc}, FilterSpec{})
	if got == nil {
		t.Fatal("Compose(nil) returned nil, want empty slice")
	}
	assert.Equal(t, len(got), 0)
}

func genProfile() *rapid.Generator[Profile] {
	return rapid.Custom(func(t *rapid.T) Profile {
		return Profile{
			ID:         rapid.IntRange(1, 1000).Draw(t, "id"),
			Age:        rapid.IntRange(18, 99).Draw(t, "age"),
			Distance:   float64(rapid.IntRange(0, 1000).Draw(t, "distance")),
			Fame:       rapid.IntRange(-1000, 1000).Draw(t, "fame"),
			CommonTags: rapid.IntRange(0, 10).Draw(t, "tags"),
		}
	})
}

func genSort() *rapid.Generator[SortSpec] {
	return rapid.Custom(func(t *rapid.T) SortSpec {
		return SortSpec{
			Field:     rapid.SampledFrom([]SortField{SortNone, SortAge, SortDistance, SortFame, SortTags}).Draw(t, "field"),
			Direction: rapid.SampledFrom([]SortDirection{SortAsc, SortDesc}).Draw(t, "direction"),
		}
	})
}

func TestCompose_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		page := rapid.SliceOf(genProfile()).Draw(t, "page")
		sort := genSort().Draw(t, "sort")
		filters := FilterSpec{
			MaxDistance: float64(rapid.IntRange(0, 1000).Draw(t, "maxDistance")),
			MinTags:     rapid.IntRange(0, 10).Draw(t, "minTags"),
		}

		once := Compose(page, sort, filters)
		twice := Compose(once, sort, filters)
		if len(once) != len(twice) {
			t.Fatalf("len changed: %d != %d", len(once), len(twice))
		}
		for i := range once {
			if once[i].ID != twice[i].ID || once[i].Distance != twice[i].Distance {
				t.Fatalf("order changed at %d", i)
			}
		}
		for _, p := range once {
			if !filters.Keep(p) {
				t.Fatalf("profile %+v escaped the filter", p)
			}
		}
	})
}
