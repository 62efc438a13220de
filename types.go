package matcha

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for any non-2xx response from the matcha API.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Detail)
}

// ============================================================================
// Profile Types
// ============================================================================

// Profile is the summary returned by the browse and search endpoints.
type Profile struct {
	ID             int      `json:"id"`
	Username       string   `json:"username"`
	Firstname      string   `json:"firstname"`
	Surname        string   `json:"surname"`
	Age            int      `json:"age"`
	Gender         int      `json:"gender"`
	Biography      string   `json:"biography"`
	GPS            string   `json:"gps"`
	Distance       float64  `json:"distance"`
	Fame           int      `json:"fame"`
	CommonTags     int      `json:"tag_count"`
	LastConnection string   `json:"last_connection"`
	Images         []string `json:"images"`
}

const onlineWindow = 5 * time.Minute

// LastSeen renders LastConnection the way profile cards show it. A timestamp
// within the last five minutes reads as "Currently online"; anything that
// does not parse is returned unchanged.
func (p Profile) LastSeen(now time.Time) string {
	t, ok := parseTimestamp(p.LastConnection)
	if !ok {
		return p.LastConnection
	}
	if now.Sub(t) < onlineWindow {
		return "Currently online"
	}
	return t.Format("Jan 2, 2006, 15:04")
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PeerSummary is one entry of the likes, views and connected-peers lists.
type PeerSummary struct {
	ID        int      `json:"id"`
	Username  string   `json:"username"`
	Firstname string   `json:"firstname"`
	Surname   string   `json:"surname"`
	Images    []string `json:"images,omitempty"`
}

// ChatMessage is one message of a direct conversation.
type ChatMessage struct {
	UserID int    `json:"user_id"`
	Value  string `json:"value"`
	Time   string `json:"time"`
}

// ============================================================================
// Query Types
// ============================================================================

// BrowseParams are the range bounds shared by browse and search queries.
type BrowseParams struct {
	AgeMin  int
	AgeMax  int
	FameMin int
	FameMax int
}

// SearchParams extends BrowseParams with a resolved location and tag set.
type SearchParams struct {
	BrowseParams
	Location *Coordinates
	Tags     []string
}
