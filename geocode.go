package matcha

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang/glog"
)

// ErrLocationNotFound is returned by a Geocoder when the lookup succeeded but
// matched nothing. It is distinct from transport errors.
var ErrLocationNotFound = errors.New("location not found")

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64
	Lng float64
}

// String renders the "lat,lng" form used by the search endpoint.
func (c Coordinates) String() string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lng, 'f', -1, 64)
}

// ParseCoordinates parses the "lat,lng" form.
func ParseCoordinates(s string) (Coordinates, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return Coordinates{}, fmt.Errorf("coordinates %q: want lat,lng", s)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("coordinates %q: %w", s, err)
	}
	ln, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("coordinates %q: %w", s, err)
	}
	return Coordinates{Lat: la, Lng: ln}, nil
}

// FormatGPS truncates each coordinate of a "lat,lng" string to two decimals,
// e.g. "48.8566,2.3522" becomes "48.85, 2.35".
func FormatGPS(gps string) string {
	parts := strings.Split(gps, ",")
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			v = 0
		}
		parts[i] = strconv.FormatFloat(math.Trunc(v*100)/100, 'f', 2, 64)
	}
	return strings.Join(parts, ", ")
}

// Place is a forward geocoding result.
type Place struct {
	Coordinates
	DisplayName string
}

// Geocoder resolves free text to coordinates and back.
type Geocoder interface {
	Forward(ctx context.Context, query string) (Place, error)
	Reverse(ctx context.Context, at Coordinates) (string, error)
}

// ============================================================================
// Nominatim
// ============================================================================

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	geocodeTimeout      = 10 * time.Second
)

// NominatimGeocoder implements Geocoder against an OpenStreetMap Nominatim server.
type NominatimGeocoder struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type GeocoderOption func(*NominatimGeocoder)

func WithGeocoderURL(u string) GeocoderOption {
	return func(g *NominatimGeocoder) { g.baseURL = strings.TrimRight(u, "/") }
}

func WithGeocoderHTTPClient(c *http.Client) GeocoderOption {
	return func(g *NominatimGeocoder) { g.httpClient = c }
}

func WithGeocoderUserAgent(ua string) GeocoderOption {
	return func(g *NominatimGeocoder) { g.userAgent = ua }
}

func NewNominatimGeocoder(opts ...GeocoderOption) *NominatimGeocoder {
	g := &NominatimGeocoder{
		baseURL:    DefaultNominatimURL,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{Timeout: geocodeTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type nominatimAddress struct {
	City         string `json:"city"`
	Town         string `json:"town"`
	Village      string `json:"village"`
	Municipality string `json:"municipality"`
	Country      string `json:"country"`
}

func (a *nominatimAddress) locality() string {
	for _, s := range []string{a.City, a.Town, a.Village, a.Municipality} {
		if s != "" {
			return s
		}
	}
	return ""
}

type nominatimResult struct {
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	DisplayName string            `json:"display_name"`
	Address     *nominatimAddress `json:"address"`
}

// Forward resolves query to the best match. The display name is shortened to
// "City, Country" when the address details allow it.
func (g *NominatimGeocoder) Forward(ctx context.Context, query string) (Place, error) {
	values := url.Values{}
	values.Set("q", query)
	values.Set("format", "json")
	values.Set("limit", "1")
	values.Set("addressdetails", "1")

	var results []nominatimResult
	if err := g.get(ctx, "/search", values, &results); err != nil {
		return Place{}, err
	}
	if len(results) == 0 {
		return Place{}, ErrLocationNotFound
	}

	r := results[0]
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return Place{}, fmt.Errorf("decode latitude %q: %w", r.Lat, err)
	}
	lng, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return Place{}, fmt.Errorf("decode longitude %q: %w", r.Lon, err)
	}

	name := r.DisplayName
	if r.Address != nil {
		city, country := r.Address.locality(), r.Address.Country
		switch {
		case city != "" && country != "":
			name = city + ", " + country
		case city != "":
			name = city
		}
	}
	return Place{Coordinates: Coordinates{Lat: lat, Lng: lng}, DisplayName: name}, nil
}

// Reverse returns a human readable name for at. When the server knows
// nothing useful the coordinates themselves are returned.
func (g *NominatimGeocoder) Reverse(ctx context.Context, at Coordinates) (string, error) {
	values := url.Values{}
	values.Set("lat", strconv.FormatFloat(at.Lat, 'f', -1, 64))
	values.Set("lon", strconv.FormatFloat(at.Lng, 'f', -1, 64))
	values.Set("format", "json")
	values.Set("zoom", "10")

	fallback := fmt.Sprintf("%.4f, %.4f", at.Lat, at.Lng)

	var r nominatimResult
	if err := g.get(ctx, "/reverse", values, &r); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			glog.V(1).Infof("[geo]reverse %s status %d, using coordinates\n", at, apiErr.Status)
			return fallback, nil
		}
		return "", err
	}
	if r.Address != nil {
		city, country := r.Address.locality(), r.Address.Country
		switch {
		case city != "" && country != "":
			return city + ", " + country, nil
		case city != "":
			return city, nil
		case country != "":
			return country, nil
		}
	}
	if r.DisplayName != "" {
		return r.DisplayName, nil
	}
	return fallback, nil
}

func (g *NominatimGeocoder) get(ctx context.Context, path string, values url.Values, dest any) error {
	u := g.baseURL + path + "?" + values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("geocode request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode geocode response: %w", err)
	}
	return nil
}
