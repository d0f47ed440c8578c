// Package geo resolves source IPs to coarse locations for session anomaly
// detection. Lookups are best effort: a failed or absent lookup never blocks
// authentication.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Location is a coarse geolocation of an IP address.
type Location struct {
	City      string
	Country   string
	Latitude  float64
	Longitude float64
}

// Lookup resolves an IP. A nil result with a nil error means unknown.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

const defaultTimeout = 3 * time.Second

// HTTPLookup queries an ip-api.com compatible endpoint.
type HTTPLookup struct {
	client  *http.Client
	baseURL string
}

// NewHTTPLookup builds a lookup against baseURL (default http://ip-api.com/json).
func NewHTTPLookup(baseURL string) *HTTPLookup {
	if baseURL == "" {
		baseURL = "http://ip-api.com/json"
	}
	return &HTTPLookup{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: baseURL,
	}
}

func (l *HTTPLookup) Lookup(ctx context.Context, ip string) (*Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/"+ip, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Status  string  `json:"status"`
		City    string  `json:"city"`
		Country string  `json:"country"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("geo lookup: decoding response: %w", err)
	}
	if body.Status != "success" {
		return nil, nil
	}
	return &Location{City: body.City, Country: body.Country, Latitude: body.Lat, Longitude: body.Lon}, nil
}

// Static maps fixed IPs to locations. Test double.
type Static map[string]Location

func (s Static) Lookup(ctx context.Context, ip string) (*Location, error) {
	if loc, ok := s[ip]; ok {
		return &loc, nil
	}
	return nil, nil
}
