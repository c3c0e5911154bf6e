/**
 * @description
 * This package provides a client for an ipapi.co compatible geolocation API.
 * A single call resolves the caller's public IP address together with its
 * country, city and coordinates.
 */
package geoclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public ipapi.co endpoint.
const DefaultBaseURL = "https://ipapi.co"

// ErrLookupFailed is returned for any API-level failure (non-2xx or an error body).
var ErrLookupFailed = errors.New("geolocation lookup failed")

// Location is the subset of the lookup response the service uses. Zero values
// mean the field was absent from the response.
type Location struct {
	IP        string   `json:"ip"`
	City      string   `json:"city"`
	Country   string   `json:"country_name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Error     bool     `json:"error"`
	Reason    string   `json:"reason"`
}

// Client is a client for the geolocation API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new geolocation client. timeout bounds every lookup.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Lookup resolves ip. Private, loopback or unparsable addresses are looked up
// from the service's own vantage point, which is what a request arriving
// directly on localhost would report.
func (c *Client) Lookup(ctx context.Context, ip string) (*Location, error) {
	endpoint := c.baseURL + "/json/"
	if isPublicIP(ip) {
		endpoint = fmt.Sprintf("%s/%s/json/", c.baseURL, url.PathEscape(ip))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute geolocation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if loc.Error {
		return nil, fmt.Errorf("%w: %s", ErrLookupFailed, loc.Reason)
	}
	return &loc, nil
}

func isPublicIP(raw string) bool {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return false
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast())
}
