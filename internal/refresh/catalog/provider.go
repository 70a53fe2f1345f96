package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Item is one observation returned by a data provider, for example a search
// ranking, a menu entry or an upcoming event.
type Item struct {
	Key        string            `json:"key"`
	Title      string            `json:"title"`
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ObservedAt time.Time         `json:"observedAt,omitempty"`
}

// Fetcher retrieves the current items of one signal for a location.
type Fetcher interface {
	Fetch(ctx context.Context, signal string, loc Location) ([]Item, error)
}

// ProviderConfig configures a ProviderClient.
type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// ProviderClient calls the upstream signal provider API.
// Calls share one rate limiter so parallel jobs cannot exceed the provider quota.
type ProviderClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

var _ Fetcher = (*ProviderClient)(nil)

// NewProviderClient creates a client for cfg.
func NewProviderClient(cfg ProviderConfig) *ProviderClient {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	return &ProviderClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(limit, burst),
		httpClient: &http.Client{},
	}
}

type providerResponse struct {
	Items []Item `json:"items"`
}

// Fetch GETs {base}/v1/{signal} with the location's identifying parameters.
func (c *ProviderClient) Fetch(ctx context.Context, signal string, loc Location) ([]Item, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	q := url.Values{}
	q.Set("location", loc.ID)
	if loc.Website != "" {
		q.Set("website", loc.Website)
	}
	if loc.MenuURL != "" {
		q.Set("menu_url", loc.MenuURL)
	}
	if loc.PlaceID != "" {
		q.Set("place_id", loc.PlaceID)
	}
	if loc.HasCoordinates() {
		q.Set("lat", strconv.FormatFloat(*loc.Latitude, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(*loc.Longitude, 'f', -1, 64))
	}
	endpoint := fmt.Sprintf("%s/v1/%s?%s", c.baseURL, url.PathEscape(signal), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", signal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s provider returned %s: %s", signal, resp.Status, strings.TrimSpace(string(body)))
	}

	var out providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", signal, err)
	}
	return out.Items, nil
}
