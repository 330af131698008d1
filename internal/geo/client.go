package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bulk-distance/internal/metrics"
	"bulk-distance/internal/models"
	"bulk-distance/internal/retry"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL  = "https://api.geoapify.com"
	DefaultTimeout  = 10 * time.Second
	defaultCacheTTL = time.Hour
)

var (
	ErrNotFound = errors.New("location not found")
	ErrNoRoute  = errors.New("no route between locations")
)

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed with status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether another attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.RateLimited() || e.StatusCode >= 500
}

// IsRetryable is the retry predicate used for API calls.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// Route is the first route the API returned.
type Route struct {
	DistanceMeters float64
	TimeSeconds    float64
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	CacheTTL   time.Duration
	Retry      retry.Config
	HTTPClient *http.Client
}

// Client talks to the Geoapify geocoding and routing endpoints.
type Client struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	cacheTTL     time.Duration
	retry        retry.Config
	geocodeCache sync.Map
	apiCallCount atomic.Int64
}

type cachedPoint struct {
	point     models.GeoPoint
	timestamp time.Time
}

func NewClient(apiKey string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	rc := opts.Retry
	if rc.Retryable == nil {
		rc.Retryable = IsRetryable
	}
	if rc.Timeout == 0 {
		rc.Timeout = opts.Timeout
	}

	return &Client{
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   httpClient,
		cacheTTL: opts.CacheTTL,
		retry:    rc,
	}
}

func (c *Client) APICallCount() int64 {
	return c.apiCallCount.Load()
}

func (c *Client) ResetAPICallCount() {
	c.apiCallCount.Store(0)
}

type featureCollection struct {
	Features []struct {
		Geometry struct {
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Distance *float64 `json:"distance"`
			Time     *float64 `json:"time"`
		} `json:"properties"`
	} `json:"features"`
}

// Geocode resolves free text to the highest-ranked candidate.
func (c *Client) Geocode(ctx context.Context, text string) (*models.GeoPoint, error) {
	if p, ok := ParseCoordinatePair(text); ok {
		return &p, nil
	}

	key := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if cached, ok := c.geocodeCache.Load(key); ok {
		cp := cached.(cachedPoint)
		if time.Since(cp.timestamp) < c.cacheTTL {
			metrics.GeocodeCacheHits.Inc()
			p := cp.point
			return &p, nil
		}
	}

	q := url.Values{}
	q.Set("text", text)
	q.Set("apiKey", c.apiKey)

	var fc featureCollection
	if err := c.getJSON(ctx, "geocode", "/v1/geocode/search?"+q.Encode(), &fc); err != nil {
		return nil, err
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, text)
	}

	// GeoJSON order is [lon, lat]
	var coords []float64
	if err := json.Unmarshal(fc.Features[0].Geometry.Coordinates, &coords); err != nil || len(coords) < 2 {
		return nil, fmt.Errorf("%w: %q has no point geometry", ErrNotFound, text)
	}
	p := models.GeoPoint{Lat: coords[1], Lon: coords[0]}

	c.geocodeCache.Store(key, cachedPoint{point: p, timestamp: time.Now()})
	return &p, nil
}

// Route requests a driving route between two points.
func (c *Client) Route(ctx context.Context, from, to models.GeoPoint) (Route, error) {
	q := url.Values{}
	q.Set("waypoints", formatPoint(from)+"|"+formatPoint(to))
	q.Set("mode", "drive")
	q.Set("apiKey", c.apiKey)

	var fc featureCollection
	if err := c.getJSON(ctx, "routing", "/v1/routing?"+q.Encode(), &fc); err != nil {
		return Route{}, err
	}
	if len(fc.Features) == 0 || fc.Features[0].Properties.Distance == nil {
		return Route{}, ErrNoRoute
	}

	r := Route{DistanceMeters: *fc.Features[0].Properties.Distance}
	if t := fc.Features[0].Properties.Time; t != nil {
		r.TimeSeconds = *t
	}
	return r, nil
}

func formatPoint(p models.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lon, 'f', -1, 64)
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out interface{}) error {
	body, err := retry.WithRetry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, endpoint, path)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.apiCallCount.Add(1)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	metrics.APICalls.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		if se.RateLimited() {
			log.Warn().Str("endpoint", endpoint).Msg("geoapify rate limit hit")
		}
		return nil, se
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
