package gpsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bustrack/internal/domain"
	"bustrack/internal/geo"
)

// ErrMalformedLocation is returned when the location payload lacks usable coordinates
var ErrMalformedLocation = errors.New("malformed location payload")

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Location is a validated bus position
type Location struct {
	Lat float64
	Lon float64
}

// apiLocation accepts lat/lon as either JSON numbers or numeric strings
type apiLocation struct {
	Lat json.RawMessage `json:"lat"`
	Lon json.RawMessage `json:"lon"`
}

func (c *Client) LatestLocation(ctx context.Context, busID string) (Location, error) {
	reqURL := fmt.Sprintf("%s/latest_location/%s", c.baseURL, url.PathEscape(busID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Location{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var loc apiLocation
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrMalformedLocation, err)
	}

	lat, err := parseCoordinate(loc.Lat)
	if err != nil {
		return Location{}, fmt.Errorf("%w: lat: %v", ErrMalformedLocation, err)
	}
	lon, err := parseCoordinate(loc.Lon)
	if err != nil {
		return Location{}, fmt.Errorf("%w: lon: %v", ErrMalformedLocation, err)
	}
	if !geo.ValidCoordinate(lat, lon) {
		return Location{}, fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrMalformedLocation, lat, lon)
	}

	return Location{Lat: lat, Lon: lon}, nil
}

func parseCoordinate(raw json.RawMessage) (float64, error) {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return 0, errors.New("missing")
	}

	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, errors.New("empty")
		}
		return strconv.ParseFloat(s, 64)
	}

	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, fmt.Errorf("not a number: %s", v)
	}
	return n.Float64()
}

type arrivalReport struct {
	RouteID    string    `json:"routeId"`
	StopName   string    `json:"stopName"`
	ActualTime string    `json:"actualTime"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReportArrival posts a first-arrival to the backend.
func (c *Client) ReportArrival(ctx context.Context, ev domain.ArrivalEvent) error {
	body, err := json.Marshal(arrivalReport{
		RouteID:    ev.RouteID,
		StopName:   ev.StopName,
		ActualTime: ev.ActualTime,
		Timestamp:  ev.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/arrivals", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Name identifies the client in reporter logs and metrics.
func (c *Client) Name() string { return "http" }
