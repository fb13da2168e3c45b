package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SearchRequest is the request body for the Flight Search HTTP service
// (spec §6 POST /api/flights/search).
type SearchRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Date        string `json:"date"`
	ReturnDate  string `json:"return_date,omitempty"`
	Adults      int    `json:"adults"`
	Cabin       string `json:"cabin,omitempty"`
}

// Flight is one normalized result row (spec §4.F: "Results are normalized
// to a stable JSON shape").
type Flight struct {
	ID            string  `json:"id"`
	Airline       string  `json:"airline"`
	FlightNumber  string  `json:"flight_number,omitempty"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	Duration      string  `json:"duration"`
	Stops         int     `json:"stops"`
	DepartureTime string  `json:"departure_time"`
	ArrivalTime   string  `json:"arrival_time"`
	Origin        string  `json:"origin"`
	Destination   string  `json:"destination"`
}

// SearchResponse is the Flight Search HTTP service's response body (spec §6).
type SearchResponse struct {
	Status  string   `json:"status"` // "success" | "no_flights" | "error"
	Flights []Flight `json:"flights"`
	Message string   `json:"message,omitempty"`
}

// SearchResult wraps SearchResponse with the dispatcher bookkeeping callers
// need: which hop of the fallback ladder produced it and how many attempts
// were made (spec §4.F: "Each hop increments attempt_count").
type SearchResult struct {
	SearchResponse
	Source       string // "primary" | "secondary" | "mock"
	AttemptCount int
}

// FlightSearchClient talks to the external Flight Search HTTP service (spec
// §6), with the primary→secondary→mock fallback ladder and per-hop
// timeouts (spec §4.F). Grounded on the teacher's net/http +
// context.WithTimeout idiom already used in every STT adapter
// (pkg/providers/stt/*.go).
type FlightSearchClient struct {
	httpClient *http.Client

	primaryURL   string
	secondaryURL string

	primaryTimeout  time.Duration
	fallbackTimeout time.Duration

	enableMock bool
}

// NewFlightSearchClient builds a client. secondaryURL may be empty if no
// secondary provider is configured, in which case the ladder goes straight
// from primary to mock (if enabled).
func NewFlightSearchClient(primaryURL, secondaryURL string, primaryTimeout, fallbackTimeout time.Duration, enableMock bool) *FlightSearchClient {
	return &FlightSearchClient{
		httpClient:      &http.Client{},
		primaryURL:      primaryURL,
		secondaryURL:    secondaryURL,
		primaryTimeout:  primaryTimeout,
		fallbackTimeout: fallbackTimeout,
		enableMock:      enableMock,
	}
}

// Search runs the fallback ladder: primary provider, then secondary (if
// configured), then the deterministic mock dataset (only if explicitly
// enabled) — spec §4.F. The first hop to return a "success" or "no_flights"
// status wins; HTTP/transport errors and a "error" status both count as a
// failed hop and fall through to the next one.
func (c *FlightSearchClient) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if req.Adults < 1 {
		req.Adults = 1
	}

	attempts := 0
	var lastErr error

	if c.primaryURL != "" {
		attempts++
		resp, err := c.call(ctx, c.primaryURL, req, c.primaryTimeout)
		if err == nil && resp.Status != "error" {
			return SearchResult{SearchResponse: resp, Source: "primary", AttemptCount: attempts}, nil
		}
		lastErr = err
	}

	if c.secondaryURL != "" {
		attempts++
		resp, err := c.call(ctx, c.secondaryURL, req, c.fallbackTimeout)
		if err == nil && resp.Status != "error" {
			return SearchResult{SearchResponse: resp, Source: "secondary", AttemptCount: attempts}, nil
		}
		lastErr = err
	}

	if c.enableMock {
		attempts++
		return SearchResult{SearchResponse: mockSearch(req), Source: "mock", AttemptCount: attempts}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("tools: flight search exhausted all providers")
	}
	return SearchResult{AttemptCount: attempts}, fmt.Errorf("tools: flight search failed after %d attempt(s): %w", attempts, lastErr)
}

func (c *FlightSearchClient) call(ctx context.Context, baseURL string, req SearchRequest, timeout time.Duration) (SearchResponse, error) {
	hopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("tools: marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(hopCtx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/flights/search", bytes.NewReader(body))
	if err != nil {
		return SearchResponse{}, fmt.Errorf("tools: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("tools: request to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("tools: read response from %s: %w", baseURL, err)
	}

	if resp.StatusCode >= 300 {
		return SearchResponse{}, fmt.Errorf("tools: %s returned HTTP %d: %s", baseURL, resp.StatusCode, string(respBody))
	}

	var out SearchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return SearchResponse{}, fmt.Errorf("tools: decode response from %s: %w", baseURL, err)
	}
	for i := range out.Flights {
		out.Flights[i].Airline = NormalizeAirline(out.Flights[i].Airline)
	}
	return out, nil
}

// mockSearch produces a small deterministic dataset for local development
// and demos when ENABLE_MOCK_FALLBACK is set and both real providers fail
// (spec §4.F: "deterministic mock dataset (only if explicitly enabled)").
func mockSearch(req SearchRequest) SearchResponse {
	return SearchResponse{
		Status: "success",
		Flights: []Flight{
			{
				ID:            "mock-1",
				Airline:       "Aerovox Air",
				FlightNumber:  "AV101",
				Price:         214.00,
				Currency:      "USD",
				Duration:      "PT3H5M",
				Stops:         0,
				DepartureTime: req.Date + "T08:00:00Z",
				ArrivalTime:   req.Date + "T11:05:00Z",
				Origin:        req.Origin,
				Destination:   req.Destination,
			},
			{
				ID:            "mock-2",
				Airline:       "Aerovox Air",
				FlightNumber:  "AV204",
				Price:         189.50,
				Currency:      "USD",
				Duration:      "PT4H40M",
				Stops:         1,
				DepartureTime: req.Date + "T14:30:00Z",
				ArrivalTime:   req.Date + "T19:10:00Z",
				Origin:        req.Origin,
				Destination:   req.Destination,
			},
		},
	}
}

// HealthCheck calls GET /health on the primary provider (spec §6).
func (c *FlightSearchClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.primaryURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tools: flight search health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}
