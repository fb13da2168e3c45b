package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlightSearchClient_PrimarySucceeds(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SearchResponse{
			Status:  "success",
			Flights: []Flight{{ID: "1", Airline: "delta", Price: 100, Currency: "USD"}},
		})
	}))
	defer primary.Close()

	c := NewFlightSearchClient(primary.URL, "", 2*time.Second, 2*time.Second, false)
	result, err := c.Search(context.Background(), SearchRequest{Origin: "MIA", Destination: "JFK", Date: "2025-10-10", Adults: 1})
	require.NoError(t, err)
	assert.Equal(t, "primary", result.Source)
	assert.Equal(t, 1, result.AttemptCount)
	assert.Equal(t, "Delta Air Lines", result.Flights[0].Airline)
}

func TestFlightSearchClient_FallsBackToSecondary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SearchResponse{Status: "success", Flights: []Flight{{ID: "2", Airline: "united"}}})
	}))
	defer secondary.Close()

	c := NewFlightSearchClient(primary.URL, secondary.URL, 2*time.Second, 2*time.Second, false)
	result, err := c.Search(context.Background(), SearchRequest{Origin: "MIA", Destination: "JFK", Date: "2025-10-10", Adults: 1})
	require.NoError(t, err)
	assert.Equal(t, "secondary", result.Source)
	assert.Equal(t, 2, result.AttemptCount)
}

func TestFlightSearchClient_FallsBackToMockWhenEnabled(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	c := NewFlightSearchClient(primary.URL, "", 2*time.Second, 2*time.Second, true)
	result, err := c.Search(context.Background(), SearchRequest{Origin: "MIA", Destination: "JFK", Date: "2025-10-10", Adults: 1})
	require.NoError(t, err)
	assert.Equal(t, "mock", result.Source)
	assert.NotEmpty(t, result.Flights)
}

func TestFlightSearchClient_AllHopsFailWithoutMock(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	c := NewFlightSearchClient(primary.URL, "", 2*time.Second, 2*time.Second, false)
	_, err := c.Search(context.Background(), SearchRequest{Origin: "MIA", Destination: "JFK", Date: "2025-10-10", Adults: 1})
	assert.Error(t, err)
}

func TestSummarizeFlights_IncludesPrice(t *testing.T) {
	result := SearchResult{
		SearchResponse: SearchResponse{
			Status: "success",
			Flights: []Flight{
				{Origin: "MIA", Destination: "JFK", Airline: "Delta Air Lines", Price: 240, Currency: "USD", Stops: 0},
				{Origin: "MIA", Destination: "JFK", Airline: "United Airlines", Price: 199, Currency: "USD", Stops: 1},
			},
		},
	}
	summary := SummarizeFlights(result)
	assert.Contains(t, summary, "199.00")
	assert.Contains(t, summary, "United Airlines")
}

func TestSummarizeFlights_NoFlights(t *testing.T) {
	summary := SummarizeFlights(SearchResult{SearchResponse: SearchResponse{Status: "no_flights"}})
	assert.Contains(t, summary, "couldn't find")
}
