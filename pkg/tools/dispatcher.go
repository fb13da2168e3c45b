package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

// ProgressFunc is called at least once immediately after a search_flights
// call is accepted, and optionally again as the fallback ladder advances
// (spec §4.F: "always emit at least one immediate 'Searching for
// flights…' progress message").
type ProgressFunc func(text string)

// Dispatcher implements orchestrator.ToolDispatcher, validating arguments
// against the Registry before ever touching the network, then running the
// Flight Search fallback ladder (spec §4.F).
type Dispatcher struct {
	registry *Registry
	flights  *FlightSearchClient
	progress ProgressFunc
}

// NewDispatcher builds a Dispatcher. progress may be nil if the caller
// doesn't want progress messages (e.g. in tests).
func NewDispatcher(registry *Registry, flights *FlightSearchClient, progress ProgressFunc) *Dispatcher {
	if progress == nil {
		progress = func(string) {}
	}
	return &Dispatcher{registry: registry, flights: flights, progress: progress}
}

var _ orchestrator.ToolDispatcher = (*Dispatcher)(nil)

// Dispatch validates and executes one tool call (spec §4.F, §3 ToolCall
// invariant: exactly one ToolResult per call_id).
func (d *Dispatcher) Dispatch(ctx context.Context, call orchestrator.ToolCallRequest) (orchestrator.ToolResult, error) {
	if err := d.registry.Validate(call); err != nil {
		return orchestrator.ToolResult{
			CallID:  call.CallID,
			Content: fmt.Sprintf(`{"error": %q}`, err.Error()),
			IsError: true,
		}, nil // a validation failure is a structured tool error, not a Dispatch error (spec §4.F)
	}

	switch call.Name {
	case "search_flights":
		return d.dispatchSearchFlights(ctx, call)
	default:
		return orchestrator.ToolResult{
			CallID:  call.CallID,
			Content: fmt.Sprintf(`{"error": "unknown tool %s"}`, call.Name),
			IsError: true,
		}, nil
	}
}

func (d *Dispatcher) dispatchSearchFlights(ctx context.Context, call orchestrator.ToolCallRequest) (orchestrator.ToolResult, error) {
	var args SearchFlightsArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return orchestrator.ToolResult{
			CallID:  call.CallID,
			Content: fmt.Sprintf(`{"error": "malformed arguments: %s"}`, err.Error()),
			IsError: true,
		}, nil
	}

	d.progress("Searching for flights…")

	result, err := d.flights.Search(ctx, SearchRequest{
		Origin:      args.Origin,
		Destination: args.Destination,
		Date:        args.Date,
		ReturnDate:  args.ReturnDate,
		Adults:      args.Adults,
		Cabin:       args.Cabin,
	})
	if err != nil {
		// All hops of the fallback ladder failed (spec §7 tool_error): feed
		// the LLM a structured error so it can produce a graceful apology
		// rather than surfacing raw transport failure to the user.
		return orchestrator.ToolResult{
			CallID:  call.CallID,
			Content: fmt.Sprintf(`{"error": %q, "attempts": %d}`, err.Error(), result.AttemptCount),
			IsError: true,
		}, nil
	}

	content, err := json.Marshal(result)
	if err != nil {
		return orchestrator.ToolResult{}, fmt.Errorf("tools: marshal search result: %w", err)
	}

	return orchestrator.ToolResult{
		CallID:  call.CallID,
		Content: string(content),
		IsError: result.Status == "error",
	}, nil
}

// SummarizeFlights renders a short spoken-friendly sentence from search
// results, naming at least one price (spec scenario 1: "a pre_speech_text
// with a sentence summarizing results and including at least one price").
// This is plain text formatting, not LLM output — the orchestrator still
// feeds the raw tool_result JSON to the model, which may phrase its own
// summary; only the tests call this helper.
func SummarizeFlights(result SearchResult) string {
	if result.Status == "no_flights" || len(result.Flights) == 0 {
		return "I couldn't find any flights matching that search."
	}
	if result.Status == "error" {
		return "I had trouble reaching the flight search service. " + result.Message
	}

	best := result.Flights[0]
	for _, f := range result.Flights[1:] {
		if f.Price < best.Price {
			best = f
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "I found %d flight", len(result.Flights))
	if len(result.Flights) != 1 {
		sb.WriteString("s")
	}
	fmt.Fprintf(&sb, " from %s to %s. The best price is %.2f %s on %s", best.Origin, best.Destination, best.Price, best.Currency, best.Airline)
	if best.Stops == 0 {
		sb.WriteString(", nonstop.")
	} else {
		fmt.Fprintf(&sb, " with %d stop(s).", best.Stops)
	}
	return sb.String()
}
