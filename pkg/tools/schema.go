// Package tools implements the Tool Dispatcher (spec §4.F): the
// function-call schema registry advertised to the LLM, argument validation,
// and the Flight Search HTTP client with its primary→secondary→mock
// fallback ladder.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

// SearchFlightsArgs is the argument shape the LLM must supply for the
// search_flights tool (spec §6 Flight Search HTTP service request body).
type SearchFlightsArgs struct {
	Origin      string `json:"origin" jsonschema:"IATA origin airport code, e.g. MIA"`
	Destination string `json:"destination" jsonschema:"IATA destination airport code, e.g. JFK"`
	Date        string `json:"date" jsonschema:"departure date, YYYY-MM-DD"`
	ReturnDate  string `json:"return_date,omitempty" jsonschema:"optional return date, YYYY-MM-DD"`
	Adults      int    `json:"adults" jsonschema:"number of adult passengers, minimum 1"`
	Cabin       string `json:"cabin,omitempty" jsonschema:"optional cabin class: economy, premium, business, or first"`
}

// generateSchema reflects a Go struct into a JSON-schema object using
// google/jsonschema-go (pulled into the retrieval pack indirectly via
// modelcontextprotocol/go-sdk, see DESIGN.md) rather than hand-authoring the
// schema JSON that every other corpus repo (teradata-labs-loom's MCP
// server) hand-writes as map literals.
func generateSchema[T any]() (json.RawMessage, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("tools: generate schema: %w", err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: marshal schema: %w", err)
	}
	return raw, nil
}

// SearchFlightsSchema builds the orchestrator.ToolSchema advertised to the
// LLM for the search_flights function (spec §4.F).
func SearchFlightsSchema() (orchestrator.ToolSchema, error) {
	params, err := generateSchema[SearchFlightsArgs]()
	if err != nil {
		return orchestrator.ToolSchema{}, err
	}
	return orchestrator.ToolSchema{
		Name:        "search_flights",
		Description: "Search for available flights between two airports on a given date.",
		Parameters:  params,
	}, nil
}
