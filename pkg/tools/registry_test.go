package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

func schemaFor(t *testing.T) orchestrator.ToolSchema {
	t.Helper()
	schema, err := SearchFlightsSchema()
	require.NoError(t, err)
	return schema
}

func TestRegistry_ValidateAcceptsWellFormedArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(schemaFor(t))

	args, _ := json.Marshal(SearchFlightsArgs{Origin: "MIA", Destination: "JFK", Date: "2025-10-10", Adults: 1})
	err := r.Validate(orchestrator.ToolCallRequest{Name: "search_flights", Arguments: args})
	assert.NoError(t, err)
}

func TestRegistry_ValidateRejectsUnknownTool(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(orchestrator.ToolCallRequest{Name: "book_hotel", Arguments: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestRegistry_SchemasReturnsRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register(schemaFor(t))
	schemas := r.Schemas()
	require.Len(t, schemas, 1)
	assert.Equal(t, "search_flights", schemas[0].Name)
}
