// Package metrics instruments the orchestrator with OpenTelemetry metrics
// (spec §4.J / §9): speech-start→first-audio-out latency, tool-call
// latency, STT partial-to-final latency, interruption count, reconnect
// count, and per-response token usage. Grounded on MrWong99-glyphoxa and
// lookatitude-beluga-ai, both of which wire otel/sdk/metric with the
// Prometheus exporter for their own pipelines.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder exposes the orchestrator's counters/histograms. All methods are
// safe for concurrent use across participant tasks. The pipeline records
// first-audio latency, tool-call latency, response token usage and
// interruptions; ObserveSTTPartialToFinal, IncReconnect, IncProtocolError
// and IncCapacityDrop have no caller in this module, so those instruments
// stay empty.
type Recorder struct {
	provider *sdkmeter

	firstAudioLatency  metric.Float64Histogram
	toolCallLatency    metric.Float64Histogram
	sttPartialToFinal  metric.Float64Histogram
	interruptionCount  metric.Int64Counter
	reconnectCount     metric.Int64Counter
	responseTokenUsage metric.Int64Histogram
	protocolErrorCount metric.Int64Counter
	capacityDropCount  metric.Int64Counter
}

type sdkmeter = sdkmetric.MeterProvider

// New builds a *Recorder backed by a Prometheus exporter. The exporter
// registers with the Prometheus client's default registerer; callers scrape
// it by serving that default registry from their own /metrics HTTP handler.
func New() (*Recorder, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("aerovox.orchestrator")

	r := &Recorder{provider: provider}

	if r.firstAudioLatency, err = meter.Float64Histogram(
		"voice_agent_first_audio_latency_ms",
		metric.WithDescription("speech-start to first-audio-out latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.toolCallLatency, err = meter.Float64Histogram(
		"voice_agent_tool_call_latency_ms",
		metric.WithDescription("tool dispatch wall-clock latency, including fallback hops"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.sttPartialToFinal, err = meter.Float64Histogram(
		"voice_agent_stt_partial_to_final_ms",
		metric.WithDescription("time between first interim transcript and the final transcript"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.interruptionCount, err = meter.Int64Counter(
		"voice_agent_interruptions_total",
		metric.WithDescription("barge-in interruptions handled"),
	); err != nil {
		return nil, err
	}
	if r.reconnectCount, err = meter.Int64Counter(
		"voice_agent_reconnects_total",
		metric.WithDescription("participant reconnects resumed from the session store"),
	); err != nil {
		return nil, err
	}
	if r.responseTokenUsage, err = meter.Int64Histogram(
		"voice_agent_response_tokens",
		metric.WithDescription("total tokens (prompt+completion) per LLM response"),
	); err != nil {
		return nil, err
	}
	if r.protocolErrorCount, err = meter.Int64Counter(
		"voice_agent_protocol_errors_total",
		metric.WithDescription("malformed or out-of-policy data-channel messages dropped"),
	); err != nil {
		return nil, err
	}
	if r.capacityDropCount, err = meter.Int64Counter(
		"voice_agent_capacity_drops_total",
		metric.WithDescription("audio frames dropped because a bounded queue was full"),
	); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Recorder) ObserveFirstAudioLatency(ctx context.Context, ms float64) {
	r.firstAudioLatency.Record(ctx, ms)
}

func (r *Recorder) ObserveToolCallLatency(ctx context.Context, ms float64) {
	r.toolCallLatency.Record(ctx, ms)
}

func (r *Recorder) ObserveSTTPartialToFinal(ctx context.Context, ms float64) {
	r.sttPartialToFinal.Record(ctx, ms)
}

func (r *Recorder) IncInterruption(ctx context.Context) {
	r.interruptionCount.Add(ctx, 1)
}

func (r *Recorder) IncReconnect(ctx context.Context) {
	r.reconnectCount.Add(ctx, 1)
}

func (r *Recorder) ObserveResponseTokens(ctx context.Context, total int64) {
	r.responseTokenUsage.Record(ctx, total)
}

func (r *Recorder) IncProtocolError(ctx context.Context) {
	r.protocolErrorCount.Add(ctx, 1)
}

func (r *Recorder) IncCapacityDrop(ctx context.Context) {
	r.capacityDropCount.Add(ctx, 1)
}

// Shutdown flushes and stops the underlying meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
