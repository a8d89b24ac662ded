package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStatsTotalsAndModels(t *testing.T) {
	traces := []TraceEntry{
		{At: 1_000, Model: "gpt-5-codex", Status: 200, LatencyMs: 100, TokensInput: 10, TokensOutput: 5, TokensTotal: 15, CostUsd: 0.01},
		{At: 2_000, Model: "gpt-5-codex", Status: 502, IsError: true, LatencyMs: 300},
		{At: 3_000, Model: "gpt-4o", Status: 200, LatencyMs: 200, TokensInput: 20, TokensOutput: 10, TokensTotal: 30, CostUsd: 0.02},
	}

	result := BuildStats(traces)

	assert.Equal(t, 3, result.Totals.Requests)
	assert.Equal(t, 1, result.Totals.Errors)
	assert.Equal(t, 30, result.Totals.TokensInput)
	assert.Equal(t, 15, result.Totals.TokensOutput)
	assert.Equal(t, 45, result.Totals.TokensTotal)
	assert.InDelta(t, 0.03, result.Totals.CostUsd, 1e-9)
	assert.InDelta(t, 200.0, result.Totals.AvgLatencyMs, 1e-9)

	require.Len(t, result.Models, 2)
	assert.Equal(t, "gpt-5-codex", result.Models[0].Model)
	assert.Equal(t, 2, result.Models[0].Requests)
	assert.Equal(t, 1, result.Models[0].Errors)
	assert.Equal(t, "gpt-4o", result.Models[1].Model)
}

func TestBuildStatsModelTieBreaksByName(t *testing.T) {
	result := BuildStats([]TraceEntry{
		{At: 1, Model: "zeta", Status: 200},
		{At: 2, Model: "alpha", Status: 200},
	})
	require.Len(t, result.Models, 2)
	assert.Equal(t, "alpha", result.Models[0].Model)
	assert.Equal(t, "zeta", result.Models[1].Model)
}

func TestBuildStatsHourlyBucketsAndPercentiles(t *testing.T) {
	hour := int64(3_600_000)
	var traces []TraceEntry
	// First hour: latencies 10..100.
	for i := int64(1); i <= 10; i++ {
		traces = append(traces, TraceEntry{At: hour + i, Status: 200, LatencyMs: i * 10})
	}
	// Second hour: single request.
	traces = append(traces, TraceEntry{At: 2*hour + 5, Status: 500, IsError: true, LatencyMs: 999})

	result := BuildStats(traces)
	require.Len(t, result.Hourly, 2)

	first := result.Hourly[0]
	assert.Equal(t, hour, first.Bucket)
	assert.Equal(t, 10, first.Requests)
	// Integer-index percentile: sorted[10*50/100] = sorted[5] = 60,
	// sorted[10*95/100] = sorted[9] = 100.
	assert.Equal(t, int64(60), first.P50LatencyMs)
	assert.Equal(t, int64(100), first.P95LatencyMs)

	second := result.Hourly[1]
	assert.Equal(t, 2*hour, second.Bucket)
	assert.Equal(t, 1, second.Errors)
	assert.Equal(t, int64(999), second.P50LatencyMs)
	assert.Equal(t, int64(999), second.P95LatencyMs)
}

func TestBuildStatsEmpty(t *testing.T) {
	result := BuildStats(nil)
	assert.Zero(t, result.Totals.Requests)
	assert.Empty(t, result.Models)
	assert.Empty(t, result.Hourly)
}

func TestPercentile(t *testing.T) {
	values := []int64{50, 10, 40, 20, 30}
	assert.Equal(t, int64(30), percentile(values, 50))
	assert.Equal(t, int64(50), percentile(values, 95))
	assert.Equal(t, int64(50), percentile(values, 100))
	assert.Equal(t, int64(10), percentile(values, 0))
	assert.Zero(t, percentile(nil, 50))
	// Input order must survive the copy-before-sort.
	assert.Equal(t, []int64{50, 10, 40, 20, 30}, values)
}

func TestUsageAggregateAdd(t *testing.T) {
	var agg UsageAggregate
	agg.Add(TraceEntry{At: 100, Status: 200, LatencyMs: 50, TokensInput: 10, TokensOutput: 5, TokensTotal: 15})
	agg.Add(TraceEntry{At: 50, Status: 429, LatencyMs: 10})
	agg.Add(TraceEntry{At: 200, Status: 200, LatencyMs: 40, Usage: json.RawMessage(`{"input_tokens":1}`), TokensInput: 1, TokensTotal: 1})

	assert.Equal(t, 3, agg.Requests)
	assert.Equal(t, 2, agg.OK)
	assert.Equal(t, 1, agg.Errors)
	assert.Equal(t, int64(100), agg.LatencySumMs)
	assert.Equal(t, 2, agg.StatusCounts[200])
	assert.Equal(t, 1, agg.StatusCounts[429])
	assert.Equal(t, 2, agg.WithUsage)
	assert.Equal(t, 11, agg.TokensInput)
	assert.Equal(t, 16, agg.TokensTotal)
	assert.Equal(t, int64(50), agg.FirstAt)
	assert.Equal(t, int64(200), agg.LastAt)
}
