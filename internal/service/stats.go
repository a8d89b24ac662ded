package service

import "sort"

// StatsTotals summarises a set of traces.
type StatsTotals struct {
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	TokensInput  int     `json:"tokensInput"`
	TokensOutput int     `json:"tokensOutput"`
	TokensTotal  int     `json:"tokensTotal"`
	CostUsd      float64 `json:"costUsd"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// ModelStats is the per-model breakdown row.
type ModelStats struct {
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	TokensInput  int     `json:"tokensInput"`
	TokensOutput int     `json:"tokensOutput"`
	TokensTotal  int     `json:"tokensTotal"`
	CostUsd      float64 `json:"costUsd"`
}

// HourlyStats is one hour bucket in the time series.
type HourlyStats struct {
	Bucket       int64   `json:"bucket"` // epoch ms, floored to the hour
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	TokensInput  int     `json:"tokensInput"`
	TokensOutput int     `json:"tokensOutput"`
	TokensTotal  int     `json:"tokensTotal"`
	CostUsd      float64 `json:"costUsd"`
	P50LatencyMs int64   `json:"p50LatencyMs"`
	P95LatencyMs int64   `json:"p95LatencyMs"`
}

// StatsResult is the full aggregate over a trace range.
type StatsResult struct {
	Totals StatsTotals   `json:"totals"`
	Models []ModelStats  `json:"models"`
	Hourly []HourlyStats `json:"hourly"`
}

const hourMs = int64(3_600_000)

// BuildStats aggregates traces into totals, a per-model breakdown sorted by
// request count descending, and an hourly time series with latency
// percentiles.
func BuildStats(traces []TraceEntry) *StatsResult {
	result := &StatsResult{}

	models := make(map[string]*ModelStats)
	hours := make(map[int64]*HourlyStats)
	latencies := make(map[int64][]int64)
	var latencySum int64

	for _, e := range traces {
		result.Totals.Requests++
		if e.IsError {
			result.Totals.Errors++
		}
		result.Totals.TokensInput += e.TokensInput
		result.Totals.TokensOutput += e.TokensOutput
		result.Totals.TokensTotal += e.TokensTotal
		result.Totals.CostUsd += e.CostUsd
		latencySum += e.LatencyMs

		model := e.Model
		if model == "" {
			model = "unknown"
		}
		m, ok := models[model]
		if !ok {
			m = &ModelStats{Model: model}
			models[model] = m
		}
		m.Requests++
		if e.IsError {
			m.Errors++
		}
		m.TokensInput += e.TokensInput
		m.TokensOutput += e.TokensOutput
		m.TokensTotal += e.TokensTotal
		m.CostUsd += e.CostUsd

		bucket := e.At / hourMs * hourMs
		h, ok := hours[bucket]
		if !ok {
			h = &HourlyStats{Bucket: bucket}
			hours[bucket] = h
		}
		h.Requests++
		if e.IsError {
			h.Errors++
		}
		h.TokensInput += e.TokensInput
		h.TokensOutput += e.TokensOutput
		h.TokensTotal += e.TokensTotal
		h.CostUsd += e.CostUsd
		latencies[bucket] = append(latencies[bucket], e.LatencyMs)
	}

	if result.Totals.Requests > 0 {
		result.Totals.AvgLatencyMs = float64(latencySum) / float64(result.Totals.Requests)
	}

	result.Models = make([]ModelStats, 0, len(models))
	for _, m := range models {
		result.Models = append(result.Models, *m)
	}
	sort.Slice(result.Models, func(i, j int) bool {
		if result.Models[i].Requests != result.Models[j].Requests {
			return result.Models[i].Requests > result.Models[j].Requests
		}
		return result.Models[i].Model < result.Models[j].Model
	})

	result.Hourly = make([]HourlyStats, 0, len(hours))
	for bucket, h := range hours {
		ls := latencies[bucket]
		h.P50LatencyMs = percentile(ls, 50)
		h.P95LatencyMs = percentile(ls, 95)
		result.Hourly = append(result.Hourly, *h)
	}
	sort.Slice(result.Hourly, func(i, j int) bool {
		return result.Hourly[i].Bucket < result.Hourly[j].Bucket
	})

	return result
}

// percentile returns the p-th percentile by integer index; p=100 is the max.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// UsageAggregate accumulates per-account or per-route usage counters.
type UsageAggregate struct {
	Requests     int         `json:"requests"`
	OK           int         `json:"ok"`
	Errors       int         `json:"errors"`
	LatencySumMs int64       `json:"latencySumMs"`
	StatusCounts map[int]int `json:"statusCounts,omitempty"`
	TokensInput  int         `json:"tokensInput"`
	TokensOutput int         `json:"tokensOutput"`
	TokensTotal  int         `json:"tokensTotal"`
	WithUsage    int         `json:"withUsage"`
	FirstAt      int64       `json:"firstAt,omitempty"`
	LastAt       int64       `json:"lastAt,omitempty"`
}

// Add folds one trace into the aggregate.
func (a *UsageAggregate) Add(e TraceEntry) {
	a.Requests++
	if e.Status >= 400 {
		a.Errors++
	} else {
		a.OK++
	}
	a.LatencySumMs += e.LatencyMs
	if a.StatusCounts == nil {
		a.StatusCounts = make(map[int]int)
	}
	a.StatusCounts[e.Status]++

	if len(e.Usage) > 0 || e.TokensTotal > 0 {
		a.WithUsage++
		a.TokensInput += e.TokensInput
		a.TokensOutput += e.TokensOutput
		a.TokensTotal += e.TokensTotal
	}

	if a.FirstAt == 0 || e.At < a.FirstAt {
		a.FirstAt = e.At
	}
	if e.At > a.LastAt {
		a.LastAt = e.At
	}
}
