package model

import "time"

// ResourceRequirements describes what an allocation request needs.
type ResourceRequirements struct {
	CPUCores    float64       `json:"cpu_cores"`
	MemoryMB    int64         `json:"memory_mb"`
	GPUMemoryMB int64         `json:"gpu_memory_mb"`
	APIQuota    int64         `json:"api_quota"`
	TokenLimit  int64         `json:"token_limit"`
	TTL         time.Duration `json:"ttl"`
}

// ResourceAllocation is a granted reservation of system capacity, keyed by the
// caller's request ID. Owned exclusively by the coordinator's allocation table;
// released explicitly or by the expiry sweep.
type ResourceAllocation struct {
	RequestID   string        `json:"request_id"`
	CPUCores    float64       `json:"cpu_cores"`
	MemoryMB    int64         `json:"memory_mb"`
	GPUMemoryMB int64         `json:"gpu_memory_mb"`
	APIQuota    int64         `json:"api_quota"`
	TokenLimit  int64         `json:"token_limit"`
	AllocatedAt time.Time     `json:"allocated_at"`
	TTL         time.Duration `json:"ttl"`
}

// Expired reports whether the allocation's TTL has elapsed. Zero TTL never expires.
func (a ResourceAllocation) Expired(now time.Time) bool {
	if a.TTL <= 0 {
		return false
	}
	return now.After(a.AllocatedAt.Add(a.TTL))
}

// ResourceUsage tracks consumption against one active allocation. Converted to
// a cost record when the allocation is released.
type ResourceUsage struct {
	RequestID     string    `json:"request_id"`
	CPUUsage      float64   `json:"cpu_usage"`
	MemoryUsageMB int64     `json:"memory_usage_mb"`
	APICallsMade  int64     `json:"api_calls_made"`
	TokensUsed    int64     `json:"tokens_used"`
	StartTime     time.Time `json:"start_time"`
}

// APIQuota holds sliding per-service counters. Counters reset lazily: when the
// current wall-clock minute/hour/day differs from the last reset mark, the
// window is zeroed on access rather than by a timer tick, avoiding drift.
type APIQuota struct {
	ServiceName       string `json:"service_name"`
	RequestsPerMinute int64  `json:"requests_per_minute"`
	RequestsPerHour   int64  `json:"requests_per_hour"`
	RequestsPerDay    int64  `json:"requests_per_day"`
	TokensPerMinute   int64  `json:"tokens_per_minute"`

	CurrentMinuteRequests int64 `json:"current_minute_requests"`
	CurrentHourRequests   int64 `json:"current_hour_requests"`
	CurrentDayRequests    int64 `json:"current_day_requests"`
	CurrentMinuteTokens   int64 `json:"current_minute_tokens"`

	LastResetMinute time.Time `json:"last_reset_minute"`
	LastResetHour   time.Time `json:"last_reset_hour"`
	LastResetDay    time.Time `json:"last_reset_day"`
}

// CostEntry is one day's attributed spend for a service and charge kind.
type CostEntry struct {
	Day     string  `json:"day"` // YYYY-MM-DD
	Service string  `json:"service"`
	Kind    string  `json:"kind"` // "requests" or "tokens"
	Units   int64   `json:"units"`
	CostUSD float64 `json:"cost_usd"`
}

// OptimizationSuggestion is one line of an optimization report. Recommendations
// are surfaced to the operator, never auto-applied.
type OptimizationSuggestion struct {
	Kind            string  `json:"kind"`
	Target          string  `json:"target"`
	Detail          string  `json:"detail"`
	ProjectedSaving float64 `json:"projected_saving_usd,omitempty"`
}

// SystemSample is one reading from the OS resource probe.
type SystemSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  int64     `json:"memory_used_mb"`
	Taken         time.Time `json:"taken"`
}
