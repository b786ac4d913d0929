// Package metrics tracks in-process counters for the metering pipeline.
package metrics

import (
	"sync"
	"time"
)

// Collector accumulates request and billing metrics. Manual tracking keeps
// the dependency surface small; the snapshot endpoint exports JSON.
type Collector struct {
	mu sync.RWMutex

	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Token usage
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64
	tokensByUser          map[string]int64

	// Billing outcomes
	gateDenials     int64
	billingFailures int64
	salvageCommits  int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		tokensByModel:    make(map[string]int64),
		tokensByUser:     make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a completed request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordRequestError records a failed request.
func (c *Collector) RecordRequestError(endpoint string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestErrors[endpoint]++
}

// RecordTokens records billed token counts.
func (c *Collector) RecordTokens(model, userID string, promptTokens, completionTokens int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens
	if model != "" {
		c.tokensByModel[model] += promptTokens + completionTokens
	}
	if userID != "" {
		c.tokensByUser[userID] += promptTokens + completionTokens
	}
}

// RecordGateDenial counts a generation refused by the credit gate.
func (c *Collector) RecordGateDenial() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateDenials++
}

// RecordBillingFailure counts a transaction commit that failed after the
// response had already been delivered.
func (c *Collector) RecordBillingFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.billingFailures++
}

// RecordSalvage counts an error-path partial-usage commit attempt.
func (c *Collector) RecordSalvage() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.salvageCommits++
}

// Snapshot is an exported view of the counters.
type Snapshot struct {
	UptimeSeconds         int64            `json:"uptime_seconds"`
	TotalRequests         map[string]int64 `json:"total_requests"`
	AvgRequestMs          map[string]int64 `json:"avg_request_ms"`
	RequestErrors         map[string]int64 `json:"request_errors"`
	TotalPromptTokens     int64            `json:"total_prompt_tokens"`
	TotalCompletionTokens int64            `json:"total_completion_tokens"`
	TokensByModel         map[string]int64 `json:"tokens_by_model"`
	TokensByUser          map[string]int64 `json:"tokens_by_user"`
	GateDenials           int64            `json:"gate_denials"`
	BillingFailures       int64            `json:"billing_failures"`
	SalvageCommits        int64            `json:"salvage_commits"`
}

// Export returns a copy of the current counters.
func (c *Collector) Export() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds:         int64(time.Since(c.startTime).Seconds()),
		TotalRequests:         make(map[string]int64, len(c.totalRequests)),
		AvgRequestMs:          make(map[string]int64, len(c.totalRequests)),
		RequestErrors:         make(map[string]int64, len(c.requestErrors)),
		TotalPromptTokens:     c.totalPromptTokens,
		TotalCompletionTokens: c.totalCompletionTokens,
		TokensByModel:         make(map[string]int64, len(c.tokensByModel)),
		TokensByUser:          make(map[string]int64, len(c.tokensByUser)),
		GateDenials:           c.gateDenials,
		BillingFailures:       c.billingFailures,
		SalvageCommits:        c.salvageCommits,
	}
	for k, v := range c.totalRequests {
		snap.TotalRequests[k] = v
		if v > 0 {
			snap.AvgRequestMs[k] = c.totalRequestsDur[k] / v
		}
	}
	for k, v := range c.requestErrors {
		snap.RequestErrors[k] = v
	}
	for k, v := range c.tokensByModel {
		snap.TokensByModel[k] = v
	}
	for k, v := range c.tokensByUser {
		snap.TokensByUser[k] = v
	}
	return snap
}
