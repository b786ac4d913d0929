package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats a snapshot in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP metering_uptime_seconds Time since the metering service started\n")
	sb.WriteString("# TYPE metering_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("metering_uptime_seconds %d\n", snap.UptimeSeconds))
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE metering_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("metering_requests_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE metering_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("metering_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_request_duration_ms_avg Average request duration in milliseconds by endpoint\n")
	sb.WriteString("# TYPE metering_request_duration_ms_avg gauge\n")
	for _, endpoint := range sortedKeys(snap.AvgRequestMs) {
		sb.WriteString(fmt.Sprintf("metering_request_duration_ms_avg{endpoint=\"%s\"} %d\n", endpoint, snap.AvgRequestMs[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_prompt_tokens_total Total billed prompt tokens\n")
	sb.WriteString("# TYPE metering_prompt_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("metering_prompt_tokens_total %d\n", snap.TotalPromptTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_completion_tokens_total Total billed completion tokens\n")
	sb.WriteString("# TYPE metering_completion_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("metering_completion_tokens_total %d\n", snap.TotalCompletionTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_tokens_by_model_total Total billed tokens by model\n")
	sb.WriteString("# TYPE metering_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		sb.WriteString(fmt.Sprintf("metering_tokens_by_model_total{model=\"%s\"} %d\n", model, snap.TokensByModel[model]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_tokens_by_user_total Total billed tokens by user\n")
	sb.WriteString("# TYPE metering_tokens_by_user_total counter\n")
	for _, user := range sortedKeys(snap.TokensByUser) {
		// Mask user IDs for privacy
		sb.WriteString(fmt.Sprintf("metering_tokens_by_user_total{user=\"%s\"} %d\n", maskUserID(user), snap.TokensByUser[user]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_gate_denials_total Generations refused by the credit gate\n")
	sb.WriteString("# TYPE metering_gate_denials_total counter\n")
	sb.WriteString(fmt.Sprintf("metering_gate_denials_total %d\n", snap.GateDenials))
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_billing_failures_total Ledger commits that failed after the response was delivered\n")
	sb.WriteString("# TYPE metering_billing_failures_total counter\n")
	sb.WriteString(fmt.Sprintf("metering_billing_failures_total %d\n", snap.BillingFailures))
	sb.WriteString("\n")

	sb.WriteString("# HELP metering_salvage_commits_total Error-path partial usage commit attempts\n")
	sb.WriteString("# TYPE metering_salvage_commits_total counter\n")
	sb.WriteString(fmt.Sprintf("metering_salvage_commits_total %d\n", snap.SalvageCommits))

	return sb.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	// Show last 4 characters only
	return "user_***" + userID[len(userID)-4:]
}
