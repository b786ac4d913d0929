package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCollectorExport(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("chat", 100*time.Millisecond)
	c.RecordRequest("chat", 300*time.Millisecond)
	c.RecordRequestError("chat")
	c.RecordTokens("test-model", "user-1", 100, 40)
	c.RecordGateDenial()
	c.RecordBillingFailure()
	c.RecordSalvage()

	snap := c.Export()
	if snap.TotalRequests["chat"] != 2 {
		t.Fatalf("total requests = %d", snap.TotalRequests["chat"])
	}
	if snap.AvgRequestMs["chat"] != 200 {
		t.Fatalf("avg request ms = %d", snap.AvgRequestMs["chat"])
	}
	if snap.RequestErrors["chat"] != 1 {
		t.Fatalf("request errors = %d", snap.RequestErrors["chat"])
	}
	if snap.TotalPromptTokens != 100 || snap.TotalCompletionTokens != 40 {
		t.Fatalf("token totals = %d/%d", snap.TotalPromptTokens, snap.TotalCompletionTokens)
	}
	if snap.TokensByModel["test-model"] != 140 {
		t.Fatalf("tokens by model = %d", snap.TokensByModel["test-model"])
	}
	if snap.GateDenials != 1 || snap.BillingFailures != 1 || snap.SalvageCommits != 1 {
		t.Fatalf("billing counters = %d/%d/%d", snap.GateDenials, snap.BillingFailures, snap.SalvageCommits)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordRequest("chat", time.Second)
	c.RecordRequestError("chat")
	c.RecordTokens("m", "u", 1, 1)
	c.RecordGateDenial()
	c.RecordBillingFailure()
	c.RecordSalvage()
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("chat", 50*time.Millisecond)
	c.RecordTokens("test-model", "user-12345678", 10, 5)
	c.RecordGateDenial()

	out := FormatPrometheus(c.Export())
	for _, want := range []string{
		`metering_requests_total{endpoint="chat"} 1`,
		"metering_prompt_tokens_total 10",
		"metering_completion_tokens_total 5",
		`metering_tokens_by_model_total{model="test-model"} 15`,
		"metering_gate_denials_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "user-12345678") {
		t.Fatal("user id not masked in output")
	}
	if !strings.Contains(out, `user="user_***5678"`) {
		t.Fatalf("masked user label missing:\n%s", out)
	}
}
