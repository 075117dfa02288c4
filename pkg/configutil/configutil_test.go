package configutil

import (
	"strings"
	"testing"
	"time"
)

type agentSettings struct {
	APIKey  string        `mapstructure:"api_key"`
	AgentID string        `mapstructure:"agent_id"`
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker *bool         `mapstructure:"use_circuit_breaker"`
}

var agentSchema = Schema{
	Required: []string{"api_key", "agent_id"},
	Optional: []string{"timeout", "use_circuit_breaker"},
}

func TestSchemaDecode(t *testing.T) {
	var out agentSettings
	err := agentSchema.Decode("agent.settings", map[string]any{
		"API-Key":  "xi",
		"agent_id": "ag_1",
		"timeout":  "3s",
	}, &out)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.APIKey != "xi" || out.AgentID != "ag_1" {
		t.Fatalf("unexpected settings %+v", out)
	}
	if out.Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", out.Timeout)
	}
	if BoolValue(out.Breaker, true) != true {
		t.Fatalf("expected fallback for unset bool")
	}
}

func TestSchemaReportsMissingAndUnknown(t *testing.T) {
	err := agentSchema.Validate("agent.settings", map[string]any{
		"api_key": " ",
		"voice":   "x",
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"agent.settings", "missing: agent_id, api_key", "unknown: voice"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("", "telephony.settings.account_sid"); err == nil {
		t.Fatalf("expected error for empty value")
	}
	if err := RequireString("AC1", "telephony.settings.account_sid"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
