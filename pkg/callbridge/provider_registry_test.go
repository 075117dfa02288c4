package callbridge

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/providers/elevenlabs"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

type audioRecorder struct {
	audio []string
}

func (r *audioRecorder) OnAgentAudio(chunk string) { r.audio = append(r.audio, chunk) }
func (r *audioRecorder) OnAgentInterruption()      {}
func (r *audioRecorder) OnAgentClosed(error)       {}

var _ agent.Events = (*audioRecorder)(nil)

func echoes(t *testing.T, p agent.Provider) bool {
	t.Helper()
	ctx := context.Background()
	endpoint, err := p.AcquireEndpoint(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rec := &audioRecorder{}
	conn, err := p.Connect(ctx, endpoint, rec)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if err := conn.SendUserAudio("AAAA"); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	return len(rec.audio) == 1 && rec.audio[0] == "AAAA"
}

func TestMockAgentEchoDefault(t *testing.T) {
	reg := DefaultRegistry()
	cfg := testConfig()

	cfg.Agent.Settings = nil
	p, err := reg.BuildAgent(cfg, quietLogger())
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}
	if !echoes(t, p) {
		t.Fatalf("expected mock agent to echo by default")
	}

	cfg.Agent.Settings = map[string]any{"echo": false}
	p, err = reg.BuildAgent(cfg, quietLogger())
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}
	if echoes(t, p) {
		t.Fatalf("expected echo disabled")
	}
}

func TestBuildElevenLabsFromSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Agent = VendorConfig{Provider: "ElevenLabs", Settings: map[string]any{
		"api_key":           "xi",
		"agent_id":          "agent_1",
		"http_timeout":      "2s",
		"breaker_threshold": 3,
	}}
	p, err := DefaultRegistry().BuildAgent(cfg, quietLogger())
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}
	if _, ok := p.(*elevenlabs.Client); !ok {
		t.Fatalf("expected elevenlabs client, got %T", p)
	}

	cfg.Agent.Settings["voice_id"] = "v"
	if _, err := DefaultRegistry().BuildAgent(cfg, quietLogger()); err == nil || !strings.Contains(err.Error(), "voice_id") {
		t.Fatalf("expected unknown setting rejected, got %v", err)
	}
}

func TestBuildTwilioRequiresTokenInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = "production"
	deps := TransportDeps{Agent: nil, Logger: quietLogger()}
	if _, err := DefaultRegistry().BuildTransport(cfg, deps); err == nil {
		t.Fatalf("expected auth_token required in production")
	}

	cfg.Telephony.Settings = map[string]any{
		"public_url": "relay.example.com",
		"auth_token": "secret",
	}
	tr, err := DefaultRegistry().BuildTransport(cfg, deps)
	if err != nil {
		t.Fatalf("build transport: %v", err)
	}
	if _, ok := tr.(*twilio.Transport); !ok {
		t.Fatalf("expected twilio transport, got %T", tr)
	}

	cfg.Telephony.Settings = map[string]any{"skip_signature_validation": true}
	if _, err := DefaultRegistry().BuildTransport(cfg, deps); err != nil {
		t.Fatalf("skipped validation should not need a token: %v", err)
	}
}
