package callbridge

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/providers/elevenlabs"
	"github.com/harunnryd/callbridge/pkg/providers/mock"
	"github.com/harunnryd/callbridge/pkg/relay"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

// TransportDeps is what a telephony transport needs to relay its streams.
type TransportDeps struct {
	Agent    agent.Provider
	InitMode relay.InitMode
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type AgentFactory func(cfg Config, logger *slog.Logger) (agent.Provider, error)
type TransportFactory func(cfg Config, deps TransportDeps) (transports.Transport, error)

type ProviderRegistry struct {
	agents     map[string]AgentFactory
	transports map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		agents:     make(map[string]AgentFactory),
		transports: make(map[string]TransportFactory),
	}
}

// DefaultRegistry knows the built-in providers.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterAgent("elevenlabs", buildElevenLabs)
	r.RegisterAgent("mock", buildMockAgent)
	r.RegisterTransport("twilio", buildTwilio)
	return r
}

func (r *ProviderRegistry) RegisterAgent(name string, factory AgentFactory) {
	r.agents[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildAgent(cfg Config, logger *slog.Logger) (agent.Provider, error) {
	fn := r.agents[strings.ToLower(strings.TrimSpace(cfg.Agent.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("agent provider not registered: %s", cfg.Agent.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildTransport(cfg Config, deps TransportDeps) (transports.Transport, error) {
	fn := r.transports[strings.ToLower(strings.TrimSpace(cfg.Telephony.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("telephony provider not registered: %s", cfg.Telephony.Provider)
	}
	return fn(cfg, deps)
}

var elevenLabsSchema = configutil.Schema{
	Required: []string{"api_key", "agent_id"},
	Optional: []string{
		"base_url",
		"default_prompt",
		"default_first_message",
		"http_timeout",
		"breaker_threshold",
		"breaker_cooldown",
	},
}

type elevenLabsSettings struct {
	APIKey              string        `mapstructure:"api_key"`
	AgentID             string        `mapstructure:"agent_id"`
	BaseURL             string        `mapstructure:"base_url"`
	DefaultPrompt       string        `mapstructure:"default_prompt"`
	DefaultFirstMessage string        `mapstructure:"default_first_message"`
	HTTPTimeout         time.Duration `mapstructure:"http_timeout"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold"`
	BreakerCooldown     time.Duration `mapstructure:"breaker_cooldown"`
}

func buildElevenLabs(cfg Config, logger *slog.Logger) (agent.Provider, error) {
	settings := elevenLabsSettings{
		HTTPTimeout:     10 * time.Second,
		BreakerCooldown: 30 * time.Second,
	}
	if err := elevenLabsSchema.Decode("agent.settings", cfg.Agent.Settings, &settings); err != nil {
		return nil, err
	}
	var breaker *resilience.CircuitBreaker
	if settings.BreakerThreshold > 0 {
		breaker = resilience.NewCircuitBreaker(settings.BreakerThreshold, settings.BreakerCooldown)
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:              settings.APIKey,
		AgentID:             settings.AgentID,
		BaseURL:             settings.BaseURL,
		DefaultPrompt:       settings.DefaultPrompt,
		DefaultFirstMessage: settings.DefaultFirstMessage,
		HTTPTimeout:         settings.HTTPTimeout,
		Breaker:             breaker,
		Logger:              logger,
	}), nil
}

var mockAgentSchema = configutil.Schema{
	Optional:     []string{"echo"},
	AllowUnknown: true,
}

func buildMockAgent(cfg Config, _ *slog.Logger) (agent.Provider, error) {
	var settings struct {
		Echo *bool `mapstructure:"echo"`
	}
	if err := mockAgentSchema.Decode("agent.settings", cfg.Agent.Settings, &settings); err != nil {
		return nil, err
	}
	// The mock loops caller audio back unless told otherwise.
	return mock.NewAgent(mock.AgentConfig{Echo: configutil.BoolValue(settings.Echo, true)}), nil
}

var twilioSchema = configutil.Schema{
	Required: []string{},
	Optional: []string{
		"public_url",
		"auth_token",
		"account_sid",
		"phone_number",
		"server_addr",
		"incoming_path",
		"outbound_call_path",
		"twiml_path",
		"ws_path",
		"status_callback_path",
		"voice_greeting",
		"skip_signature_validation",
		"allow_any_origin",
		"allowed_origins",
	},
}

func buildTwilio(cfg Config, deps TransportDeps) (transports.Transport, error) {
	var settings twilio.Config
	if err := twilioSchema.Decode("telephony.settings", cfg.Telephony.Settings, &settings); err != nil {
		return nil, err
	}
	if settings.ServerAddr == "" {
		settings.ServerAddr = cfg.Server.Addr()
	}
	if cfg.Environment == "production" && !settings.SkipSignature {
		if err := configutil.RequireString(settings.AuthToken, "telephony.settings.auth_token"); err != nil {
			return nil, err
		}
	}
	return twilio.New(settings, twilio.Options{
		Agent:    deps.Agent,
		InitMode: deps.InitMode,
		Metrics:  deps.Metrics,
		Logger:   deps.Logger,
	}), nil
}
