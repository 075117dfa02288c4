package agent

import "context"

// CustomParameters are the per-call overrides threaded from call initiation
// through the telephony start event into the agent initiation frame.
type CustomParameters struct {
	Prompt       string `json:"prompt,omitempty"`
	FirstMessage string `json:"first_message,omitempty"`
}

// ParametersFromMap picks the known keys out of a stream parameter map.
func ParametersFromMap(m map[string]string) CustomParameters {
	return CustomParameters{
		Prompt:       m["prompt"],
		FirstMessage: m["first_message"],
	}
}

// Provider defines the contract for a conversational agent vendor.
type Provider interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// AcquireEndpoint fetches a fresh single-use connection URL.
	AcquireEndpoint(ctx context.Context) (string, error)
	// Connect opens the bidirectional connection. Inbound traffic is
	// reported through events until the connection closes.
	Connect(ctx context.Context, endpoint string, events Events) (Conn, error)
}

// Conn is a live agent connection.
type Conn interface {
	// SendInitiation sends the one-time conversation initiation frame.
	// Empty parameters fall back to the provider's configured defaults.
	SendInitiation(params CustomParameters) error
	// SendUserAudio forwards one caller audio chunk verbatim.
	SendUserAudio(chunk string) error
	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// Events receives inbound agent traffic. Calls arrive from the connection's
// read goroutine in arrival order.
type Events interface {
	OnAgentAudio(chunk string)
	OnAgentInterruption()
	OnAgentClosed(err error)
}
