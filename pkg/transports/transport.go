package transports

import (
	"context"

	"github.com/go-chi/chi/v5"
)

// Transport defines a vendor-agnostic telephony boundary. Implementations
// mount their webhooks and media stream on the shared router and own every
// stream they accept.
type Transport interface {
	Name() string
	Routes(r chi.Router)
	// Drain stops accepting new streams and tears down the active ones.
	Drain() error
}

// CallRequest carries the per-call parameters of an outbound call. Prompt and
// FirstMessage travel to the media stream as stream parameters.
type CallRequest struct {
	To           string
	Prompt       string
	FirstMessage string
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Call(ctx context.Context, req CallRequest) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
