package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Either stream delivered a frame that is not valid JSON.
	ReasonMalformedMessage ReasonCode = "malformed_message"

	ReasonEndpointAcquisition ReasonCode = "endpoint_acquisition"
	ReasonAgentConnect        ReasonCode = "agent_connect"
	ReasonAgentTransport      ReasonCode = "agent_transport"
	ReasonAgentSend           ReasonCode = "agent_send"
	ReasonAgentRateLimit      ReasonCode = "agent_rate_limit"
	ReasonAgentCircuitOpen    ReasonCode = "agent_circuit_open"

	ReasonTelephonyTransport ReasonCode = "telephony_transport"
	ReasonTelephonySend      ReasonCode = "telephony_send"
	ReasonCallCreate         ReasonCode = "call_create"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
