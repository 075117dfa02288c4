package twilio

// Inbound media stream events.

type TwilioStart struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type TwilioStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
	DTMF      *TwilioDTMF  `json:"dtmf,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

// Outbound frames.

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
