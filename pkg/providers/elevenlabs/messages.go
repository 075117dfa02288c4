package elevenlabs

import (
	"bytes"
	"encoding/json"
)

const (
	typeInitiationClientData = "conversation_initiation_client_data"
	typeInitiationMetadata   = "conversation_initiation_metadata"
	typeAudio                = "audio"
	typePing                 = "ping"
	typePong                 = "pong"
	typeInterruption         = "interruption"
	typeAgentResponse        = "agent_response"
	typeUserTranscript       = "user_transcript"
)

type initiationMessage struct {
	Type     string `json:"type"`
	Override struct {
		Agent struct {
			Prompt struct {
				Prompt string `json:"prompt"`
			} `json:"prompt"`
			FirstMessage string `json:"first_message"`
		} `json:"agent"`
	} `json:"conversation_config_override"`
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// EventID is kept raw so the pong echoes exactly what the ping carried.
type pongMessage struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

type inboundMessage struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`
	// Older schema variant.
	Audio *struct {
		Chunk string `json:"chunk"`
	} `json:"audio,omitempty"`

	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
		PingMS  *int            `json:"ping_ms,omitempty"`
	} `json:"ping_event,omitempty"`

	InitiationMetadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
}

func (m inboundMessage) audioChunk() string {
	if m.AudioEvent != nil && m.AudioEvent.AudioBase64 != "" {
		return m.AudioEvent.AudioBase64
	}
	if m.Audio != nil {
		return m.Audio.Chunk
	}
	return ""
}

func hasValue(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
