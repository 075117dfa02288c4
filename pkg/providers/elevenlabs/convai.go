package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const (
	DefaultBaseURL      = "https://api.elevenlabs.io"
	DefaultPrompt       = "You are a friendly phone assistant. Keep answers short and conversational."
	DefaultFirstMessage = "Hello! How can I help you today?"

	signedURLPath = "/v1/convai/conversation/get_signed_url"
)

var errConnClosed = errors.New("agent connection closed")

type Config struct {
	APIKey              string
	AgentID             string
	BaseURL             string
	DefaultPrompt       string
	DefaultFirstMessage string
	// HTTPTimeout bounds signed URL acquisition. Zero keeps the client default.
	HTTPTimeout time.Duration
	Breaker     *resilience.CircuitBreaker
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// EndpointError is returned when the signed URL request is answered with a
// non-success status.
type EndpointError struct {
	StatusCode int
	Body       string
}

func (e EndpointError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("signed url status %d", e.StatusCode)
	}
	return fmt.Sprintf("signed url status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the ElevenLabs Conversational AI API.
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = DefaultPrompt
	}
	if cfg.DefaultFirstMessage == "" {
		cfg.DefaultFirstMessage = DefaultFirstMessage
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 45 * time.Second},
		log:    logging.NewComponentLogger(cfg.Logger, "elevenlabs_convai"),
	}
}

func (c *Client) Name() string { return "elevenlabs_convai" }

// AcquireEndpoint requests a signed, single-use conversation URL for the
// configured agent.
func (c *Client) AcquireEndpoint(ctx context.Context) (string, error) {
	if !c.cfg.Breaker.Allow() {
		return "", errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonAgentCircuitOpen)
	}
	signed, err := c.fetchSignedURL(ctx)
	c.cfg.Breaker.Record(err)
	return signed, err
}

func (c *Client) fetchSignedURL(ctx context.Context) (string, error) {
	u := c.cfg.BaseURL + signedURLPath + "?" + url.Values{"agent_id": []string{c.cfg.AgentID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonEndpointAcquisition)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("get signed url: %w", err), errorsx.ReasonEndpointAcquisition)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		rl := resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		return "", errorsx.Wrap(fmt.Errorf("get signed url: %w", rl), errorsx.ReasonEndpointAcquisition)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		epErr := EndpointError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return "", errorsx.Wrap(epErr, errorsx.ReasonEndpointAcquisition)
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("decode signed url: %w", err), errorsx.ReasonEndpointAcquisition)
	}
	if payload.SignedURL == "" {
		return "", errorsx.New(errorsx.ReasonEndpointAcquisition, "signed url missing in response")
	}
	return payload.SignedURL, nil
}

// Connect dials the signed URL and starts dispatching inbound messages to
// events.
func (c *Client) Connect(ctx context.Context, endpoint string, events agent.Events) (agent.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial agent: %w (status %s)", err, resp.Status)
		} else {
			err = fmt.Errorf("dial agent: %w", err)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonAgentConnect)
	}
	cv := &Conversation{
		conn:   conn,
		events: events,
		defaults: agent.CustomParameters{
			Prompt:       c.cfg.DefaultPrompt,
			FirstMessage: c.cfg.DefaultFirstMessage,
		},
		log:  c.log,
		done: make(chan struct{}),
	}
	go cv.readLoop()
	return cv, nil
}

// Conversation is one live agent websocket.
type Conversation struct {
	conn     *websocket.Conn
	events   agent.Events
	defaults agent.CustomParameters
	log      *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conversation) SendInitiation(params agent.CustomParameters) error {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		prompt = c.defaults.Prompt
	}
	first := strings.TrimSpace(params.FirstMessage)
	if first == "" {
		first = c.defaults.FirstMessage
	}
	msg := initiationMessage{Type: typeInitiationClientData}
	msg.Override.Agent.Prompt.Prompt = prompt
	msg.Override.Agent.FirstMessage = first
	return c.write(msg)
}

func (c *Conversation) SendUserAudio(chunk string) error {
	return c.write(userAudioMessage{UserAudioChunk: chunk})
}

// Close sends a normal closure and tears the socket down. Repeated calls are
// no-ops.
func (c *Conversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the read loop has exited.
func (c *Conversation) Done() <-chan struct{} { return c.done }

func (c *Conversation) write(v any) error {
	if c.closed.Load() {
		return errorsx.Wrap(errConnClosed, errorsx.ReasonAgentSend)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	return nil
}

func (c *Conversation) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Info("agent_connection_closed")
				err = nil
			} else {
				err = errorsx.Wrap(err, errorsx.ReasonAgentTransport)
				c.log.Warn("agent_read_error",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonAgentTransport)))
			}
			c.closed.Store(true)
			_ = c.conn.Close()
			c.events.OnAgentClosed(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Conversation) dispatch(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("agent_malformed_message",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonMalformedMessage)))
		return
	}
	switch msg.Type {
	case typeAudio:
		chunk := msg.audioChunk()
		if chunk == "" {
			c.log.Debug("agent_audio_without_payload")
			return
		}
		c.events.OnAgentAudio(chunk)
	case typePing:
		// Answered inline so the pong precedes anything queued after it.
		if msg.PingEvent == nil || !hasValue(msg.PingEvent.EventID) {
			return
		}
		if err := c.write(pongMessage{Type: typePong, EventID: msg.PingEvent.EventID}); err != nil {
			c.log.Warn("agent_pong_failed",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonAgentSend)))
		}
	case typeInterruption:
		c.events.OnAgentInterruption()
	case typeInitiationMetadata:
		attrs := []any{}
		if m := msg.InitiationMetadata; m != nil {
			attrs = append(attrs,
				slog.String("conversation_id", m.ConversationID),
				slog.String("agent_output_audio_format", m.AgentOutputAudioFormat),
				slog.String("user_input_audio_format", m.UserInputAudioFormat))
		}
		c.log.Info("agent_conversation_initiated", attrs...)
	case typeAgentResponse:
		text := ""
		if msg.AgentResponse != nil {
			text = msg.AgentResponse.AgentResponse
		}
		c.log.Info("agent_response", slog.String("text", redact.Text(text)))
	case typeUserTranscript:
		text := ""
		if msg.UserTranscription != nil {
			text = msg.UserTranscription.UserTranscript
		}
		c.log.Info("agent_user_transcript", slog.String("text", redact.Text(text)))
	default:
		c.log.Debug("agent_unhandled_message", slog.String("type", msg.Type))
	}
}

var _ agent.Provider = (*Client)(nil)
var _ agent.Conn = (*Conversation)(nil)
