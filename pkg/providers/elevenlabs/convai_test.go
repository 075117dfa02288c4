package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

type fakeAgentServer struct {
	srv       *httptest.Server
	conns     chan *websocket.Conn
	hits      atomic.Int32
	status    int
	lastKey   string
	lastAgent string
}

func newFakeAgentServer(t *testing.T) *fakeAgentServer {
	t.Helper()
	f := &fakeAgentServer{conns: make(chan *websocket.Conn, 1), status: http.StatusOK}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(signedURLPath, func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.lastKey = r.Header.Get("xi-api-key")
		f.lastAgent = r.URL.Query().Get("agent_id")
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte("nope"))
			return
		}
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/convai?token=abc"
		_ = json.NewEncoder(w).Encode(map[string]string{"signed_url": wsURL})
	})
	mux.HandleFunc("/convai", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgentServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("agent connection not accepted")
		return nil
	}
}

type recordingEvents struct {
	audio        chan string
	interruption chan struct{}
	closed       chan error
	onAudio      func(string)
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		audio:        make(chan string, 16),
		interruption: make(chan struct{}, 4),
		closed:       make(chan error, 1),
	}
}

func (r *recordingEvents) OnAgentAudio(chunk string) {
	if r.onAudio != nil {
		r.onAudio(chunk)
	}
	r.audio <- chunk
}
func (r *recordingEvents) OnAgentInterruption() { r.interruption <- struct{}{} }
func (r *recordingEvents) OnAgentClosed(err error) {
	r.closed <- err
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	if err := c.ReadJSON(&out); err != nil {
		t.Fatalf("read json: %v", err)
	}
	return out
}

func TestAcquireEndpoint(t *testing.T) {
	f := newFakeAgentServer(t)
	c := New(Config{APIKey: "xi-key", AgentID: "agent-1", BaseURL: f.srv.URL})

	signed, err := c.AcquireEndpoint(context.Background())
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if !strings.HasPrefix(signed, "ws://") {
		t.Fatalf("unexpected signed url %q", signed)
	}
	if f.lastKey != "xi-key" {
		t.Fatalf("expected api key header, got %q", f.lastKey)
	}
	if f.lastAgent != "agent-1" {
		t.Fatalf("expected agent_id query, got %q", f.lastAgent)
	}
}

func TestAcquireEndpointNonSuccess(t *testing.T) {
	f := newFakeAgentServer(t)
	f.status = http.StatusUnauthorized
	c := New(Config{APIKey: "bad", AgentID: "agent-1", BaseURL: f.srv.URL})

	_, err := c.AcquireEndpoint(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonEndpointAcquisition) {
		t.Fatalf("expected endpoint_acquisition reason, got %s", errorsx.Reason(err))
	}
	var epErr EndpointError
	if !errors.As(err, &epErr) || epErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected EndpointError 401, got %v", err)
	}
}

func TestAcquireEndpointNetworkFailure(t *testing.T) {
	c := New(Config{APIKey: "k", AgentID: "a", BaseURL: "http://127.0.0.1:1"})
	_, err := c.AcquireEndpoint(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonEndpointAcquisition) {
		t.Fatalf("expected endpoint_acquisition reason, got %v", err)
	}
}

func TestAcquireEndpointRateLimitOpensBreaker(t *testing.T) {
	f := newFakeAgentServer(t)
	f.status = http.StatusTooManyRequests
	c := New(Config{
		APIKey:  "k",
		AgentID: "a",
		BaseURL: f.srv.URL,
		Breaker: resilience.NewCircuitBreaker(1, time.Minute),
	})

	_, err := c.AcquireEndpoint(context.Background())
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	_, err = c.AcquireEndpoint(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonAgentCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if got := f.hits.Load(); got != 1 {
		t.Fatalf("expected provider hit once, got %d", got)
	}
}

func TestConversationInitiationUsesParamsAndDefaults(t *testing.T) {
	f := newFakeAgentServer(t)
	c := New(Config{APIKey: "k", AgentID: "a", BaseURL: f.srv.URL, DefaultPrompt: "fallback prompt"})
	signed, err := c.AcquireEndpoint(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ev := newRecordingEvents()
	conn, err := c.Connect(context.Background(), signed, ev)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	peer := f.accept(t)

	if err := conn.SendInitiation(agent.CustomParameters{FirstMessage: "Y"}); err != nil {
		t.Fatalf("send initiation: %v", err)
	}
	msg := readJSON(t, peer)
	if msg["type"] != "conversation_initiation_client_data" {
		t.Fatalf("unexpected type %v", msg["type"])
	}
	override := msg["conversation_config_override"].(map[string]any)["agent"].(map[string]any)
	if got := override["prompt"].(map[string]any)["prompt"]; got != "fallback prompt" {
		t.Fatalf("expected default prompt, got %v", got)
	}
	if got := override["first_message"]; got != "Y" {
		t.Fatalf("expected first_message Y, got %v", got)
	}

	if err := conn.SendUserAudio("AAAA"); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	msg = readJSON(t, peer)
	if msg["user_audio_chunk"] != "AAAA" {
		t.Fatalf("unexpected audio frame %v", msg)
	}
}

func TestConversationDispatch(t *testing.T) {
	f := newFakeAgentServer(t)
	c := New(Config{APIKey: "k", AgentID: "a", BaseURL: f.srv.URL})
	signed, _ := c.AcquireEndpoint(context.Background())
	ev := newRecordingEvents()
	conn, err := c.Connect(context.Background(), signed, ev)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev.onAudio = func(chunk string) { _ = conn.SendUserAudio("after-" + chunk) }
	peer := f.accept(t)

	frames := []string{
		`{not json`,
		`{"type":"ping","ping_event":{"event_id":42,"ping_ms":10}}`,
		`{"type":"audio","audio":{"chunk":"AAAA"}}`,
		`{"type":"audio","audio_event":{"audio_base_64":"BBBB","event_id":3}}`,
		`{"type":"agent_response","agent_response_event":{"agent_response":"hi"}}`,
		`{"type":"interruption","interruption_event":{"event_id":4}}`,
		`{"type":"something_new"}`,
	}
	for _, fr := range frames {
		if err := peer.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	pong := readJSON(t, peer)
	if pong["type"] != "pong" || pong["event_id"] != float64(42) {
		t.Fatalf("expected pong 42 first, got %v", pong)
	}
	if got := readJSON(t, peer)["user_audio_chunk"]; got != "after-AAAA" {
		t.Fatalf("expected audio after pong, got %v", got)
	}
	for _, want := range []string{"AAAA", "BBBB"} {
		select {
		case got := <-ev.audio:
			if got != want {
				t.Fatalf("expected chunk %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing audio %s", want)
		}
	}
	select {
	case <-ev.interruption:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected interruption")
	}
	select {
	case err := <-ev.closed:
		t.Fatalf("connection closed unexpectedly: %v", err)
	default:
	}

	_ = peer.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	_ = peer.Close()
	select {
	case err := <-ev.closed:
		if err == nil {
			t.Fatalf("expected transport error on provider close")
		}
		if !errorsx.HasReason(err, errorsx.ReasonAgentTransport) {
			t.Fatalf("expected agent_transport reason, got %s", errorsx.Reason(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected closed event")
	}
	if err := conn.SendUserAudio("late"); !errorsx.HasReason(err, errorsx.ReasonAgentSend) {
		t.Fatalf("expected send on closed connection to fail, got %v", err)
	}
}

func TestConversationCloseIsIdempotent(t *testing.T) {
	f := newFakeAgentServer(t)
	c := New(Config{APIKey: "k", AgentID: "a", BaseURL: f.srv.URL})
	signed, _ := c.AcquireEndpoint(context.Background())
	ev := newRecordingEvents()
	conn, err := c.Connect(context.Background(), signed, ev)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.accept(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case err := <-ev.closed:
		if err != nil {
			t.Fatalf("expected clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected closed event")
	}
}
