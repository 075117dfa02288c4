package twilio

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/relay"
	"github.com/harunnryd/callbridge/pkg/transports"
)

type Config struct {
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	PhoneNumber        string   `mapstructure:"phone_number"`
	ServerAddr         string   `mapstructure:"server_addr"`
	IncomingPath       string   `mapstructure:"incoming_path"`
	OutboundCallPath   string   `mapstructure:"outbound_call_path"`
	TwimlPath          string   `mapstructure:"twiml_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	SkipSignature      bool     `mapstructure:"skip_signature_validation"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
	if c.IncomingPath == "" {
		c.IncomingPath = "/incoming-call"
	}
	if c.OutboundCallPath == "" {
		c.OutboundCallPath = "/outbound-call"
	}
	if c.TwimlPath == "" {
		c.TwimlPath = "/outbound-call-twiml"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/outbound-media-stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Options wires the transport to the relay.
type Options struct {
	Agent    agent.Provider
	InitMode relay.InitMode
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Transport accepts Twilio media streams and relays each one to a fresh
// agent connection. It also serves the call-control webhooks.
type Transport struct {
	cfg      Config
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	dialer   *Dialer

	mu          sync.Mutex
	streams     map[*stream]struct{}
	callStreams map[string]*stream

	draining atomic.Bool
}

func New(cfg Config, opts Options) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:  cfg,
		opts: opts,
		log:  logging.NewComponentLogger(opts.Logger, "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer:      NewDialer(cfg),
		streams:     make(map[*stream]struct{}),
		callStreams: make(map[string]*stream),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

// Dialer returns the outbound call client bound to this transport's config.
func (t *Transport) Dialer() *Dialer { return t.dialer }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"incoming_webhook_url": t.publicHTTPURL(t.cfg.IncomingPath),
		"twiml_url":            t.publicHTTPURL(t.cfg.TwimlPath),
		"status_callback_url":  t.publicHTTPURL(t.cfg.StatusCallbackPath),
		"media_stream_path":    t.cfg.WebsocketPath,
	}
}

// Routes mounts the webhooks and the media stream on r.
func (t *Transport) Routes(r chi.Router) {
	r.Post(t.cfg.OutboundCallPath, t.handleOutboundCall)
	r.Get(t.cfg.TwimlPath, t.handleOutboundTwiml)
	r.Post(t.cfg.TwimlPath, t.handleOutboundTwiml)
	r.Post(t.cfg.IncomingPath, t.handleIncomingCall)
	r.Post(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	r.Get(t.cfg.WebsocketPath, t.ServeHTTP)
}

// ActiveStreams reports the number of media streams currently relayed.
func (t *Transport) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Drain refuses new streams and closes the active ones. Each closed stream
// tears down its agent connection.
func (t *Transport) Drain() error {
	t.draining.Store(true)
	t.mu.Lock()
	active := make([]*stream, 0, len(t.streams))
	for st := range t.streams {
		active = append(active, st)
	}
	t.mu.Unlock()
	for _, st := range active {
		st.close()
	}
	t.log.Info("twilio_transport_drained", slog.Int("streams", len(active)))
	return nil
}

// ServeHTTP upgrades a media stream and relays it until either side ends.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("telephony_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	st := newStream(conn)
	sess := relay.NewSession(relay.Options{
		Agent:    t.opts.Agent,
		Sink:     st,
		InitMode: t.opts.InitMode,
		Logger:   t.opts.Logger,
		Metrics:  t.opts.Metrics,
	})
	st.session = sess
	log := t.log.With(slog.String("trace_id", sess.TraceID()))

	t.track(st)
	go st.loop(log, t.opts.Metrics)
	defer func() {
		sess.Close()
		t.untrack(st)
		st.close()
	}()

	log.Info("telephony_stream_connected", slog.String("remote_addr", r.RemoteAddr))
	sess.Start(r.Context())
	t.readLoop(st, sess, log)
}

func (t *Transport) readLoop(st *stream, sess *relay.Session, log *slog.Logger) {
	for {
		_, msg, err := st.conn.ReadMessage()
		if err != nil {
			if !st.isClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("telephony_stream_error",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonTelephonyTransport)))
				t.opts.Metrics.Error(errorsx.ReasonTelephonyTransport)
			}
			log.Info("telephony_stream_closed")
			return
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.malformed(log, "invalid json", err)
			continue
		}
		switch evt.Event {
		case "connected":
			t.opts.Metrics.Message(metrics.LegTelephony, metrics.DirectionIn, evt.Event)
			log.Debug("telephony_connected")
		case "start":
			if evt.Start == nil {
				t.malformed(log, "start without body", nil)
				continue
			}
			t.opts.Metrics.Message(metrics.LegTelephony, metrics.DirectionIn, evt.Event)
			t.bindCall(st, evt.Start.CallSID)
			sess.HandleStart(relay.StartEvent{
				StreamSID:  evt.Start.StreamSID,
				CallSID:    evt.Start.CallSID,
				Parameters: agent.ParametersFromMap(evt.Start.CustomParameters),
			})
		case "media":
			if evt.Media == nil {
				t.malformed(log, "media without body", nil)
				continue
			}
			sess.HandleMedia(evt.Media.Payload)
		case "mark", "dtmf":
			t.opts.Metrics.Message(metrics.LegTelephony, metrics.DirectionIn, evt.Event)
			log.Debug("telephony_event_ignored", slog.String("event", evt.Event))
		case "stop":
			t.opts.Metrics.Message(metrics.LegTelephony, metrics.DirectionIn, evt.Event)
			sess.HandleStop()
			return
		default:
			log.Debug("telephony_unhandled_event", slog.String("event", evt.Event))
		}
	}
}

func (t *Transport) malformed(log *slog.Logger, detail string, err error) {
	attrs := []any{
		slog.String("detail", detail),
		slog.String("reason_code", string(errorsx.ReasonMalformedMessage)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	log.Warn("telephony_malformed_message", attrs...)
	t.opts.Metrics.Error(errorsx.ReasonMalformedMessage)
}

func (t *Transport) track(st *stream) {
	t.mu.Lock()
	t.streams[st] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrack(st *stream) {
	t.mu.Lock()
	delete(t.streams, st)
	if st.callSID != "" && t.callStreams[st.callSID] == st {
		delete(t.callStreams, st.callSID)
	}
	t.mu.Unlock()
}

func (t *Transport) bindCall(st *stream, callSID string) {
	if callSID == "" {
		return
	}
	t.mu.Lock()
	st.callSID = callSID
	t.callStreams[callSID] = st
	t.mu.Unlock()
}

func (t *Transport) streamForCall(callSID string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicHTTPURL(path string) string {
	return publicHTTPURL(t.cfg, path)
}

func publicHTTPURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8000"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func normalizePublicURL(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	v = strings.TrimPrefix(v, "wss://")
	v = strings.TrimPrefix(v, "ws://")
	return strings.TrimRight(v, "/")
}

const writeWait = 10 * time.Second

var errStreamClosed = errors.New("telephony stream closed")

// stream is the write side of one media websocket. Frames are serialized
// through sendCh and written by a single goroutine in enqueue order.
type stream struct {
	conn      *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	session   *relay.Session

	// guarded by Transport.mu
	callSID string
}

func newStream(conn *websocket.Conn) *stream {
	return &stream{
		conn:   conn,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (s *stream) SendMedia(streamSID, payload string) error {
	return s.enqueue(outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: payload},
	})
}

func (s *stream) SendClear(streamSID string) error {
	return s.enqueue(outboundClear{Event: "clear", StreamSID: streamSID})
}

// enqueue blocks while the queue is full. Frames are only refused once the
// stream is closed.
func (s *stream) enqueue(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errorsx.Wrap(errStreamClosed, errorsx.ReasonTelephonySend)
	default:
	}
	select {
	case s.sendCh <- b:
		return nil
	case <-s.done:
		return errorsx.Wrap(errStreamClosed, errorsx.ReasonTelephonySend)
	}
}

func (s *stream) loop(log *slog.Logger, m *metrics.Metrics) {
	for {
		select {
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn("telephony_write_failed",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonTelephonySend)))
				m.Error(errorsx.ReasonTelephonySend)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

var _ transports.Transport = (*Transport)(nil)
var _ transports.ReadyReporter = (*Transport)(nil)
var _ relay.MediaSink = (*stream)(nil)
