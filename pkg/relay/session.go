package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
)

// MediaSink writes frames back onto the telephony stream.
type MediaSink interface {
	SendMedia(streamSID, payload string) error
	SendClear(streamSID string) error
}

// StartEvent carries the parameters of the telephony start event.
type StartEvent struct {
	StreamSID  string
	CallSID    string
	Parameters agent.CustomParameters
}

type Options struct {
	Agent    agent.Provider
	Sink     MediaSink
	InitMode InitMode
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Session relays one call between the telephony stream and the agent.
//
// Telephony events arrive on the transport's read goroutine and agent events
// on the agent connection's read goroutine. Both paths go through mu, which
// guards every field below it.
type Session struct {
	traceID string
	agent   agent.Provider
	sink    MediaSink
	mode    InitMode
	log     *slog.Logger
	metrics *metrics.Metrics

	legDone   chan struct{}
	closeConn sync.Once
	closeSess sync.Once

	mu         sync.Mutex
	cancel     context.CancelFunc
	phase      Phase
	streamSID  string
	callSID    string
	params     agent.CustomParameters
	state      AgentState
	conn       agent.Conn
	initClaim  bool
	ready      bool
	teardown   bool
	legStarted bool
}

func NewSession(opts Options) *Session {
	mode := opts.InitMode
	if mode == "" {
		mode = InitAwaitStart
	}
	traceID := uuid.NewString()
	base := logging.NewComponentLogger(opts.Logger, "relay")
	s := &Session{
		traceID: traceID,
		agent:   opts.Agent,
		sink:    opts.Sink,
		mode:    mode,
		log:     base.With(slog.String("trace_id", traceID)),
		metrics: opts.Metrics,
		cancel:  func() {},
		legDone: make(chan struct{}),
	}
	s.metrics.SessionOpened()
	return s
}

func (s *Session) TraceID() string { return s.traceID }

// Start opens the agent leg in the background. Calling it again is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.legStarted || s.teardown {
		s.mu.Unlock()
		return
	}
	s.legStarted = true
	if ctx == nil {
		ctx = context.Background()
	}
	legCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	go s.runAgentLeg(legCtx)
}

// LegDone is closed once the agent leg has either opened or failed.
func (s *Session) LegDone() <-chan struct{} { return s.legDone }

func (s *Session) runAgentLeg(ctx context.Context) {
	defer close(s.legDone)
	if s.agent == nil {
		s.log.Error("agent_provider_missing")
		s.setState(AgentClosed)
		return
	}

	s.setState(AgentAcquiringEndpoint)
	begin := time.Now()
	endpoint, err := s.agent.AcquireEndpoint(ctx)
	s.metrics.ObserveEndpointLatency(time.Since(begin))
	if err != nil {
		s.failLeg(ctx, "agent_endpoint_failed", errorsx.Wrap(err, errorsx.ReasonEndpointAcquisition))
		return
	}
	s.log.Debug("agent_endpoint_acquired", slog.Duration("elapsed", time.Since(begin)))

	s.setState(AgentConnecting)
	conn, err := s.agent.Connect(ctx, endpoint, s)
	if err != nil {
		s.failLeg(ctx, "agent_connect_failed", errorsx.Wrap(err, errorsx.ReasonAgentConnect))
		return
	}
	s.onAgentOpen(conn)
}

func (s *Session) failLeg(ctx context.Context, msg string, err error) {
	defer s.setState(AgentClosed)
	if ctx.Err() != nil {
		s.log.Info("agent_leg_cancelled", slog.String("stage", msg))
		return
	}
	reason := errorsx.Reason(err)
	s.log.Error(msg,
		slog.String("error", err.Error()),
		slog.String("reason_code", string(reason)))
	s.metrics.Error(reason)
}

func (s *Session) onAgentOpen(conn agent.Conn) {
	s.mu.Lock()
	if s.teardown || s.state == AgentClosed {
		s.mu.Unlock()
		s.log.Info("agent_opened_after_close")
		s.setState(AgentClosed)
		s.closeAgentConn(conn)
		return
	}
	prev := s.state
	s.state = AgentOpen
	s.conn = conn
	send, params := s.claimInitLocked(true)
	s.mu.Unlock()

	s.metrics.AgentState(AgentOpen.String())
	s.log.Info("agent_connection_open",
		slog.String("agent", s.agent.Name()),
		slog.String("from", prev.String()))
	if send {
		s.sendInitiation(conn, params)
	}
}

// claimInitLocked is the one-shot gate for the initiation frame. It reports
// whether the caller won the right to send and the parameters to use.
func (s *Session) claimInitLocked(opening bool) (bool, agent.CustomParameters) {
	if s.initClaim || s.conn == nil {
		return false, agent.CustomParameters{}
	}
	switch s.mode {
	case InitOnOpen:
		if !opening {
			return false, agent.CustomParameters{}
		}
	default:
		if s.phase != PhaseStarted {
			return false, agent.CustomParameters{}
		}
	}
	s.initClaim = true
	return true, s.params
}

func (s *Session) sendInitiation(conn agent.Conn, params agent.CustomParameters) {
	if err := conn.SendInitiation(params); err != nil {
		reason := errorsx.Reason(errorsx.Wrap(err, errorsx.ReasonAgentSend))
		s.log.Error("agent_initiation_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(reason)))
		s.metrics.Error(reason)
		return
	}
	s.mu.Lock()
	if !s.teardown && s.state == AgentOpen {
		s.ready = true
	}
	s.mu.Unlock()
	s.metrics.Message(metrics.LegAgent, metrics.DirectionOut, "conversation_initiation_client_data")
	s.log.Info("agent_initiation_sent",
		slog.Bool("custom_prompt", params.Prompt != ""),
		slog.Bool("custom_first_message", params.FirstMessage != ""))
}

// HandleStart records the stream parameters. Only the first start counts.
func (s *Session) HandleStart(ev StartEvent) {
	s.mu.Lock()
	if s.phase != PhaseNotStarted {
		phase := s.phase
		s.mu.Unlock()
		s.log.Warn("telephony_duplicate_start",
			slog.String("stream_sid", ev.StreamSID),
			slog.String("phase", phase.String()))
		return
	}
	s.phase = PhaseStarted
	s.streamSID = ev.StreamSID
	s.callSID = ev.CallSID
	s.params = ev.Parameters
	conn := s.conn
	send, params := s.claimInitLocked(false)
	s.mu.Unlock()

	s.metrics.SessionEvent("started")
	s.log.Info("telephony_stream_started",
		slog.String("stream_sid", ev.StreamSID),
		slog.String("call_sid", ev.CallSID))
	if send {
		s.sendInitiation(conn, params)
	}
}

// HandleMedia forwards one caller audio chunk when the agent is ready and
// drops it otherwise.
func (s *Session) HandleMedia(payload string) {
	s.metrics.Message(metrics.LegTelephony, metrics.DirectionIn, "media")
	s.mu.Lock()
	ready := s.ready && s.phase == PhaseStarted
	conn := s.conn
	s.mu.Unlock()
	if !ready {
		s.metrics.Drop(metrics.LegAgent, "not_ready")
		return
	}
	if err := conn.SendUserAudio(payload); err != nil {
		reason := errorsx.Reason(errorsx.Wrap(err, errorsx.ReasonAgentSend))
		s.log.Debug("agent_audio_send_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(reason)))
		s.metrics.Error(reason)
		return
	}
	s.metrics.Message(metrics.LegAgent, metrics.DirectionOut, "user_audio_chunk")
}

// HandleStop ends the call. The agent connection is closed at most once no
// matter how often stop arrives.
func (s *Session) HandleStop() {
	s.mu.Lock()
	if s.phase == PhaseStopped {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseStopped
	s.mu.Unlock()
	s.metrics.SessionEvent("stopped")
	s.log.Info("telephony_stream_stopped")
	s.shutdownAgent()
}

// Close tears the session down after the telephony stream ends or errors.
func (s *Session) Close() {
	s.closeSess.Do(func() {
		s.mu.Lock()
		s.phase = PhaseStopped
		s.mu.Unlock()
		s.shutdownAgent()
		s.metrics.SessionClosed()
		s.log.Info("session_closed")
	})
}

func (s *Session) shutdownAgent() {
	s.mu.Lock()
	s.teardown = true
	s.ready = false
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	if conn != nil {
		s.closeAgentConn(conn)
	}
}

func (s *Session) closeAgentConn(conn agent.Conn) {
	s.closeConn.Do(func() {
		if err := conn.Close(); err != nil {
			s.log.Debug("agent_close_error", slog.String("error", err.Error()))
		}
	})
}

// OnAgentAudio forwards agent speech to the caller.
func (s *Session) OnAgentAudio(chunk string) {
	s.metrics.Message(metrics.LegAgent, metrics.DirectionIn, "audio")
	s.mu.Lock()
	streamSID := s.streamSID
	s.mu.Unlock()
	if streamSID == "" {
		s.log.Warn("agent_audio_before_stream_start")
		s.metrics.Drop(metrics.LegTelephony, "no_stream")
		return
	}
	if err := s.sink.SendMedia(streamSID, chunk); err != nil {
		reason := errorsx.Reason(errorsx.Wrap(err, errorsx.ReasonTelephonySend))
		s.log.Warn("telephony_media_send_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(reason)))
		s.metrics.Error(reason)
		return
	}
	s.metrics.Message(metrics.LegTelephony, metrics.DirectionOut, "media")
}

// OnAgentInterruption clears audio already queued at the telephony side.
func (s *Session) OnAgentInterruption() {
	s.metrics.Message(metrics.LegAgent, metrics.DirectionIn, "interruption")
	s.mu.Lock()
	streamSID := s.streamSID
	s.mu.Unlock()
	if streamSID == "" {
		return
	}
	if err := s.sink.SendClear(streamSID); err != nil {
		s.log.Warn("telephony_clear_send_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonTelephonySend)))
		return
	}
	s.metrics.Message(metrics.LegTelephony, metrics.DirectionOut, "clear")
}

// OnAgentClosed marks the agent leg closed. The telephony leg stays up and
// further caller audio is dropped.
func (s *Session) OnAgentClosed(err error) {
	s.mu.Lock()
	s.ready = false
	expected := s.teardown
	s.mu.Unlock()
	s.setState(AgentClosed)
	if err != nil && !expected {
		reason := errorsx.Reason(errorsx.Wrap(err, errorsx.ReasonAgentTransport))
		s.log.Warn("agent_connection_lost",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(reason)))
		s.metrics.Error(reason)
		return
	}
	s.log.Info("agent_connection_closed", slog.Bool("expected", expected))
}

func (s *Session) setState(next AgentState) {
	s.mu.Lock()
	prev := s.state
	if next <= prev {
		s.mu.Unlock()
		return
	}
	s.state = next
	if next == AgentClosed {
		s.ready = false
	}
	s.mu.Unlock()
	s.metrics.AgentState(next.String())
	s.log.Debug("agent_state_changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}

// Phase returns the telephony phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// AgentState returns the agent leg state.
func (s *Session) AgentState() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSID returns the stream id, empty before start.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Ready reports whether caller audio is currently forwarded.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.phase == PhaseStarted
}

var _ agent.Events = (*Session)(nil)
