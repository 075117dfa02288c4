package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
)

type AgentConfig struct {
	// Echo loops every user audio chunk back as agent audio.
	Echo        bool
	EndpointErr error
	ConnectErr  error
	// OpenGate, when set, holds Connect until the channel is closed.
	OpenGate chan struct{}
}

// Agent is an in-memory conversational agent for local runs and tests.
type Agent struct {
	cfg       AgentConfig
	mu        sync.Mutex
	acquired  int
	conns     []*AgentConn
	connected chan *AgentConn
}

func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{cfg: cfg, connected: make(chan *AgentConn, 16)}
}

func (a *Agent) Name() string { return "mock_agent" }

func (a *Agent) AcquireEndpoint(ctx context.Context) (string, error) {
	if a.cfg.EndpointErr != nil {
		return "", errorsx.Wrap(a.cfg.EndpointErr, errorsx.ReasonEndpointAcquisition)
	}
	a.mu.Lock()
	a.acquired++
	n := a.acquired
	a.mu.Unlock()
	return fmt.Sprintf("mock://agent/%d", n), nil
}

func (a *Agent) Connect(ctx context.Context, endpoint string, events agent.Events) (agent.Conn, error) {
	if a.cfg.OpenGate != nil {
		select {
		case <-a.cfg.OpenGate:
		case <-ctx.Done():
			return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonAgentConnect)
		}
	}
	if a.cfg.ConnectErr != nil {
		return nil, errorsx.Wrap(a.cfg.ConnectErr, errorsx.ReasonAgentConnect)
	}
	c := &AgentConn{endpoint: endpoint, events: events, echo: a.cfg.Echo}
	a.mu.Lock()
	a.conns = append(a.conns, c)
	a.mu.Unlock()
	select {
	case a.connected <- c:
	default:
	}
	return c, nil
}

// Connected yields every connection as it is opened.
func (a *Agent) Connected() <-chan *AgentConn { return a.connected }

func (a *Agent) Conns() []*AgentConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*AgentConn(nil), a.conns...)
}

var errMockClosed = errors.New("mock agent connection closed")

type AgentConn struct {
	endpoint string
	events   agent.Events
	echo     bool

	mu          sync.Mutex
	initiations []agent.CustomParameters
	audio       []string
	closeCalls  int
	closed      bool
}

func (c *AgentConn) SendInitiation(params agent.CustomParameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errorsx.Wrap(errMockClosed, errorsx.ReasonAgentSend)
	}
	c.initiations = append(c.initiations, params)
	return nil
}

func (c *AgentConn) SendUserAudio(chunk string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errorsx.Wrap(errMockClosed, errorsx.ReasonAgentSend)
	}
	c.audio = append(c.audio, chunk)
	echo := c.echo
	c.mu.Unlock()
	if echo {
		c.events.OnAgentAudio(chunk)
	}
	return nil
}

func (c *AgentConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.events.OnAgentClosed(nil)
	}
	return nil
}

// EmitAudio simulates an agent audio frame.
func (c *AgentConn) EmitAudio(chunk string) { c.events.OnAgentAudio(chunk) }

// EmitInterruption simulates the agent detecting a barge-in.
func (c *AgentConn) EmitInterruption() { c.events.OnAgentInterruption() }

// Drop simulates the provider closing the connection.
func (c *AgentConn) Drop(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.events.OnAgentClosed(err)
}

func (c *AgentConn) Endpoint() string { return c.endpoint }

func (c *AgentConn) Initiations() []agent.CustomParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.CustomParameters(nil), c.initiations...)
}

func (c *AgentConn) Audio() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.audio...)
}

func (c *AgentConn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

var _ agent.Provider = (*Agent)(nil)
var _ agent.Conn = (*AgentConn)(nil)
