package callbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harunnryd/callbridge/pkg/adapters/agent"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/relay"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/transports"
	"golang.org/x/sync/errgroup"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Agent and Transport bypass the registry when set.
	Agent     agent.Provider
	Transport transports.Transport
}

// Engine wires one telephony transport to one agent provider and serves
// them over HTTP until its context ends.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	agent     agent.Provider
	transport transports.Transport
	router    chi.Router
	server    *http.Server
	runner    *runner.LifecycleRunner

	listening chan struct{}
	addr      net.Addr
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	log := logging.NewComponentLogger(opts.Logger, "engine")

	initMode, err := relay.ParseInitMode(cfg.Relay.InitMode)
	if err != nil {
		return nil, fmt.Errorf("relay.init_mode: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultRegistry()
	}

	agentProvider := opts.Agent
	if agentProvider == nil {
		agentProvider, err = providers.BuildAgent(cfg, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("build agent: %w", err)
		}
	}

	transport := opts.Transport
	if transport == nil {
		transport, err = providers.BuildTransport(cfg, TransportDeps{
			Agent:    agentProvider,
			InitMode: initMode,
			Metrics:  m,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		agent:     agentProvider,
		transport: transport,
		listening: make(chan struct{}),
	}
	e.router = e.buildRouter()
	e.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           e.router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutMS) * time.Millisecond,
	}
	e.runner = runner.NewLifecycleRunner(transport, runner.Hooks{
		OnStart: e.logReady,
		OnStop: func() {
			e.log.Info("callbridge_stopped")
		},
	}, cfg.Shutdown.DrainTimeout())

	log.Info("callbridge_init",
		slog.String("environment", cfg.Environment),
		slog.String("telephony_provider", transport.Name()),
		slog.String("agent_provider", agentProvider.Name()),
		slog.String("init_mode", string(initMode)),
		slog.Bool("metrics", m != nil),
		slog.Bool("redact_pii", cfg.Privacy.RedactPII))
	return e, nil
}

func (e *Engine) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", e.handleHealth)
	if e.metrics != nil {
		r.Method(http.MethodGet, e.cfg.Metrics.Path, e.metrics.Handler())
	}
	e.transport.Routes(r)
	return r
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// On the way out active streams are drained within the configured timeout.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.server.Addr, err)
	}
	e.addr = ln.Addr()
	close(e.listening)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return e.runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Shutdown.DrainTimeout())
		defer cancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.log.Warn("http_shutdown_error", slog.String("error", err.Error()))
		}
		return nil
	})
	return g.Wait()
}

// Listening is closed once Run has bound its listener.
func (e *Engine) Listening() <-chan struct{} { return e.listening }

// Addr is the bound listen address, valid after Listening is closed.
func (e *Engine) Addr() net.Addr { return e.addr }

func (e *Engine) Handler() http.Handler { return e.router }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Agent() agent.Provider { return e.agent }

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) State() runner.State { return e.runner.State() }

type activeStreamer interface {
	ActiveStreams() int
}

func (e *Engine) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "ok",
		"telephony": e.transport.Name(),
		"agent":     e.agent.Name(),
		"state":     e.runner.State().String(),
	}
	if s, ok := e.transport.(activeStreamer); ok {
		body["active_streams"] = s.ActiveStreams()
	}
	if st := e.runner.State(); st == runner.StateDraining || st == runner.StateStopped {
		status = http.StatusServiceUnavailable
		body["status"] = "draining"
	}
	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (e *Engine) logReady() {
	attrs := []any{slog.String("addr", e.server.Addr)}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			attrs = append(attrs, slog.Any(k, v))
		}
	}
	e.log.Info("callbridge_ready", attrs...)
}
