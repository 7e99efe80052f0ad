package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/taskpilot/internal/config"
	"github.com/harun/taskpilot/internal/logger"
	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/agent"
	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/dispatch"
	"github.com/harun/taskpilot/pkg/engine"
	"github.com/harun/taskpilot/pkg/gateway"
	"github.com/harun/taskpilot/pkg/mcp"
	"github.com/harun/taskpilot/pkg/plan"
	"github.com/harun/taskpilot/pkg/retry"
	"github.com/harun/taskpilot/pkg/session"
)

// Daemon wires the configured components together. It serves one-shot CLI
// runs as well as the long-running gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	backends     *backend.Registry
	mcpRegistry  *mcp.Registry
	dispatcher   *dispatch.Dispatcher
	retry        *retry.Controller
	runner       *agent.Runner
	builder      *plan.Builder
	orchestrator *engine.Orchestrator
	store        session.Store

	clients       *gateway.ClientRegistry
	broadcaster   *gateway.EventBroadcaster
	gatewayServer *gateway.Server
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status reports whether the gateway is serving.
type Status struct {
	Running       bool
	Uptime        time.Duration
	StartTime     time.Time
	Addr          string
	ActiveSession string
}

type options struct {
	adapters AdapterFactory
	observer engine.Observer
}

// Option customizes New.
type Option func(*options)

// WithAdapterFactory replaces the provider SDK adapters.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(o *options) { o.adapters = f }
}

// WithObserver adds an observer next to the log observer and the gateway
// broadcaster.
func WithObserver(obs engine.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// New creates a new daemon instance. MCP servers are started and their
// tools listed before New returns.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	o := options{adapters: DefaultAdapterFactory}
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config:    cfg,
		logger:    log,
		lifecycle: NewLifecycleManager(cfg.DataDir, log.Component("lifecycle")),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(ctx, o); err != nil {
		d.closeModules()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds the components in dependency order.
func (d *Daemon) initializeCoreModules(ctx context.Context, o options) error {
	cfg := d.config

	if cfg.DataDir != "" {
		auditPath := filepath.Join(cfg.DataDir, "audit.log")
		if err := observability.InitAuditLogger(auditPath); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		}
	}

	store, err := OpenStore(cfg.Sessions)
	if err != nil {
		return err
	}
	d.store = store
	d.logger.Info().Str("driver", cfg.Sessions.Driver).Msg("Session store initialized")

	d.mcpRegistry, err = d.buildMCP(ctx)
	if err != nil {
		return err
	}

	d.backends, err = BuildBackends(cfg.Backends, o.adapters)
	if err != nil {
		return err
	}
	d.logger.Info().Int("count", len(cfg.Backends)).Msg("Backends registered")

	aliases := make(map[string]backend.Kind, len(cfg.Engine.Aliases))
	for name, kind := range cfg.Engine.Aliases {
		aliases[name] = backend.Kind(kind)
	}
	d.dispatcher, err = dispatch.New(dispatch.Config{
		Backends: d.backends,
		MCP:      d.mcpRegistry,
		Aliases:  aliases,
		Logger:   d.logger.Component("dispatch"),
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	d.retry = retry.New(retry.Config{
		MaxRetries:  cfg.Engine.MaxRetries,
		DefaultWait: time.Duration(cfg.Engine.DefaultRateLimitWaitSeconds) * time.Second,
		Logger:      d.logger.Component("retry"),
	})

	d.runner, err = agent.NewRunner(agent.Config{
		Backends:          d.backends,
		Dispatcher:        d.dispatcher,
		Retry:             d.retry,
		Logger:            d.logger.Component("agent"),
		MaxToolIterations: cfg.Engine.MaxToolIterations,
		MaxDepth:          cfg.Engine.MaxDepth,
		ToolOutputLimit:   cfg.Engine.ToolOutputLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.dispatcher.SetInvoker(d.runner)

	d.builder, err = plan.NewBuilder(plan.Config{
		Backends:     d.backends,
		Planner:      backend.Kind(cfg.Planner.Backend),
		DefaultAgent: backend.Kind(cfg.Planner.DefaultAgent),
		Retry:        d.retry,
		Logger:       d.logger.Component("plan"),
	})
	if err != nil {
		return fmt.Errorf("failed to create plan builder: %w", err)
	}

	d.clients = gateway.NewClientRegistry()
	d.broadcaster = gateway.NewEventBroadcaster(d.clients, d.logger.Component("gateway"))

	observers := engine.MultiObserver{
		engine.LogObserver{Logger: d.logger.Component("engine")},
		d.broadcaster,
	}
	if o.observer != nil {
		observers = append(observers, o.observer)
	}

	d.orchestrator, err = engine.New(engine.Config{
		Backends: d.backends,
		Planner:  d.builder,
		Resolver: d.runner,
		Tools:    d.dispatcher,
		Store:    d.store,
		Observer: observers,
		Logger:   d.logger.Component("engine"),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	d.logger.Info().Msg("Core modules initialized")
	return nil
}

func (d *Daemon) buildMCP(ctx context.Context) (*mcp.Registry, error) {
	reg := mcp.NewRegistry()
	timeout := time.Duration(d.config.MCP.TimeoutSeconds) * time.Second

	for _, server := range d.config.MCP.Servers {
		opts := []mcp.Option{mcp.WithLogger(d.logger.Component("mcp"))}
		if timeout > 0 {
			opts = append(opts, mcp.WithTimeout(timeout))
		}
		if err := reg.Add(mcp.NewClient(server.ID, server.Command, server.Args, opts...)); err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("failed to register MCP server %s: %w", server.ID, err)
		}
	}

	if len(d.config.MCP.Servers) == 0 {
		return reg, nil
	}
	if err := reg.Refresh(ctx); err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("failed to list MCP tools: %w", err)
	}
	d.logger.Info().
		Int("servers", len(d.config.MCP.Servers)).
		Int("tool_count", len(reg.Tools())).
		Msg("MCP server tools registered")
	return reg, nil
}

// Run executes one task in the foreground. SIGINT and SIGTERM abort it.
func (d *Daemon) Run(ctx context.Context, task string, files []string) (*engine.Result, error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case sig := <-sigChan:
			d.logger.Info().Str("signal", sig.String()).Msg("Received signal, aborting execution")
			d.orchestrator.Abort()
		case <-stop:
		}
	}()

	return d.orchestrator.Run(ctx, task, files)
}

// Start starts the gateway and writes the PID file.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Engine:       d.orchestrator,
		Store:        d.store,
		Clients:      d.clients,
		Broadcaster:  d.broadcaster,
		Logger:       d.logger.Component("gateway"),
		Limits: gateway.Limits{
			SubmitPerMinute: d.config.Gateway.SubmitPerMinute,
			ReadPerMinute:   d.config.Gateway.ReadPerMinute,
			MaxInFlight:     d.config.Gateway.MaxInFlight,
		},
	})
	if err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	if err := server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	d.gatewayServer = server
	d.running = true
	d.startTime = time.Now()

	d.logger.Info().Str("addr", server.Addr()).Msg("Daemon started")
	return nil
}

// Stop stops the gateway, waits for the active run to settle and releases
// every module.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if d.running {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop gateway server")
			firstErr = err
		}
		cancel()

		if err := d.lifecycle.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		}
		d.running = false
	}

	d.closeModules()
	d.logger.Info().Msg("Daemon stopped")
	return firstErr
}

// Close releases the modules of a daemon that was never started.
func (d *Daemon) Close() error {
	return d.Stop()
}

func (d *Daemon) closeModules() {
	if d.mcpRegistry != nil {
		if err := d.mcpRegistry.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close MCP servers")
		}
		d.mcpRegistry = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close session store")
		}
		d.store = nil
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.orchestrator != nil {
		status.ActiveSession = d.orchestrator.ActiveSession()
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the orchestrator
func (d *Daemon) GetOrchestrator() *engine.Orchestrator {
	return d.orchestrator
}

// GetStore returns the session store
func (d *Daemon) GetStore() session.Store {
	return d.store
}

// GetBackends returns the backend registry
func (d *Daemon) GetBackends() *backend.Registry {
	return d.backends
}

// GetDispatcher returns the tool dispatcher
func (d *Daemon) GetDispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// GetGatewayServer returns the gateway server once started
func (d *Daemon) GetGatewayServer() *gateway.Server {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gatewayServer
}
