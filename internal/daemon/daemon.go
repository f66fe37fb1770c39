// Package daemon wires the relay engine together: tool registry,
// sandbox, approval broker, orchestrator, model client, session,
// journal and gateway, plus process lifecycle around them.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/relay/internal/config"
	"github.com/harun/relay/internal/logger"
	"github.com/harun/relay/pkg/agent"
	"github.com/harun/relay/pkg/compaction"
	"github.com/harun/relay/pkg/coretools"
	"github.com/harun/relay/pkg/gateway"
	"github.com/harun/relay/pkg/model"
	"github.com/harun/relay/pkg/orchestrator"
	"github.com/harun/relay/pkg/sandbox"
	"github.com/harun/relay/pkg/session"
	"github.com/harun/relay/pkg/tool"
)

// Daemon is the relay daemon service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	registry  *tool.Registry
	executor  sandbox.Executor
	broker    *session.ApprovalBroker
	orch      *orchestrator.Orchestrator
	client    model.Client
	compactor *compaction.Manager
	runner    *agent.Runner
	journal   *session.Journal
	session   *session.Session
	gateway   *gateway.Server
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// newModelClient is a hook for tests to inject a scripted client.
var newModelClient = func(cfg config.ModelConfig) (model.Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("model API key env %s is not set", cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case "anthropic":
		return model.NewAnthropicClient(key), nil
	case "openai":
		return model.NewOpenAIClient(key), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.Provider)
	}
}

// New creates a daemon instance with all components initialized but not
// yet started.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initialize builds the engine components in dependency order.
func (d *Daemon) initialize() error {
	zlog := *d.logger.Zerolog()

	workspaceRoot := d.config.Sandbox.WorkspaceRoot
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve workspace root: %w", err)
		}
		workspaceRoot = wd
	}

	d.registry = tool.NewRegistry()
	if err := d.registry.Register(tool.Spec{
		Name:        "shell",
		Description: "Run a shell command in the workspace",
	}, tool.NewShellHandler()); err != nil {
		return fmt.Errorf("register shell tool: %w", err)
	}
	if err := coretools.Register(d.registry, coretools.Options{WorkspaceRoot: workspaceRoot}); err != nil {
		return fmt.Errorf("register workspace tools: %w", err)
	}
	zlog.Info().Int("tools", len(d.registry.Specs())).Msg("Tool registry initialized")

	d.executor = sandbox.NewHostExecutor()
	d.broker = session.NewApprovalBroker()
	d.orch = orchestrator.New(d.registry, d.executor, d.broker, zlog)

	client, err := newModelClient(d.config.Model)
	if err != nil {
		return err
	}
	d.client = client
	zlog.Info().
		Str("provider", d.config.Model.Provider).
		Str("model", d.config.Model.Name).
		Msg("Model client initialized")

	d.compactor = compaction.NewManager(client, compaction.Config{
		Model:          d.config.Model.Name,
		KeepUserTokens: d.config.Engine.KeepUserTokens,
	}, zlog)

	d.runner = agent.NewRunner(client, d.orch, d.registry, d.compactor, agent.Config{
		Model:            d.config.Model.Name,
		Instructions:     d.config.Engine.Instructions,
		MaxTokens:        d.config.Model.MaxTokens,
		ContextWindow:    d.config.Model.ContextWindow,
		CompactThreshold: d.config.Engine.AutoCompactFraction,
		MaxTurns:         d.config.Engine.MaxTurns,
		MaxRetries:       d.config.Engine.MaxRetries,
		Policy:           policyFromConfig(d.config, workspaceRoot),
	}, zlog)

	if d.config.Journal.Enabled {
		journal, err := session.OpenJournal(session.JournalConfig{
			Path:      d.config.Journal.Path,
			Retention: time.Duration(d.config.Journal.RetentionHours) * time.Hour,
		}, zlog)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		d.journal = journal
		zlog.Info().Str("path", d.config.Journal.Path).Msg("Journal opened")
	}

	sess, err := session.New(session.Config{
		Runner:  d.runner,
		Broker:  d.broker,
		Journal: d.journal,
		Logger:  zlog,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	d.session = sess
	zlog.Info().Str("session_id", sess.ID()).Msg("Session initialized")

	if d.config.Gateway.Enabled {
		srv, err := gateway.NewServer(gateway.Config{
			Addr:         d.config.Gateway.Addr,
			SharedSecret: d.config.Gateway.SharedSecret,
			Session:      sess,
			Logger:       zlog,
		})
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
		d.gateway = srv
	}

	return nil
}

// policyFromConfig converts the config policy section into the
// orchestrator's policy type.
func policyFromConfig(cfg *config.Config, workspaceRoot string) orchestrator.Policy {
	overrides := make(map[string]orchestrator.ToolOverride, len(cfg.Policy.Overrides))
	for name, mode := range cfg.Policy.Overrides {
		overrides[name] = orchestrator.ToolOverride(mode)
	}
	return orchestrator.Policy{
		Approval:             orchestrator.ApprovalMode(cfg.Policy.Approval),
		Overrides:            overrides,
		Sandbox:              sandbox.Tier(cfg.Sandbox.Tier),
		AllowEscalation:      cfg.Policy.AllowEscalation,
		WorkingDir:           workspaceRoot,
		ToolTimeout:          time.Duration(cfg.Policy.ToolTimeoutSeconds) * time.Second,
		DiscardPartialOnDeny: cfg.Policy.DiscardPartialOnDeny,
	}
}

// Start starts the daemon services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Zerolog().Info().Msg("Starting relay daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gateway != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.gateway.Start(d.ctx); err != nil {
				d.logger.Zerolog().Error().Err(err).Msg("Gateway server stopped")
			}
		}()
	}

	d.logger.Zerolog().Info().Msg("Relay daemon started")
	return nil
}

// Stop shuts the daemon down: gateway first so no new submissions
// arrive, then the session, then the journal.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Zerolog().Info().Msg("Stopping relay daemon")

	d.cancel()
	d.wg.Wait()

	if err := d.session.Close(); err != nil {
		d.logger.Zerolog().Warn().Err(err).Msg("Session close failed")
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Zerolog().Warn().Err(err).Msg("Journal close failed")
		}
	}
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Zerolog().Warn().Err(err).Msg("Lifecycle manager stop failed")
	}

	d.logger.Zerolog().Info().Msg("Relay daemon stopped")
	return nil
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Zerolog().Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Zerolog().Error().Err(err).Msg("Failed to stop daemon")
	}
}

// ApplyConfig applies a hot-reloaded configuration. Only the policy
// sections take effect at runtime; everything else needs a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	workspaceRoot := cfg.Sandbox.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = d.runner.Policy().WorkingDir
	}
	d.runner.SetPolicy(policyFromConfig(cfg, workspaceRoot))

	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
}

// Status describes the running daemon.
type Status struct {
	Running      bool
	Uptime       time.Duration
	SessionID    string
	SessionState session.State
}

// Status returns daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	if d.session != nil {
		status.SessionID = d.session.ID()
		status.SessionState = d.session.State()
	}
	return status
}

// Session returns the daemon's session.
func (d *Daemon) Session() *session.Session {
	return d.session
}

// Registry returns the tool registry.
func (d *Daemon) Registry() *tool.Registry {
	return d.registry
}

// GetConfig returns the active configuration.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}
