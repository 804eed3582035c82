// Package services assembles the lending workflow services and hands them
// out through a single registry. Build constructs the full dependency graph
// from configuration; NewRegistry wraps pre-built instances, which is what
// tests and partial deployments use.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
	"github.com/fyrsmithlabs/lendingd/internal/config"
	"github.com/fyrsmithlabs/lendingd/internal/decision"
	"github.com/fyrsmithlabs/lendingd/internal/eventbus"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
	"github.com/fyrsmithlabs/lendingd/internal/routing"
	"github.com/fyrsmithlabs/lendingd/internal/security"
	"github.com/fyrsmithlabs/lendingd/internal/workers"
)

// Registry provides access to all lendingd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Applications() application.Service
	Sessions() orchestrator.Service
	Agents() *agent.Registry
	Recovery() recovery.Service
	Decisions() decision.Service
	Audit() audit.Service
	Checkpoints() checkpoint.Store
	Router() routing.Service
	Scrubber() security.Scrubber
	Bus() eventbus.Service

	// Close shuts the services down, inbound surfaces first.
	Close() error
}

// Options configures the registry with service instances.
type Options struct {
	Applications application.Service
	Sessions     orchestrator.Service
	Agents       *agent.Registry
	Recovery     recovery.Service
	Decisions    decision.Service
	Audit        audit.Service
	Checkpoints  checkpoint.Store
	Router       routing.Service
	Scrubber     security.Scrubber
	Bus          eventbus.Service
}

// registry is the concrete implementation of Registry.
type registry struct {
	applications application.Service
	sessions     orchestrator.Service
	agents       *agent.Registry
	recovery     recovery.Service
	decisions    decision.Service
	audit        audit.Service
	checkpoints  checkpoint.Store
	router       routing.Service
	scrubber     security.Scrubber
	bus          eventbus.Service

	// nc is set only when Build opened the NATS connection; the registry
	// owns it and closes it after the bus.
	nc *nats.Conn
}

var _ Registry = (*registry)(nil)

// NewRegistry creates a new service registry from existing instances.
func NewRegistry(opts Options) Registry {
	return &registry{
		applications: opts.Applications,
		sessions:     opts.Sessions,
		agents:       opts.Agents,
		recovery:     opts.Recovery,
		decisions:    opts.Decisions,
		audit:        opts.Audit,
		checkpoints:  opts.Checkpoints,
		router:       opts.Router,
		scrubber:     opts.Scrubber,
		bus:          opts.Bus,
	}
}

// Build constructs and wires every service from configuration.
//
// The graph, in construction order: audit log, agent registry, application
// state machine, recovery manager, checkpoint store, event bus, session
// engine, task router, decision tracker, scrubber, built-in workers.
// Committed state transitions fan out to the router (task dispatch) and the
// bus (state events); external bus events relay into the engine; the
// recovery manager steers the engine through the controller hookup and parks
// applications through the state machine when a suspend strategy fires; the
// built-in workers are registered under the agent IDs the router targets.
//
// Patterns are not loaded here: the host loads them and calls
// Sessions().ReloadPatterns once the registry is up.
func Build(cfg *config.Config, logger *zap.Logger) (Registry, error) {
	if cfg == nil {
		return nil, errors.New("services: config is required")
	}
	if logger == nil {
		return nil, errors.New("services: logger is required")
	}

	r := &registry{}
	ok := false
	defer func() {
		if !ok {
			_ = r.Close()
		}
	}()

	var store audit.Store
	if cfg.Audit.Dir != "" {
		fs, err := audit.NewFileStore(cfg.Audit.Dir)
		if err != nil {
			return nil, fmt.Errorf("services: audit store: %w", err)
		}
		store = fs
	} else {
		store = audit.NewMemoryStore()
	}
	auditor, err := audit.NewService(&audit.Config{RetentionDays: cfg.Audit.RetentionDays}, store, logger)
	if err != nil {
		return nil, fmt.Errorf("services: audit: %w", err)
	}
	r.audit = auditor

	agents, err := agent.NewRegistry(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("services: agent registry: %w", err)
	}
	r.agents = agents

	apps, err := application.NewService(nil, nil, auditor, logger)
	if err != nil {
		return nil, fmt.Errorf("services: applications: %w", err)
	}
	r.applications = apps

	recov, err := recovery.NewService(&recovery.Config{
		MaxRetries:   cfg.Recovery.MaxRetries,
		HistoryLimit: cfg.Recovery.HistoryLimit,
	}, auditor, logger)
	if err != nil {
		return nil, fmt.Errorf("services: recovery: %w", err)
	}
	r.recovery = recov
	recov.SetApplicationSuspender(appSuspender{apps: apps})

	r.checkpoints = checkpoint.NewMemoryStore(cfg.Workflow.CheckpointKeep)

	var bus eventbus.Service = eventbus.Noop{}
	if cfg.Events.Enabled {
		nc, err := eventbus.Connect(&eventbus.Config{
			Enabled:       true,
			URL:           cfg.Events.URL,
			MaxReconnects: cfg.Events.MaxReconnects,
			ReconnectWait: cfg.Events.ReconnectWait,
		})
		if err != nil {
			return nil, err
		}
		r.nc = nc
		bus, err = eventbus.NewService(nc, logger)
		if err != nil {
			return nil, err
		}
	}
	r.bus = bus

	engine, err := orchestrator.NewEngine(&orchestrator.Config{
		MaxConcurrentSessions: cfg.Workflow.MaxConcurrentSessions,
	}, agents, auditor, r.checkpoints, recov, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("services: engine: %w", err)
	}
	r.sessions = engine
	recov.SetController(engine)
	if err := bus.SubscribeExternal(engine); err != nil {
		return nil, fmt.Errorf("services: external events: %w", err)
	}

	router, err := routing.NewService(nil, apps, agents, logger)
	if err != nil {
		return nil, fmt.Errorf("services: routing: %w", err)
	}
	r.router = router
	apps.SetDispatcher(application.MultiDispatcher(router, bus))

	decisions, err := decision.NewService(auditor, logger)
	if err != nil {
		return nil, fmt.Errorf("services: decisions: %w", err)
	}
	r.decisions = decisions

	scfg := security.DefaultConfig()
	scfg.ProjectAllowlistFile = cfg.Security.AllowlistPath
	if cfg.Security.RedactionString != "" {
		scfg.RedactionString = cfg.Security.RedactionString
	}
	scrubber, err := security.New(scfg)
	if err != nil {
		return nil, fmt.Errorf("services: scrubber: %w", err)
	}
	r.scrubber = scrubber

	if err := workers.RegisterAll(agents, workers.Deps{
		Applications: apps,
		Sessions:     engine,
		Decisions:    decisions,
		Logger:       logger,
	}); err != nil {
		return nil, err
	}

	ok = true
	return r, nil
}

// appSuspender adapts the state machine for the recovery manager's suspend
// strategy, which parks the owning application alongside the session.
type appSuspender struct {
	apps application.Service
}

func (a appSuspender) SuspendApplication(ctx context.Context, applicationID, reason string) bool {
	return a.apps.Transition(ctx, applicationID, application.StateSuspended, reason)
}

func (r *registry) Applications() application.Service { return r.applications }
func (r *registry) Sessions() orchestrator.Service    { return r.sessions }
func (r *registry) Agents() *agent.Registry           { return r.agents }
func (r *registry) Recovery() recovery.Service        { return r.recovery }
func (r *registry) Decisions() decision.Service       { return r.decisions }
func (r *registry) Audit() audit.Service              { return r.audit }
func (r *registry) Checkpoints() checkpoint.Store     { return r.checkpoints }
func (r *registry) Router() routing.Service           { return r.router }
func (r *registry) Scrubber() security.Scrubber       { return r.scrubber }
func (r *registry) Bus() eventbus.Service             { return r.bus }

// Close stops inbound relays before the services behind them: first the bus
// subscription, then the engine and agents, then the bookkeeping services,
// and finally the audit log and the NATS connection.
func (r *registry) Close() error {
	var errs []error
	closeItem := func(name string, c interface{ Close() error }) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	closeItem("bus", r.bus)
	closeItem("sessions", r.sessions)
	if r.agents != nil {
		closeItem("agents", r.agents)
	}
	closeItem("recovery", r.recovery)
	closeItem("decisions", r.decisions)
	closeItem("applications", r.applications)
	closeItem("audit", r.audit)
	if r.nc != nil {
		r.nc.Close()
	}
	return errors.Join(errs...)
}
