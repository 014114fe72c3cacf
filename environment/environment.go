// Package environment runs the services of a compose-style manifest as one
// ephemeral test environment. Services start in ascending priority tiers,
// concurrently within a tier, and export resolved configuration values to
// an overlay the code under test reads.
package environment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/matgreaves/run"

	"github.com/tkit-go/composeenv/config"
	"github.com/tkit-go/composeenv/engine"
	"github.com/tkit-go/composeenv/spec"
)

// State is the lifecycle state of an Environment.
type State int

const (
	Unloaded State = iota
	Loaded
	Starting
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrNotLoaded      = errors.New("environment not loaded")
	ErrAlreadyLoaded  = errors.New("environment already loaded")
	ErrAlreadyStarted = errors.New("environment already started")
	ErrNotRunning     = errors.New("environment not running")
)

// Tier is the set of services sharing one priority.
type Tier struct {
	Priority int
	Services []*Service
}

// Names returns the names of the tier's services.
func (t Tier) Names() []string {
	out := make([]string, len(t.Services))
	for i, s := range t.Services {
		out[i] = s.Name()
	}
	return out
}

// Environment owns every service of one manifest.
type Environment struct {
	engine         engine.Engine
	logger         *slog.Logger
	events         *EventLog
	overlay        *config.Overlay
	integration    bool
	resources      []string
	startupTimeout time.Duration
	exportEnv      bool
	network        string

	mu         sync.Mutex
	state      State
	composeDir string
	services   map[string]*Service
	order      []*Service
	tiers      []Tier
	netCreated bool
}

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// WithIntegration selects integration mode. The default is unit mode.
func WithIntegration(integration bool) Option {
	return func(e *Environment) { e.integration = integration }
}

// WithResources sets the roots searched first for volume sources.
func WithResources(roots ...string) Option {
	return func(e *Environment) { e.resources = roots }
}

// WithOverlay sets the overlay exported values are written to.
func WithOverlay(o *config.Overlay) Option {
	return func(e *Environment) { e.overlay = o }
}

// WithStartupTimeout bounds each service's wait rules.
func WithStartupTimeout(d time.Duration) Option {
	return func(e *Environment) { e.startupTimeout = d }
}

// WithExportEnv mirrors exported values into the process environment
// between Start and Stop.
func WithExportEnv(export bool) Option {
	return func(e *Environment) { e.exportEnv = export }
}

// WithNetworkName overrides the generated network name.
func WithNetworkName(name string) Option {
	return func(e *Environment) { e.network = name }
}

// WithOptions applies resolved settings.
func WithOptions(o *config.Options) Option {
	return func(e *Environment) {
		e.integration = o.Integration
		e.resources = o.Resources
		e.startupTimeout = o.WaitTimeout
		e.exportEnv = o.ExportEnv
	}
}

// New returns an unloaded environment running on eng.
func New(eng engine.Engine, opts ...Option) *Environment {
	e := &Environment{
		engine:    eng,
		logger:    slog.Default(),
		events:    NewEventLog(),
		overlay:   config.NewOverlay(),
		resources: []string{"testdata"},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.network == "" {
		e.network = "composeenv-" + generateID()
	}
	return e
}

// Load parses the manifest at path and prepares one service per config
// enabled in the current mode.
func (e *Environment) Load(path string) error {
	configs, err := spec.LoadFile(path)
	if err != nil {
		return err
	}
	return e.LoadConfigs(configs, filepath.Dir(path))
}

// LoadConfigs prepares already parsed configs. Volume sources fall back to
// paths relative to composeDir.
func (e *Environment) LoadConfigs(configs []spec.ServiceConfig, composeDir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Unloaded {
		return ErrAlreadyLoaded
	}

	services := make(map[string]*Service, len(configs))
	var order []*Service
	for _, cfg := range configs {
		if cfg.Name == "" {
			return &spec.ParseError{Err: errors.New("service without a name")}
		}
		if _, dup := services[cfg.Name]; dup {
			return &spec.ParseError{Service: cfg.Name, Err: errors.New("duplicate service name")}
		}
		if !cfg.Enabled(e.integration) {
			e.logger.Debug("service disabled in this mode", "service", cfg.Name, "integration", e.integration)
			continue
		}
		s := newService(cfg, e)
		services[cfg.Name] = s
		order = append(order, s)
	}

	e.warnUnavailableReferences(configs, services)

	e.composeDir = composeDir
	e.services = services
	e.order = order
	e.tiers = buildTiers(order)
	e.state = Loaded

	e.events.Publish(Event{Type: EventEnvironmentLoaded})
	e.logger.Info("environment loaded", "services", len(order), "tiers", len(e.tiers), "integration", e.integration)
	return nil
}

// buildTiers groups services by ascending priority, keeping manifest order
// inside a tier.
func buildTiers(order []*Service) []Tier {
	byPriority := make(map[int][]*Service)
	for _, s := range order {
		byPriority[s.cfg.Priority] = append(byPriority[s.cfg.Priority], s)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	tiers := make([]Tier, len(priorities))
	for i, p := range priorities {
		tiers[i] = Tier{Priority: p, Services: byPriority[p]}
	}
	return tiers
}

// Start brings the environment up tier by tier. Members of a tier start
// concurrently and the next tier begins only after all of them are up. A
// failing tier stops the sequence; services already started keep running
// until Stop.
func (e *Environment) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case Unloaded:
		e.mu.Unlock()
		return ErrNotLoaded
	case Starting, Running, Stopped:
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.state = Starting
	tiers := e.tiers
	e.mu.Unlock()

	if err := e.prepare(ctx); err != nil {
		e.setState(Loaded)
		return err
	}

	e.mu.Lock()
	e.netCreated = true
	e.state = Running
	e.mu.Unlock()

	var cause error
	seq := make(run.Sequence, 0, len(tiers))
	for _, t := range tiers {
		seq = append(seq, run.Func(func(ctx context.Context) error {
			if cause != nil {
				return cause
			}
			if err := e.startTier(ctx, t); err != nil {
				cause = err
				return err
			}
			return nil
		}))
	}
	if err := seq.Run(ctx); err != nil {
		if cause != nil {
			return cause
		}
		return err
	}

	e.events.Publish(Event{Type: EventEnvironmentUp})
	e.logger.Info("environment up", "network", e.network)
	return nil
}

// prepare checks the engine, takes the process environment when mirroring
// and creates the network. Nothing is left held on error.
func (e *Environment) prepare(ctx context.Context) error {
	if err := e.engine.Ping(ctx); err != nil {
		return err
	}
	if e.exportEnv {
		if err := e.overlay.Acquire(); err != nil {
			return err
		}
	}
	if err := e.engine.CreateNetwork(ctx, e.network); err != nil {
		if e.exportEnv {
			e.overlay.Release()
		}
		return err
	}
	return nil
}

func (e *Environment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Environment) startTier(ctx context.Context, t Tier) error {
	e.events.Publish(Event{Type: EventTierStarting, Priority: t.Priority})
	e.logger.Info("starting tier", "priority", t.Priority, "services", t.Names())

	var wg sync.WaitGroup
	errs := make([]error, len(t.Services))
	for i, s := range t.Services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.start(ctx); err != nil {
				e.events.Publish(Event{Type: EventServiceFailed, Service: s.Name(), Priority: t.Priority, Error: err.Error()})
				s.logger.Error("service failed", "error", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.events.Publish(Event{Type: EventTierStarted, Priority: t.Priority})
	return nil
}

// Stop stops every started service concurrently regardless of tier, then
// removes the network. Every stop is attempted; the first error in
// manifest order is returned.
func (e *Environment) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.state = Stopped
	order := e.order
	netCreated := e.netCreated
	e.netCreated = false
	e.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(order))
	for i, s := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.stop(ctx)
		}()
	}
	wg.Wait()

	var first error
	for _, err := range errs {
		if err != nil {
			first = err
			break
		}
	}

	if netCreated {
		if err := e.engine.RemoveNetwork(ctx, e.network); err != nil {
			e.logger.Warn("remove network failed", "network", e.network, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	if e.exportEnv {
		e.overlay.Release()
	}

	ev := Event{Type: EventEnvironmentDown}
	if first != nil {
		ev.Error = first.Error()
	}
	e.events.Publish(ev)
	e.logger.Info("environment down")
	return first
}

// Service returns the named service, or nil when it is unknown or the
// environment has not been started.
func (e *Environment) Service(name string) *Service {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running && e.state != Stopped {
		return nil
	}
	return e.services[name]
}

// Services returns every loaded service in manifest order.
func (e *Environment) Services() []*Service {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Service(nil), e.order...)
}

// Target implements spec.Lookup for property resolution.
func (e *Environment) Target(name string) (spec.Target, error) {
	e.mu.Lock()
	s, ok := e.services[name]
	e.mu.Unlock()
	if !ok {
		return nil, spec.ErrUnknownService
	}
	if !s.Running() {
		return nil, spec.ErrServiceNotStarted
	}
	return s, nil
}

// Tiers returns the priority tiers in start order.
func (e *Environment) Tiers() []Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Tier(nil), e.tiers...)
}

// State returns the current lifecycle state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Events returns the lifecycle event log.
func (e *Environment) Events() *EventLog { return e.events }

// Overlay returns the overlay exported values are written to.
func (e *Environment) Overlay() *config.Overlay { return e.overlay }

// Network returns the name of the network services join.
func (e *Environment) Network() string { return e.network }

// Integration reports whether the environment runs in integration mode.
func (e *Environment) Integration() bool { return e.integration }

// warnUnavailableReferences logs exports that point at services which will
// not run: disabled in this mode or absent from the manifest. Start fails
// on them only when the export is resolved.
func (e *Environment) warnUnavailableReferences(configs []spec.ServiceConfig, enabled map[string]*Service) {
	known := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		known[cfg.Name] = true
	}
	for _, cfg := range configs {
		if enabled[cfg.Name] == nil {
			continue
		}
		properties, env := cfg.Exports(e.integration)
		for _, p := range append(properties, env...) {
			for _, ref := range spec.References(p) {
				switch {
				case enabled[ref] != nil:
				case known[ref]:
					e.logger.Warn("export references a service disabled in this mode",
						"service", cfg.Name, "key", p.Name(), "target", ref, "integration", e.integration)
				default:
					e.logger.Warn("export references an unknown service",
						"service", cfg.Name, "key", p.Name(), "target", ref)
				}
			}
		}
	}
}

func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
