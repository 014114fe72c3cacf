package environment

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tkit-go/composeenv/engine"
	"github.com/tkit-go/composeenv/spec"
)

// Service is one configured container. Its runtime fields change only
// through its own start and stop.
type Service struct {
	cfg    spec.ServiceConfig
	env    *Environment
	logger *slog.Logger

	mu        sync.RWMutex
	container engine.Container
	stopped   bool
	exported  map[string]string
	logs      *logWriter
}

func newService(cfg spec.ServiceConfig, env *Environment) *Service {
	return &Service{
		cfg:    cfg,
		env:    env,
		logger: env.logger.With("service", cfg.Name),
	}
}

// Name returns the manifest name of the service.
func (s *Service) Name() string { return s.cfg.Name }

// Config returns the parsed manifest entry.
func (s *Service) Config() spec.ServiceConfig { return s.cfg }

// Running reports whether the container is started and not yet stopped.
func (s *Service) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.container != nil && !s.stopped
}

// Host returns the address published ports are reachable on, or "" before
// start.
func (s *Service) Host() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.container == nil {
		return ""
	}
	return s.container.Host()
}

// MappedPort returns the published host port for container port p. When
// the engine has no mapping it logs a warning and returns p unchanged.
func (s *Service) MappedPort(p int) int {
	s.mu.RLock()
	c := s.container
	s.mu.RUnlock()

	if c == nil {
		s.logger.Warn("port requested before start, using declared port", "port", p)
		return p
	}
	mapped, err := c.MappedPort(p)
	if err != nil {
		s.logger.Warn("no port mapping, using declared port", "port", p, "error", err)
		return p
	}
	return mapped
}

// URL returns "http://<host>:<published port>" for container port p.
func (s *Service) URL(p int) string {
	return "http://" + s.Host() + ":" + strconv.Itoa(s.MappedPort(p))
}

// Properties returns the values this service exported on start.
func (s *Service) Properties() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.exported))
	for k, v := range s.exported {
		out[k] = v
	}
	return out
}

// start resolves the env exports into the container environment, starts
// the container and publishes the property exports to the overlay.
func (s *Service) start(ctx context.Context) error {
	e := s.env
	e.events.Publish(Event{Type: EventServiceStarting, Service: s.cfg.Name, Priority: s.cfg.Priority})
	s.logger.Info("starting service", "image", s.cfg.Image, "priority", s.cfg.Priority)

	ls, err := Build(s.cfg, e.composeDir, e.resources)
	if err != nil {
		return err
	}
	properties, envExports := s.cfg.Exports(e.integration)

	envValues, err := spec.ResolveAll(envExports, e)
	if err != nil {
		return fmt.Errorf("service %q: %w", s.cfg.Name, err)
	}
	for k, v := range envValues {
		ls.Env[k] = v
	}
	ls.Network = e.network
	ls.StartupTimeout = e.startupTimeout

	var logs *logWriter
	if s.cfg.Log {
		logs = newLogWriter(s.emitLogs)
		ls.Log = logs
	}

	c, err := e.engine.Start(ctx, ls)
	if err != nil {
		if logs != nil {
			logs.Flush()
		}
		return fmt.Errorf("service %q: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	s.container = c
	s.stopped = false
	s.logs = logs
	s.mu.Unlock()

	values, err := spec.ResolveAll(properties, e)
	if err != nil {
		return fmt.Errorf("service %q: %w", s.cfg.Name, err)
	}
	s.mu.Lock()
	s.exported = values
	s.mu.Unlock()
	for _, key := range spec.SortedKeys(values) {
		e.overlay.Set(key, values[key])
		e.events.Publish(Event{Type: EventPropertyExported, Service: s.cfg.Name, Key: key, Value: values[key]})
		s.logger.Debug("property exported", "key", key, "value", values[key])
	}

	e.events.Publish(Event{Type: EventServiceStarted, Service: s.cfg.Name, Priority: s.cfg.Priority})
	s.logger.Info("service started", "container", c.ID(), "host", c.Host())
	return nil
}

// stop clears the exported keys and stops the container. Stopping a
// service that never started or already stopped does nothing.
func (s *Service) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.container == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c, logs, exported := s.container, s.logs, s.exported
	s.mu.Unlock()

	e := s.env
	e.events.Publish(Event{Type: EventServiceStopping, Service: s.cfg.Name})
	for _, key := range spec.SortedKeys(exported) {
		e.overlay.Unset(key)
		e.events.Publish(Event{Type: EventPropertyCleared, Service: s.cfg.Name, Key: key})
	}

	err := c.Stop(ctx)
	if logs != nil {
		logs.Flush()
	}
	if err != nil {
		s.logger.Error("stop failed", "error", err)
		return fmt.Errorf("service %q: stop: %w", s.cfg.Name, err)
	}
	e.events.Publish(Event{Type: EventServiceStopped, Service: s.cfg.Name})
	s.logger.Info("service stopped")
	return nil
}

func (s *Service) emitLogs(lines []string) {
	for _, line := range lines {
		s.logger.Debug("container output", "line", line)
	}
	s.env.events.Publish(Event{Type: EventServiceLog, Service: s.cfg.Name, Log: strings.Join(lines, "\n")})
}
