package environment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tkit-go/composeenv/engine"
)

// fakeEngine records launches instead of running containers.
type fakeEngine struct {
	pingErr  error
	startErr map[string]error
	stopErr  map[string]error
	logs     map[string]string

	// rendezvous names services that must be inside Start at the same
	// time before any of them returns.
	rendezvous map[string]bool

	// stopRendezvous is the same for Stop.
	stopRendezvous map[string]bool

	// pingGate, when set, holds Ping until closed. pinging is closed once
	// Ping has been entered.
	pingGate chan struct{}
	pinging  chan struct{}

	mu       sync.Mutex
	specs    map[string]engine.LaunchSpec
	stopped  []string
	networks []string
	removed  []string
	arrived  int
	release  chan struct{}

	stopArrived int
	stopRelease chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		startErr: map[string]error{},
		stopErr:  map[string]error{},
		logs:     map[string]string{},
		specs:    map[string]engine.LaunchSpec{},
		release:  make(chan struct{}),

		stopRelease: make(chan struct{}),
	}
}

func (f *fakeEngine) Ping(ctx context.Context) error {
	if f.pingGate != nil {
		close(f.pinging)
		select {
		case <-f.pingGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.pingErr != nil {
		return &engine.UnavailableError{Err: f.pingErr}
	}
	return nil
}

func (f *fakeEngine) CreateNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks = append(f.networks, name)
	return nil
}

func (f *fakeEngine) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeEngine) Start(ctx context.Context, ls engine.LaunchSpec) (engine.Container, error) {
	f.mu.Lock()
	f.specs[ls.Name] = ls
	wait := f.rendezvous[ls.Name]
	if wait {
		f.arrived++
		if f.arrived == len(f.rendezvous) {
			close(f.release)
		}
	}
	f.mu.Unlock()

	if wait {
		select {
		case <-f.release:
		case <-time.After(2 * time.Second):
			return nil, errors.New("rendezvous timed out: services did not start concurrently")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := f.startErr[ls.Name]; err != nil {
		return nil, err
	}
	if out, ok := f.logs[ls.Name]; ok && ls.Log != nil {
		fmt.Fprint(ls.Log, out)
	}

	ports := make(map[int]int)
	for _, p := range ls.ExposedPorts {
		ports[p] = p + 30000
	}
	return &fakeContainer{f: f, name: ls.Name, ports: ports}, nil
}

func (f *fakeEngine) launched(name string) (engine.LaunchSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls, ok := f.specs[name]
	return ls, ok
}

func (f *fakeEngine) stoppedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type fakeContainer struct {
	f     *fakeEngine
	name  string
	ports map[int]int
}

func (c *fakeContainer) ID() string   { return "id-" + c.name }
func (c *fakeContainer) Host() string { return "127.0.0.1" }

func (c *fakeContainer) MappedPort(p int) (int, error) {
	if m, ok := c.ports[p]; ok {
		return m, nil
	}
	return 0, engine.ErrNoPortMapping
}

func (c *fakeContainer) Stop(ctx context.Context) error {
	f := c.f
	f.mu.Lock()
	f.stopped = append(f.stopped, c.name)
	wait := f.stopRendezvous[c.name]
	if wait {
		f.stopArrived++
		if f.stopArrived == len(f.stopRendezvous) {
			close(f.stopRelease)
		}
	}
	f.mu.Unlock()

	if wait {
		select {
		case <-f.stopRelease:
		case <-time.After(2 * time.Second):
			return errors.New("rendezvous timed out: services did not stop concurrently")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.stopErr[c.name]
}
