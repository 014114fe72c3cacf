// Package engine abstracts the container runtime that services run on.
// The orchestrator only needs to ping the runtime, manage one network per
// environment, and start containers from a LaunchSpec.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tkit-go/composeenv/spec"
)

// Engine starts containers and manages the networks they join.
type Engine interface {
	// Ping verifies the runtime is reachable. A failure is reported as
	// *UnavailableError.
	Ping(ctx context.Context) error

	// CreateNetwork creates a bridge network with the given name.
	CreateNetwork(ctx context.Context, name string) error

	// RemoveNetwork removes a network created by CreateNetwork.
	RemoveNetwork(ctx context.Context, name string) error

	// Start creates and starts a container and blocks until its wait
	// rules are satisfied.
	Start(ctx context.Context, ls LaunchSpec) (Container, error)
}

// Container is a started container. Host and port data are captured at
// start and stay valid after Stop.
type Container interface {
	ID() string

	// Host is the address the test process uses to reach published ports.
	Host() string

	// MappedPort returns the published host port for a container port.
	MappedPort(port int) (int, error)

	// Stop stops and removes the container.
	Stop(ctx context.Context) error
}

// File is a host file or directory copied into the container before start.
type File struct {
	HostPath      string
	ContainerPath string
}

// LaunchSpec is everything the engine needs to start one service.
type LaunchSpec struct {
	// Name is the service name. It is also the network alias.
	Name    string
	Image   string
	Cmd     []string
	Env     map[string]string
	Files   []File
	Network string

	// ExposedPorts lists container ports to publish on random host ports.
	ExposedPorts []int

	// FixedPorts pins container ports (keys) to host ports (values).
	FixedPorts map[int]int

	Pull           spec.PullPolicy
	WaitLog        *spec.LogWait
	Health         *spec.HealthCheck
	StartupTimeout time.Duration

	// Log receives container output when non-nil.
	Log io.Writer
}

// Ports returns the exposed ports in ascending order.
func (ls LaunchSpec) Ports() []int {
	out := append([]int(nil), ls.ExposedPorts...)
	sort.Ints(out)
	return out
}

// ErrNoPortMapping is returned by MappedPort for a port that was not
// exposed.
var ErrNoPortMapping = errors.New("no port mapping")

// UnavailableError reports that the container runtime cannot be reached.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("container engine unavailable (is Docker running?): %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
