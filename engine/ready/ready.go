// Package ready turns a service's health declaration into a testcontainers
// wait strategy. tcp and http probes use the library's own strategies; gRPC
// health is polled here.
package ready

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tkit-go/composeenv/spec"
)

const (
	// DefaultInitialInterval is the starting poll interval.
	DefaultInitialInterval = 10 * time.Millisecond

	// DefaultMaxInterval caps the backoff.
	DefaultMaxInterval = 1 * time.Second

	// DefaultTimeout is the default maximum wait for readiness.
	DefaultTimeout = 60 * time.Second
)

// Checker performs a single readiness probe against an address.
type Checker interface {
	Check(ctx context.Context, host string, port int) error
}

// NewStrategy returns the wait strategy for h. onFailure, when non-nil,
// sees every failed gRPC probe.
func NewStrategy(h spec.HealthCheck, timeout time.Duration, onFailure func(err error)) wait.Strategy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", h.Port))

	switch h.Type {
	case "http":
		path := h.Path
		if path == "" {
			path = "/"
		}
		return wait.ForHTTP(path).
			WithPort(port).
			WithStatusCodeMatcher(func(status int) bool { return status < 500 }).
			WithStartupTimeout(timeout)
	case "grpc":
		return &Strategy{Checker: GRPC{}, Port: h.Port, Timeout: timeout, OnFailure: onFailure}
	default:
		return wait.ForListeningPort(port).
			SkipInternalCheck().
			WithStartupTimeout(timeout)
	}
}

// Poll calls checker.Check with exponential backoff until it succeeds,
// timeout elapses or ctx is done. A zero timeout means DefaultTimeout.
// onFailure, when non-nil, sees every failed probe.
func Poll(ctx context.Context, host string, port int, checker Checker, timeout time.Duration, onFailure func(err error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := DefaultInitialInterval

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		err := checker.Check(ctx, host, port)
		if err == nil {
			return nil
		}
		lastErr = err
		if onFailure != nil {
			onFailure(err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness check on %s:%d failed after %s (last error: %v)", host, port, timeout, lastErr)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > DefaultMaxInterval {
			interval = DefaultMaxInterval
		}
	}
}

// Strategy adapts a Checker to a testcontainers wait strategy probing the
// published side of a container port.
type Strategy struct {
	Checker   Checker
	Port      int
	Timeout   time.Duration
	OnFailure func(err error)
}

var _ wait.Strategy = (*Strategy)(nil)

// WaitUntilReady resolves the published address of Port on target and
// polls it until the checker succeeds.
func (s *Strategy) WaitUntilReady(ctx context.Context, target wait.StrategyTarget) error {
	host, err := target.Host(ctx)
	if err != nil {
		return fmt.Errorf("readiness: container host: %w", err)
	}
	mapped, err := target.MappedPort(ctx, nat.Port(fmt.Sprintf("%d/tcp", s.Port)))
	if err != nil {
		return fmt.Errorf("readiness: port %d: %w", s.Port, err)
	}
	return Poll(ctx, host, mapped.Int(), s.Checker, s.Timeout, s.OnFailure)
}
