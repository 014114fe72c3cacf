package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/matgreaves/run/onexit"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tkit-go/composeenv/engine/dockerutil"
	"github.com/tkit-go/composeenv/engine/ready"
	"github.com/tkit-go/composeenv/spec"
)

// DefaultStartupTimeout bounds wait rules when a LaunchSpec sets none.
const DefaultStartupTimeout = 60 * time.Second

// Docker runs containers on the local Docker daemon through testcontainers.
type Docker struct {
	logger *slog.Logger

	mu       sync.Mutex
	networks map[string]dockerNetwork
}

type dockerNetwork struct {
	id            string
	cancelCleanup func() error
}

// NewDocker returns a Docker engine. The daemon is not contacted until Ping.
func NewDocker(logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{logger: logger, networks: make(map[string]dockerNetwork)}
}

func (d *Docker) client() (*client.Client, error) {
	cli, err := dockerutil.Client()
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	return cli, nil
}

// Ping reports an unreachable daemon as *UnavailableError.
func (d *Docker) Ping(ctx context.Context) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return &UnavailableError{Err: err}
	}
	return nil
}

// CreateNetwork creates a labelled bridge network and registers a
// process-exit removal in case RemoveNetwork is never reached.
func (d *Docker) CreateNetwork(ctx context.Context, name string) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	resp, err := cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"composeenv.network": name},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}

	// Backup removal if the process dies before RemoveNetwork.
	cancel, _ := onexit.OnExitF("docker network rm %s", resp.ID)

	d.mu.Lock()
	d.networks[name] = dockerNetwork{id: resp.ID, cancelCleanup: cancel}
	d.mu.Unlock()
	d.logger.Debug("network created", "network", name, "id", resp.ID)
	return nil
}

// RemoveNetwork removes a network created by CreateNetwork and cancels its
// exit cleanup.
func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	d.mu.Lock()
	n, ok := d.networks[name]
	delete(d.networks, name)
	d.mu.Unlock()

	id := name
	if ok {
		id = n.id
	}
	cli, err := d.client()
	if err != nil {
		return err
	}
	if err := cli.NetworkRemove(ctx, id); err != nil {
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	if ok && n.cancelCleanup != nil {
		if err := n.cancelCleanup(); err != nil {
			d.logger.Debug("cancel network cleanup", "network", name, "error", err)
		}
	}
	return nil
}

// Start applies the pull policy, starts the container and blocks until its
// wait strategies pass. Host and mapped ports are captured before return.
func (d *Docker) Start(ctx context.Context, ls LaunchSpec) (Container, error) {
	alwaysPull, err := d.shouldPull(ctx, ls.Image, ls.Pull)
	if err != nil {
		return nil, err
	}
	req, err := containerRequest(ls, alwaysPull, d.logger)
	if err != nil {
		return nil, err
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		// GenericContainer may return a created container alongside the error.
		if termErr := testcontainers.TerminateContainer(c); termErr != nil {
			d.logger.Warn("terminate failed container", "service", ls.Name, "error", termErr)
		}
		return nil, fmt.Errorf("start container %s: %w", ls.Image, err)
	}

	dc := &dockerContainer{c: c, ports: make(map[int]int)}
	if dc.host, err = c.Host(ctx); err != nil {
		_ = testcontainers.TerminateContainer(c)
		return nil, fmt.Errorf("container host: %w", err)
	}
	for _, p := range ls.Ports() {
		mapped, err := c.MappedPort(ctx, tcpPort(p))
		if err != nil {
			d.logger.Warn("no mapped port", "service", ls.Name, "port", p, "error", err)
			continue
		}
		dc.ports[p] = mapped.Int()
	}
	return dc, nil
}

// shouldPull reports whether the image must be pulled before start. Only
// MAX_AGE needs to look at the local image.
func (d *Docker) shouldPull(ctx context.Context, ref string, p spec.PullPolicy) (bool, error) {
	if p.Mode != spec.PullMaxAge {
		return pullNeeded("", false, p, time.Now()), nil
	}

	cli, err := d.client()
	if err != nil {
		return false, err
	}
	inspect, err := cli.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return pullNeeded("", true, p, time.Now()), nil
		}
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return pullNeeded(inspect.Created, false, p, time.Now()), nil
}

// pullNeeded applies p to a local image created at created (RFC 3339).
// notFound means there is no local image. A MAX_AGE image that is missing,
// has an unreadable creation time or is older than MaxAge is pulled.
func pullNeeded(created string, notFound bool, p spec.PullPolicy, now time.Time) bool {
	switch p.Mode {
	case spec.PullAlways:
		return true
	case spec.PullMaxAge:
	default:
		return false
	}
	if notFound {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return true
	}
	return now.Sub(t) > p.MaxAge
}

func containerRequest(ls LaunchSpec, alwaysPull bool, logger *slog.Logger) (testcontainers.ContainerRequest, error) {
	req := testcontainers.ContainerRequest{
		Image:           ls.Image,
		Cmd:             ls.Cmd,
		Env:             ls.Env,
		AlwaysPullImage: alwaysPull,
	}

	for _, p := range ls.Ports() {
		req.ExposedPorts = append(req.ExposedPorts, string(tcpPort(p)))
	}
	if len(ls.FixedPorts) > 0 {
		bindings := nat.PortMap{}
		for cport, hport := range ls.FixedPorts {
			bindings[tcpPort(cport)] = []nat.PortBinding{{HostPort: strconv.Itoa(hport)}}
		}
		req.HostConfigModifier = func(hc *container.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			for port, b := range bindings {
				hc.PortBindings[port] = b
			}
		}
	}

	if ls.Network != "" {
		req.Networks = []string{ls.Network}
		req.NetworkAliases = map[string][]string{ls.Network: {ls.Name}}
	}

	for _, f := range ls.Files {
		req.Files = append(req.Files, testcontainers.ContainerFile{
			HostFilePath:      f.HostPath,
			ContainerFilePath: f.ContainerPath,
			FileMode:          0o755,
		})
	}

	if ls.Log != nil {
		req.LogConsumerCfg = &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{&logConsumer{w: ls.Log}},
		}
	}

	timeout := ls.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	var strategies []wait.Strategy
	if ls.WaitLog != nil {
		if _, err := regexp.Compile(ls.WaitLog.Regex); err != nil {
			return req, fmt.Errorf("wait regex %q: %w", ls.WaitLog.Regex, err)
		}
		times := ls.WaitLog.Times
		if times < 1 {
			times = 1
		}
		strategies = append(strategies, wait.ForLog(ls.WaitLog.Regex).
			AsRegexp().
			WithOccurrence(times).
			WithStartupTimeout(timeout))
	}
	if ls.Health != nil {
		name := ls.Name
		strategies = append(strategies, ready.NewStrategy(*ls.Health, timeout, func(err error) {
			logger.Debug("not ready yet", "service", name, "error", err)
		}))
	}
	switch len(strategies) {
	case 0:
	case 1:
		req.WaitingFor = strategies[0]
	default:
		req.WaitingFor = wait.ForAll(strategies...).WithDeadline(timeout)
	}
	return req, nil
}

func tcpPort(p int) nat.Port {
	return nat.Port(strconv.Itoa(p) + "/tcp")
}

type dockerContainer struct {
	c     testcontainers.Container
	host  string
	ports map[int]int

	stopOnce sync.Once
	stopErr  error
}

func (c *dockerContainer) ID() string   { return c.c.GetContainerID() }
func (c *dockerContainer) Host() string { return c.host }

func (c *dockerContainer) MappedPort(port int) (int, error) {
	if p, ok := c.ports[port]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("port %d: %w", port, ErrNoPortMapping)
}

func (c *dockerContainer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.c.Terminate(ctx)
	})
	return c.stopErr
}

// logConsumer forwards container output to a writer.
type logConsumer struct {
	w io.Writer
}

func (l *logConsumer) Accept(entry testcontainers.Log) {
	_, _ = l.w.Write(entry.Content)
}

// IsUnavailable reports whether err means the engine cannot be reached.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
