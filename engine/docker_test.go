package engine

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/matryer/is"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tkit-go/composeenv/engine/ready"
	"github.com/tkit-go/composeenv/spec"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestContainerRequest(t *testing.T) {
	is := is.New(t)

	var logs bytes.Buffer
	ls := LaunchSpec{
		Name:         "kafka",
		Image:        "bitnami/kafka:3.4",
		Cmd:          []string{"run"},
		Env:          map[string]string{"A": "1"},
		Network:      "composeenv-abc",
		ExposedPorts: []int{9093, 9092},
		FixedPorts:   map[int]int{9093: 19093},
		Files:        []File{{HostPath: "/tmp/server.properties", ContainerPath: "/opt/server.properties"}},
		WaitLog:      &spec.LogWait{Regex: "started", Times: 2},
		Log:          &logs,
	}

	req, err := containerRequest(ls, true, quiet)
	is.NoErr(err)
	is.Equal(req.Image, "bitnami/kafka:3.4")
	is.True(req.AlwaysPullImage)
	is.Equal(req.ExposedPorts, []string{"9092/tcp", "9093/tcp"})
	is.Equal(req.Networks, []string{"composeenv-abc"})
	is.Equal(req.NetworkAliases["composeenv-abc"], []string{"kafka"})
	is.Equal(len(req.Files), 1)
	is.Equal(req.Files[0].ContainerFilePath, "/opt/server.properties")
	is.True(req.LogConsumerCfg != nil)

	_, isLog := req.WaitingFor.(*wait.LogStrategy)
	is.True(isLog)

	is.True(req.HostConfigModifier != nil)
	hc := &container.HostConfig{}
	req.HostConfigModifier(hc)
	is.Equal(hc.PortBindings[tcpPort(9093)][0].HostPort, "19093")
	_, pinned := hc.PortBindings[tcpPort(9092)]
	is.True(!pinned)
}

func TestContainerRequestWaitStrategies(t *testing.T) {
	is := is.New(t)

	health := &spec.HealthCheck{Type: "tcp", Port: 5432}

	req, err := containerRequest(LaunchSpec{Image: "postgres", Health: health, StartupTimeout: time.Second}, false, quiet)
	is.NoErr(err)
	s, ok := req.WaitingFor.(*wait.HostPortStrategy)
	is.True(ok)
	is.Equal(s.Port, tcpPort(5432))

	grpcHealth := &spec.HealthCheck{Type: "grpc", Port: 9000}
	req, err = containerRequest(LaunchSpec{Name: "api", Image: "api", Health: grpcHealth, StartupTimeout: time.Second}, false, quiet)
	is.NoErr(err)
	gs, ok := req.WaitingFor.(*ready.Strategy)
	is.True(ok)
	is.Equal(gs.Timeout, time.Second)
	is.True(gs.OnFailure != nil)

	req, err = containerRequest(LaunchSpec{Image: "postgres", Health: health, WaitLog: &spec.LogWait{Regex: "ok"}}, false, quiet)
	is.NoErr(err)
	_, multi := req.WaitingFor.(*wait.MultiStrategy)
	is.True(multi)

	req, err = containerRequest(LaunchSpec{Image: "postgres"}, false, quiet)
	is.NoErr(err)
	is.True(req.WaitingFor == nil)
	is.True(req.HostConfigModifier == nil)
}

func TestContainerRequestBadRegex(t *testing.T) {
	is := is.New(t)
	_, err := containerRequest(LaunchSpec{Image: "x", WaitLog: &spec.LogWait{Regex: "("}}, false, quiet)
	is.True(err != nil)
}

func TestLogConsumer(t *testing.T) {
	is := is.New(t)
	var buf bytes.Buffer
	(&logConsumer{w: &buf}).Accept(testcontainers.Log{Content: []byte("hello\n")})
	is.Equal(buf.String(), "hello\n")
}

func TestPullNeeded(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute).Format(time.RFC3339Nano)
	stale := now.Add(-2 * time.Hour).Format(time.RFC3339Nano)
	maxAge := spec.PullPolicy{Mode: spec.PullMaxAge, MaxAge: time.Hour}

	tests := []struct {
		name     string
		created  string
		notFound bool
		policy   spec.PullPolicy
		want     bool
	}{
		{"default", stale, false, spec.PullPolicy{Mode: spec.PullDefault}, false},
		{"default missing image", "", true, spec.PullPolicy{Mode: spec.PullDefault}, false},
		{"always", fresh, false, spec.PullPolicy{Mode: spec.PullAlways}, true},
		{"max age fresh", fresh, false, maxAge, false},
		{"max age stale", stale, false, maxAge, true},
		{"max age missing image", "", true, maxAge, true},
		{"max age bad timestamp", "yesterday", false, maxAge, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pullNeeded(tt.created, tt.notFound, tt.policy, now); got != tt.want {
				t.Errorf("pullNeeded = %v, want %v", got, tt.want)
			}
		})
	}
}
