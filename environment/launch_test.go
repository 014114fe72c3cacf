package environment_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"

	"github.com/tkit-go/composeenv/environment"
	"github.com/tkit-go/composeenv/spec"
)

func TestBuildPorts(t *testing.T) {
	is := is.New(t)

	cfg := spec.NewServiceConfig("kafka")
	cfg.Image = "bitnami/kafka"
	cfg.Command = []string{"run"}
	cfg.Environment["A"] = "1"
	cfg.Ports["19093"] = "9093"
	cfg.Ports["9092"] = ""

	ls, err := environment.Build(cfg, "", nil)
	is.NoErr(err)
	is.Equal(ls.Name, "kafka")
	is.Equal(ls.Image, "bitnami/kafka")
	is.Equal(ls.Cmd, []string{"run"})
	is.Equal(ls.Env, map[string]string{"A": "1"})
	is.Equal(ls.ExposedPorts, []int{9092, 9093})
	is.Equal(len(ls.FixedPorts), 0)

	cfg.FixedPorts = true
	_, err = environment.Build(cfg, "", nil)
	is.True(err != nil) // 9092 has no published port

	delete(cfg.Ports, "9092")
	ls, err = environment.Build(cfg, "", nil)
	is.NoErr(err)
	is.Equal(ls.FixedPorts, map[int]int{9093: 19093})

	cfg.Ports["http"] = "80"
	_, err = environment.Build(cfg, "", nil)
	is.True(err != nil)
}

func TestBuildExposesHealthPort(t *testing.T) {
	is := is.New(t)

	cfg := spec.NewServiceConfig("db")
	cfg.Health = &spec.HealthCheck{Type: "tcp", Port: 5432}
	ls, err := environment.Build(cfg, "", nil)
	is.NoErr(err)
	is.Equal(ls.ExposedPorts, []int{5432})
}

func TestBuildDoesNotShareMaps(t *testing.T) {
	is := is.New(t)

	cfg := spec.NewServiceConfig("a")
	cfg.Environment["A"] = "1"
	ls, err := environment.Build(cfg, "", nil)
	is.NoErr(err)
	ls.Env["B"] = "2"
	_, leaked := cfg.Environment["B"]
	is.True(!leaked)
}

func TestBuildVolumes(t *testing.T) {
	is := is.New(t)

	resources := t.TempDir()
	composeDir := t.TempDir()
	is.NoErr(os.MkdirAll(filepath.Join(resources, "kafka"), 0o755))
	is.NoErr(os.WriteFile(filepath.Join(resources, "kafka", "server.properties"), []byte("x"), 0o644))
	is.NoErr(os.WriteFile(filepath.Join(composeDir, "init.sql"), []byte("y"), 0o644))
	absolute := filepath.Join(t.TempDir(), "abs.conf")
	is.NoErr(os.WriteFile(absolute, []byte("z"), 0o644))

	cfg := spec.NewServiceConfig("svc")
	cfg.Volumes["./kafka/server.properties"] = "/opt/server.properties"
	cfg.Volumes["init.sql"] = "/docker-entrypoint-initdb.d/init.sql"
	cfg.Volumes[absolute] = "/etc/abs.conf"

	ls, err := environment.Build(cfg, composeDir, []string{resources})
	is.NoErr(err)
	is.Equal(len(ls.Files), 3)

	got := map[string]string{}
	for _, f := range ls.Files {
		got[f.ContainerPath] = f.HostPath
	}
	is.Equal(got["/opt/server.properties"], filepath.Join(resources, "kafka", "server.properties"))
	is.Equal(got["/docker-entrypoint-initdb.d/init.sql"], filepath.Join(composeDir, "init.sql"))
	is.Equal(got["/etc/abs.conf"], absolute)
}

func TestBuildMissingVolume(t *testing.T) {
	is := is.New(t)

	cfg := spec.NewServiceConfig("svc")
	cfg.Volumes["./does/not/exist.conf"] = "/etc/x.conf"

	_, err := environment.Build(cfg, t.TempDir(), []string{t.TempDir()})
	var mv *environment.MissingVolumeResourceError
	is.True(errors.As(err, &mv))
	is.Equal(mv.Service, "svc")
	is.Equal(mv.Path, "./does/not/exist.conf")
}
