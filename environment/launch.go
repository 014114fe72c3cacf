package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tkit-go/composeenv/engine"
	"github.com/tkit-go/composeenv/spec"
)

// MissingVolumeResourceError reports a volume source found in none of the
// resource roots, as a literal path, or relative to the manifest.
type MissingVolumeResourceError struct {
	Service string
	Path    string
}

func (e *MissingVolumeResourceError) Error() string {
	return fmt.Sprintf("service %q: missing volume resource %q", e.Service, e.Path)
}

// Build turns a service config into a launch spec. Volume sources are
// looked up in the resource roots first (a leading "./" is ignored there),
// then as a literal path, then relative to composeDir. Every container port
// is exposed; with FixedPorts each is pinned to its published port.
func Build(cfg spec.ServiceConfig, composeDir string, resources []string) (engine.LaunchSpec, error) {
	ls := engine.LaunchSpec{
		Name:    cfg.Name,
		Image:   cfg.Image,
		Cmd:     append([]string(nil), cfg.Command...),
		Env:     make(map[string]string, len(cfg.Environment)),
		Pull:    cfg.Pull,
		WaitLog: cfg.Wait,
		Health:  cfg.Health,
	}
	for k, v := range cfg.Environment {
		ls.Env[k] = v
	}

	for _, src := range spec.SortedKeys(cfg.Volumes) {
		host, err := resolveVolume(src, composeDir, resources)
		if err != nil {
			return ls, &MissingVolumeResourceError{Service: cfg.Name, Path: src}
		}
		ls.Files = append(ls.Files, engine.File{HostPath: host, ContainerPath: cfg.Volumes[src]})
	}

	exposed := make(map[int]bool)
	for _, key := range spec.SortedKeys(cfg.Ports) {
		published, container, err := parsePort(key, cfg.Ports[key])
		if err != nil {
			return ls, fmt.Errorf("service %q: %w", cfg.Name, err)
		}
		if !exposed[container] {
			exposed[container] = true
			ls.ExposedPorts = append(ls.ExposedPorts, container)
		}
		if !cfg.FixedPorts {
			continue
		}
		if published == 0 {
			return ls, fmt.Errorf("service %q: port %d: fixed ports need a published port", cfg.Name, container)
		}
		if ls.FixedPorts == nil {
			ls.FixedPorts = make(map[int]int)
		}
		ls.FixedPorts[container] = published
	}
	if cfg.Health != nil && !exposed[cfg.Health.Port] {
		ls.ExposedPorts = append(ls.ExposedPorts, cfg.Health.Port)
	}
	sort.Ints(ls.ExposedPorts)
	return ls, nil
}

// parsePort reads one raw port entry. "8080" -> "80" publishes container
// port 80 on host port 8080; a bare "80" leaves the host port to the engine
// and returns published 0.
func parsePort(key, value string) (published, container int, err error) {
	if value == "" {
		container, err = portNumber(key)
		return 0, container, err
	}
	if published, err = portNumber(key); err != nil {
		return 0, 0, err
	}
	if container, err = portNumber(value); err != nil {
		return 0, 0, err
	}
	return published, container, nil
}

func portNumber(s string) (int, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/tcp")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}

func resolveVolume(src, composeDir string, resources []string) (string, error) {
	rel := strings.TrimPrefix(src, "./")
	candidates := make([]string, 0, len(resources)+2)
	for _, root := range resources {
		candidates = append(candidates, filepath.Join(root, rel))
	}
	candidates = append(candidates, src)
	if composeDir != "" && !filepath.IsAbs(src) {
		candidates = append(candidates, filepath.Join(composeDir, src))
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return filepath.Abs(c)
		}
	}
	return "", os.ErrNotExist
}
