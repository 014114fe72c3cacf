package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest file names tried, in order, by Discover.
var ManifestNames = []string{"docker-compose.yml", "docker-compose.yaml"}

// ParseError reports a malformed manifest. Service is empty when the
// problem is not tied to one service entry.
type ParseError struct {
	Path    string
	Service string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse manifest")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Service != "" {
		fmt.Fprintf(&b, ": service %q", e.Service)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Discover returns the first manifest found in dir.
func Discover(dir string) (string, error) {
	for _, name := range ManifestNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no %s in %s", strings.Join(ManifestNames, " or "), dir)
}

// LoadFile reads and decodes the manifest at path.
func LoadFile(path string) ([]ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	configs, err := Decode(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return configs, nil
}

// Decode parses a compose-style manifest into service configs, in the order
// the services appear under the top-level services key. An empty document
// or one without services yields no configs.
func Decode(data []byte) ([]ServiceConfig, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Err: fmt.Errorf("line %d: top level must be a mapping", root.Line)}
	}

	services := lookupField(root, "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return nil, nil
	}

	seen := make(map[string]bool)
	var configs []ServiceConfig
	for i := 0; i+1 < len(services.Content); i += 2 {
		keyNode, valueNode := services.Content[i], services.Content[i+1]
		name := strings.TrimSpace(keyNode.Value)
		if name == "" {
			return nil, &ParseError{Err: fmt.Errorf("line %d: service without a name", keyNode.Line)}
		}
		if seen[name] {
			return nil, &ParseError{Service: name, Err: fmt.Errorf("line %d: duplicate service name", keyNode.Line)}
		}
		seen[name] = true

		cfg, err := decodeService(name, valueNode)
		if err != nil {
			return nil, &ParseError{Service: name, Err: err}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func decodeService(name string, node *yaml.Node) (ServiceConfig, error) {
	cfg := NewServiceConfig(name)
	if node.Kind != yaml.MappingNode {
		return cfg, fmt.Errorf("line %d: service definition must be a mapping", node.Line)
	}

	if n := lookupField(node, "image"); n != nil {
		cfg.Image = n.Value
	}

	if n := lookupField(node, "command"); n != nil {
		cmd, err := decodeCommand(n)
		if err != nil {
			return cfg, fmt.Errorf("command: %w", err)
		}
		cfg.Command = cmd
	}

	if n := lookupField(node, "environment"); n != nil {
		env, err := decodePairs(n, "=")
		if err != nil {
			return cfg, fmt.Errorf("environment: %w", err)
		}
		for _, p := range env {
			cfg.Environment[p.key] = p.value
		}
	}

	for field, dst := range map[string]map[string]string{"volumes": cfg.Volumes, "ports": cfg.Ports} {
		n := lookupField(node, field)
		if n == nil {
			continue
		}
		if n.Kind != yaml.SequenceNode {
			return cfg, fmt.Errorf("%s: line %d: expected a list", field, n.Line)
		}
		pairs, err := decodePairs(n, ":")
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", field, err)
		}
		for _, p := range pairs {
			if field == "volumes" {
				p.value = stripVolumeMode(p.value)
			}
			dst[p.key] = p.value
		}
	}

	var labels labelSet
	if n := lookupField(node, "labels"); n != nil {
		pairs, err := decodePairs(n, "=")
		if err != nil {
			return cfg, fmt.Errorf("labels: %w", err)
		}
		labels = pairs
	}
	if err := applyLabels(&cfg, labels); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeCommand accepts a single string or a list of strings.
func decodeCommand(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: expected a string", item.Line)
			}
			out = append(out, item.Value)
		}
		return out, nil
	}
	return nil, fmt.Errorf("line %d: expected a string or a list", n.Line)
}

// decodePairs reads either a mapping or a list of "key<sep>value" strings
// split once on the first separator. A list entry without the separator
// gets an empty value.
func decodePairs(n *yaml.Node, sep string) (labelSet, error) {
	var out labelSet
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			value := v.Value
			if v.Tag == "!!null" {
				value = ""
			}
			out = append(out, label{key: k.Value, value: value})
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: expected a string", item.Line)
			}
			k, v, _ := strings.Cut(item.Value, sep)
			out = append(out, label{key: k, value: v})
		}
	case yaml.ScalarNode:
		if n.Tag != "!!null" {
			return nil, fmt.Errorf("line %d: expected a mapping or a list", n.Line)
		}
	default:
		return nil, fmt.Errorf("line %d: expected a mapping or a list", n.Line)
	}
	return out, nil
}

// stripVolumeMode drops a trailing ":ro" or ":rw" from a container path.
func stripVolumeMode(target string) string {
	for _, mode := range []string{":ro", ":rw"} {
		if t, ok := strings.CutSuffix(target, mode); ok {
			return t
		}
	}
	return target
}

func lookupField(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
