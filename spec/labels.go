package spec

import (
	"fmt"
	"strconv"
	"strings"
)

// Recognised test.* labels.
const (
	LabelIntegration   = "test.integration"
	LabelUnit          = "test.unit"
	LabelImagePull     = "test.image.pull"
	LabelImagePullAge  = "test.image.pull.max_age"
	LabelWaitLogRegex  = "test.Wait.forLogMessage.regex"
	LabelWaitLogTimes  = "test.Wait.forLogMessage.times"
	LabelHealthType    = "test.Wait.forHealth.type"
	LabelHealthPort    = "test.Wait.forHealth.port"
	LabelHealthPath    = "test.Wait.forHealth.path"
	LabelLog           = "test.Log"
	LabelPriority      = "test.priority"
	LabelFixedPorts    = "test.ports.fixed"
	defaultPullMaxAge  = "PT10"
	defaultHealthPath  = "/"
	defaultWaitLogTime = 1
)

const (
	commonPropertyPrefix      = "test.property."
	commonEnvPrefix           = "test.env."
	unitPropertyPrefix        = "test.unit.property."
	unitEnvPrefix             = "test.unit.env."
	integrationPropertyPrefix = "test.integration.property."
	integrationEnvPrefix      = "test.integration.env."
)

// label is one "key=value" entry of a service's labels, kept in manifest order.
type label struct {
	key   string
	value string
}

// labelSet is an ordered label list with last-wins lookup.
type labelSet []label

func (l labelSet) get(key string) (string, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].key == key {
			return l[i].value, true
		}
	}
	return "", false
}

func (l labelSet) bool(key string, def bool) bool {
	v, ok := l.get(key)
	if !ok {
		return def
	}
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func (l labelSet) int(key string, def int) (int, error) {
	v, ok := l.get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("label %s: %w", key, err)
	}
	return n, nil
}

// applyLabels parses the recognised labels into cfg and feeds every label
// through the common, unit and integration variable sets in that order.
func applyLabels(cfg *ServiceConfig, labels labelSet) error {
	cfg.IntegrationTest = labels.bool(LabelIntegration, true)
	cfg.UnitTest = labels.bool(LabelUnit, true)

	mode := PullDefault
	if v, ok := labels.get(LabelImagePull); ok {
		mode = PullMode(v)
	}
	if !mode.Valid() {
		return fmt.Errorf("label %s: unknown pull policy %q", LabelImagePull, mode)
	}
	cfg.Pull = PullPolicy{Mode: mode}
	if mode == PullMaxAge {
		raw, ok := labels.get(LabelImagePullAge)
		if !ok {
			raw = defaultPullMaxAge
		}
		age, err := ParseISODuration(raw)
		if err != nil {
			return fmt.Errorf("label %s: %w", LabelImagePullAge, err)
		}
		cfg.Pull.MaxAge = age
	}

	if regex, ok := labels.get(LabelWaitLogRegex); ok {
		times, err := labels.int(LabelWaitLogTimes, defaultWaitLogTime)
		if err != nil {
			return err
		}
		cfg.Wait = &LogWait{Regex: regex, Times: times}
	}

	if typ, ok := labels.get(LabelHealthType); ok {
		port, err := labels.int(LabelHealthPort, 0)
		if err != nil {
			return err
		}
		path, ok := labels.get(LabelHealthPath)
		if !ok {
			path = defaultHealthPath
		}
		switch typ {
		case "tcp", "http", "grpc":
		default:
			return fmt.Errorf("label %s: unknown probe type %q", LabelHealthType, typ)
		}
		if port <= 0 {
			return fmt.Errorf("label %s: a %s probe needs a container port", LabelHealthPort, typ)
		}
		cfg.Health = &HealthCheck{Type: typ, Port: port, Path: path}
	}

	cfg.Log = labels.bool(LabelLog, true)

	priority, err := labels.int(LabelPriority, DefaultPriority)
	if err != nil {
		return err
	}
	cfg.Priority = priority
	cfg.FixedPorts = labels.bool(LabelFixedPorts, false)

	for _, l := range labels {
		if cfg.CommonVars.read(l.key, l.value) {
			continue
		}
		if cfg.UnitVars.read(l.key, l.value) {
			continue
		}
		cfg.IntegrationVars.read(l.key, l.value)
	}
	return nil
}

// VariableSet collects the property and environment exports whose label
// keys start with its prefixes. The exported name is the key suffix.
type VariableSet struct {
	PropertyPrefix string
	EnvPrefix      string
	Properties     []Property
	Env            []Property
}

// NewVariableSet returns an empty set for the given prefixes.
func NewVariableSet(propertyPrefix, envPrefix string) VariableSet {
	return VariableSet{PropertyPrefix: propertyPrefix, EnvPrefix: envPrefix}
}

func (v *VariableSet) read(key, value string) bool {
	if name, ok := strings.CutPrefix(key, v.PropertyPrefix); ok {
		v.Properties = append(v.Properties, NewProperty(name, value))
		return true
	}
	if name, ok := strings.CutPrefix(key, v.EnvPrefix); ok {
		v.Env = append(v.Env, NewProperty(name, value))
		return true
	}
	return false
}

// MarshalYAML renders the set as the raw expressions it was built from.
func (v VariableSet) MarshalYAML() (any, error) {
	out := struct {
		Properties map[string]string `yaml:"properties,omitempty"`
		Env        map[string]string `yaml:"env,omitempty"`
	}{}
	if len(v.Properties) > 0 {
		out.Properties = make(map[string]string, len(v.Properties))
		for _, p := range v.Properties {
			out.Properties[p.Name()] = p.String()
		}
	}
	if len(v.Env) > 0 {
		out.Env = make(map[string]string, len(v.Env))
		for _, p := range v.Env {
			out.Env[p.Name()] = p.String()
		}
	}
	return out, nil
}
