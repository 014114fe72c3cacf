package spec

import (
	"sort"
	"time"
)

// DefaultPriority is the tier a service joins when it carries no
// test.priority label.
const DefaultPriority = 100

// PullMode selects when the engine pulls a service image.
type PullMode string

const (
	PullDefault PullMode = "DEFAULT"
	PullAlways  PullMode = "ALWAYS"
	PullMaxAge  PullMode = "MAX_AGE"
)

// Valid reports whether m is one of the known pull modes.
func (m PullMode) Valid() bool {
	switch m {
	case PullDefault, PullAlways, PullMaxAge:
		return true
	}
	return false
}

// PullPolicy is the image pull policy of a service. MaxAge is only
// meaningful for PullMaxAge: a local image older than MaxAge is pulled again.
type PullPolicy struct {
	Mode   PullMode      `yaml:"mode"`
	MaxAge time.Duration `yaml:"max_age,omitempty"`
}

// LogWait blocks a service start until Regex has matched Times lines of
// container output.
type LogWait struct {
	Regex string `yaml:"regex"`
	Times int    `yaml:"times"`
}

// HealthCheck blocks a service start until a probe against the published
// side of Port succeeds.
type HealthCheck struct {
	// Type is the probe kind: "tcp", "http" or "grpc".
	Type string `yaml:"type"`

	// Port is the container port to probe.
	Port int `yaml:"port"`

	// Path is the request path for http probes.
	Path string `yaml:"path,omitempty"`
}

// ServiceConfig is one service declared in the manifest, with every
// test.* label already parsed into typed fields.
type ServiceConfig struct {
	Name    string   `yaml:"name"`
	Image   string   `yaml:"image"`
	Command []string `yaml:"command,omitempty"`

	// Environment holds the static container environment.
	Environment map[string]string `yaml:"environment,omitempty"`

	// Volumes maps a source path (resource, host or manifest relative)
	// to a path inside the container.
	Volumes map[string]string `yaml:"volumes,omitempty"`

	// Ports holds the raw port entries split once on the first ':'.
	// "8080:80" is stored as "8080" -> "80", a bare "80" as "80" -> "".
	Ports map[string]string `yaml:"ports,omitempty"`

	Priority        int          `yaml:"priority"`
	UnitTest        bool         `yaml:"unit_test"`
	IntegrationTest bool         `yaml:"integration_test"`
	Pull            PullPolicy   `yaml:"pull"`
	Wait            *LogWait     `yaml:"wait,omitempty"`
	Health          *HealthCheck `yaml:"health,omitempty"`
	Log             bool         `yaml:"log"`
	FixedPorts      bool         `yaml:"fixed_ports"`

	CommonVars      VariableSet `yaml:"common"`
	UnitVars        VariableSet `yaml:"unit"`
	IntegrationVars VariableSet `yaml:"integration"`
}

// NewServiceConfig returns a config carrying every label default.
func NewServiceConfig(name string) ServiceConfig {
	return ServiceConfig{
		Name:            name,
		Environment:     map[string]string{},
		Volumes:         map[string]string{},
		Ports:           map[string]string{},
		Priority:        DefaultPriority,
		UnitTest:        true,
		IntegrationTest: true,
		Pull:            PullPolicy{Mode: PullDefault},
		Log:             true,
		CommonVars:      NewVariableSet(commonPropertyPrefix, commonEnvPrefix),
		UnitVars:        NewVariableSet(unitPropertyPrefix, unitEnvPrefix),
		IntegrationVars: NewVariableSet(integrationPropertyPrefix, integrationEnvPrefix),
	}
}

// Enabled reports whether the service takes part in the given mode.
func (c ServiceConfig) Enabled(integration bool) bool {
	if integration {
		return c.IntegrationTest
	}
	return c.UnitTest
}

// Exports returns the property and environment expressions active in the
// given mode: the common set followed by the mode-specific set.
func (c ServiceConfig) Exports(integration bool) (properties, env []Property) {
	mode := c.UnitVars
	if integration {
		mode = c.IntegrationVars
	}
	properties = append(append([]Property(nil), c.CommonVars.Properties...), mode.Properties...)
	env = append(append([]Property(nil), c.CommonVars.Env...), mode.Env...)
	return properties, env
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
