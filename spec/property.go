package spec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Property is a parsed, not yet evaluated label value. The set of variants
// is closed: Literal, HostRef, URLRef and Template. Evaluate one with Resolve.
type Property interface {
	// Name is the exported key: the label suffix after its prefix.
	Name() string

	// String renders the expression in manifest syntax.
	String() string

	property()
}

// Literal always resolves to Value.
type Literal struct {
	Key   string
	Value string
}

// HostRef resolves to the host of Service's running container.
type HostRef struct {
	Key     string
	Service string
}

// URLRef resolves to "http://<host>:<published port>" for Port of Service.
type URLRef struct {
	Key     string
	Service string
	Port    int
}

// Template is literal text with embedded references. Parts have no key
// of their own and are concatenated after resolution.
type Template struct {
	Key   string
	Parts []Property
}

func (p Literal) Name() string  { return p.Key }
func (p HostRef) Name() string  { return p.Key }
func (p URLRef) Name() string   { return p.Key }
func (p Template) Name() string { return p.Key }

func (p Literal) String() string { return p.Value }
func (p HostRef) String() string { return "${host:" + p.Service + "}" }
func (p URLRef) String() string  { return fmt.Sprintf("${url:%s:%d}", p.Service, p.Port) }
func (p Template) String() string {
	var b strings.Builder
	for _, part := range p.Parts {
		b.WriteString(part.String())
	}
	return b.String()
}

func (Literal) property()  {}
func (HostRef) property()  {}
func (URLRef) property()   {}
func (Template) property() {}

// refPattern matches ${host:SERVICE} and ${url:SERVICE:PORT}, optionally in
// their compose-escaped $${...} form.
var refPattern = regexp.MustCompile(`\$?\$\{(host|url):([^:{}]+)(?::([^{}]*))?\}`)

// NewProperty parses a raw label value. A value that is exactly one
// reference becomes a HostRef or URLRef; a value with references inside
// other text becomes a Template; anything else is a verbatim Literal.
func NewProperty(name, raw string) Property {
	matches := refPattern.FindAllStringSubmatchIndex(raw, -1)

	var parts []Property
	last := 0
	for _, m := range matches {
		ref, ok := parseRef(raw, m)
		if !ok {
			continue
		}
		if m[0] == 0 && m[1] == len(raw) {
			return withKey(ref, name)
		}
		if m[0] > last {
			parts = append(parts, Literal{Value: raw[last:m[0]]})
		}
		parts = append(parts, ref)
		last = m[1]
	}
	if len(parts) == 0 {
		return Literal{Key: name, Value: raw}
	}
	if last < len(raw) {
		parts = append(parts, Literal{Value: raw[last:]})
	}
	return Template{Key: name, Parts: parts}
}

// parseRef turns one regexp submatch into a reference. Host references
// take no port; url references need a numeric one.
func parseRef(raw string, m []int) (Property, bool) {
	kind := raw[m[2]:m[3]]
	service := raw[m[4]:m[5]]
	hasPort := m[6] >= 0
	switch kind {
	case "host":
		if hasPort {
			return nil, false
		}
		return HostRef{Service: service}, true
	case "url":
		if !hasPort {
			return nil, false
		}
		port, err := strconv.Atoi(raw[m[6]:m[7]])
		if err != nil {
			return nil, false
		}
		return URLRef{Service: service, Port: port}, true
	}
	return nil, false
}

func withKey(p Property, key string) Property {
	switch p := p.(type) {
	case HostRef:
		p.Key = key
		return p
	case URLRef:
		p.Key = key
		return p
	}
	return p
}

// Target is the read-only view of a running service used during
// resolution.
type Target interface {
	Host() string
	MappedPort(port int) int
}

// Lookup finds the running service a reference points at.
type Lookup interface {
	Target(service string) (Target, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(service string) (Target, error)

func (f LookupFunc) Target(service string) (Target, error) { return f(service) }

var (
	// ErrUnknownService is returned by a Lookup for a name it does not own.
	ErrUnknownService = errors.New("unknown service")

	// ErrServiceNotStarted is returned by a Lookup for a service whose
	// container is not running yet.
	ErrServiceNotStarted = errors.New("service not started")
)

// UnresolvedReferenceError reports a property whose referenced service
// could not be resolved.
type UnresolvedReferenceError struct {
	Property string
	Service  string
	Err      error
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("property %q: reference to service %q: %v", e.Property, e.Service, e.Err)
}

func (e *UnresolvedReferenceError) Unwrap() error { return e.Err }

// Resolve evaluates p against the running services of lookup.
func Resolve(p Property, lookup Lookup) (string, error) {
	return resolve(p.Name(), p, lookup)
}

func resolve(key string, p Property, lookup Lookup) (string, error) {
	switch p := p.(type) {
	case Literal:
		return p.Value, nil
	case HostRef:
		t, err := target(key, p.Service, lookup)
		if err != nil {
			return "", err
		}
		return t.Host(), nil
	case URLRef:
		t, err := target(key, p.Service, lookup)
		if err != nil {
			return "", err
		}
		return "http://" + t.Host() + ":" + strconv.Itoa(t.MappedPort(p.Port)), nil
	case Template:
		var b strings.Builder
		for _, part := range p.Parts {
			v, err := resolve(key, part, lookup)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("property %q: unsupported expression %T", key, p)
}

func target(key, service string, lookup Lookup) (Target, error) {
	if lookup == nil {
		return nil, &UnresolvedReferenceError{Property: key, Service: service, Err: ErrUnknownService}
	}
	t, err := lookup.Target(service)
	if err != nil {
		return nil, &UnresolvedReferenceError{Property: key, Service: service, Err: err}
	}
	return t, nil
}

// ResolveAll evaluates props in order into a map keyed by name. A later
// expression with the same name overrides an earlier one, so mode-specific
// exports win over common ones.
func ResolveAll(props []Property, lookup Lookup) (map[string]string, error) {
	out := make(map[string]string, len(props))
	for _, p := range props {
		v, err := Resolve(p, lookup)
		if err != nil {
			return nil, err
		}
		out[p.Name()] = v
	}
	return out, nil
}

// References returns the names of the services p refers to.
func References(p Property) []string {
	switch p := p.(type) {
	case HostRef:
		return []string{p.Service}
	case URLRef:
		return []string{p.Service}
	case Template:
		var out []string
		for _, part := range p.Parts {
			out = append(out, References(part)...)
		}
		return out
	}
	return nil
}
