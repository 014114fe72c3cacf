package spec_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tkit-go/composeenv/spec"
)

type fakeTarget struct {
	host  string
	ports map[int]int
}

func (f fakeTarget) Host() string { return f.host }

func (f fakeTarget) MappedPort(p int) int {
	if m, ok := f.ports[p]; ok {
		return m
	}
	return p
}

func dummyLookup(service string) (spec.Target, error) {
	return fakeTarget{host: "DUMMY", ports: map[int]int{8080: 32768}}, nil
}

func TestNewProperty(t *testing.T) {
	tests := []struct {
		raw  string
		want spec.Property
	}{
		{"plain", spec.Literal{Key: "k", Value: "plain"}},
		{"a:b:c", spec.Literal{Key: "k", Value: "a:b:c"}},
		{"${host:db}", spec.HostRef{Key: "k", Service: "db"}},
		{"$${host:db}", spec.HostRef{Key: "k", Service: "db"}},
		{"${url:api:8080}", spec.URLRef{Key: "k", Service: "api", Port: 8080}},
		{"${url:api}", spec.Literal{Key: "k", Value: "${url:api}"}},
		{"${url:api:http}", spec.Literal{Key: "k", Value: "${url:api:http}"}},
		{"${host:db:5432}", spec.Literal{Key: "k", Value: "${host:db:5432}"}},
		{"${port:db}", spec.Literal{Key: "k", Value: "${port:db}"}},
		{"jdbc://${host:db}/x", spec.Template{Key: "k", Parts: []spec.Property{
			spec.Literal{Value: "jdbc://"},
			spec.HostRef{Service: "db"},
			spec.Literal{Value: "/x"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := spec.NewProperty("k", tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NewProperty(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestResolveLiteralNeedsNoEnvironment(t *testing.T) {
	got, err := spec.Resolve(spec.NewProperty("k", "a:b:c"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "a:b:c" {
		t.Errorf("got %q, want a:b:c", got)
	}
}

func TestResolveHostReferences(t *testing.T) {
	lookup := spec.LookupFunc(dummyLookup)
	tests := []struct {
		raw  string
		want string
	}{
		{"$${host:tkit-events-import-zookeeper}", "DUMMY"},
		{"PLAINTEXT://tkit-events-import-kafka:9092,PLAINTEXT_HOST://$${host:tkit-events-import-zookeeper}:9093",
			"PLAINTEXT://tkit-events-import-kafka:9092,PLAINTEXT_HOST://DUMMY:9093"},
		{"${url:api:8080}", "http://DUMMY:32768"},
		{"${url:api:9000}", "http://DUMMY:9000"},
	}

	for _, tt := range tests {
		got, err := spec.Resolve(spec.NewProperty("KAFKA_CFG_ADVERTISED_LISTENERS", tt.raw), lookup)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestResolveUnresolved(t *testing.T) {
	lookup := spec.LookupFunc(func(service string) (spec.Target, error) {
		return nil, spec.ErrServiceNotStarted
	})

	_, err := spec.Resolve(spec.NewProperty("db.url", "x-${host:db}"), lookup)
	var ure *spec.UnresolvedReferenceError
	if !errors.As(err, &ure) {
		t.Fatalf("err = %v, want UnresolvedReferenceError", err)
	}
	if ure.Property != "db.url" || ure.Service != "db" {
		t.Errorf("error = %+v", ure)
	}
	if !errors.Is(err, spec.ErrServiceNotStarted) {
		t.Errorf("err should wrap ErrServiceNotStarted")
	}

	_, err = spec.Resolve(spec.NewProperty("k", "${host:db}"), nil)
	if !errors.Is(err, spec.ErrUnknownService) {
		t.Errorf("nil lookup: err = %v, want ErrUnknownService", err)
	}
}

func TestReferences(t *testing.T) {
	p := spec.NewProperty("k", "${host:a}-${url:b:80}-c")
	if got, want := spec.References(p), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("References = %v, want %v", got, want)
	}
	if got := spec.References(spec.NewProperty("k", "c")); got != nil {
		t.Errorf("References(literal) = %v, want nil", got)
	}
}

func TestPropertyStringRoundTrip(t *testing.T) {
	for _, raw := range []string{"plain", "${host:db}", "${url:api:8080}", "x-${host:db}-y"} {
		if got := spec.NewProperty("k", raw).String(); got != raw {
			t.Errorf("String() = %q, want %q", got, raw)
		}
	}
}
