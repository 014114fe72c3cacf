package config

import (
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// ErrOverlayInUse is returned by Acquire while another overlay mirrors into
// the process environment.
var ErrOverlayInUse = errors.New("process environment already owned by another overlay")

var (
	processEnvMu    sync.Mutex
	processEnvOwner *Overlay
)

// Overlay holds configuration values exported by running services. It is
// safe for concurrent use. While acquired, every Set and Unset is mirrored
// into the process environment under EnvName(key).
type Overlay struct {
	mu       sync.RWMutex
	values   map[string]string
	mirrored bool
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{values: make(map[string]string)}
}

// EnvName maps an overlay key to the environment variable it mirrors to:
// upper case with '.' and '-' replaced by '_'.
func EnvName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// Set stores value under key.
func (o *Overlay) Set(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[key] = value
	if o.mirrored {
		os.Setenv(EnvName(key), value)
	}
}

// Unset removes key. Unknown keys are ignored.
func (o *Overlay) Unset(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.values, key)
	if o.mirrored {
		os.Unsetenv(EnvName(key))
	}
}

// Get returns the value under key and whether it is set.
func (o *Overlay) Get(key string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[key]
	return v, ok
}

// Values returns a snapshot of every key.
func (o *Overlay) Values() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.values))
	for k, v := range o.values {
		out[k] = v
	}
	return out
}

// Keys returns the keys in lexical order.
func (o *Overlay) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplyTo sets every current value on v so code under test can read them
// through viper.
func (o *Overlay) ApplyTo(v *viper.Viper) {
	for k, val := range o.Values() {
		v.Set(k, val)
	}
}

// Acquire starts mirroring into the process environment. Only one overlay
// per process may mirror at a time. Values already held are written out.
func (o *Overlay) Acquire() error {
	processEnvMu.Lock()
	defer processEnvMu.Unlock()
	if processEnvOwner != nil {
		return ErrOverlayInUse
	}
	processEnvOwner = o

	o.mu.Lock()
	defer o.mu.Unlock()
	o.mirrored = true
	for k, v := range o.values {
		os.Setenv(EnvName(k), v)
	}
	return nil
}

// Release stops mirroring. Keys still held are removed from the process
// environment. Release on an overlay that does not mirror is a no-op.
func (o *Overlay) Release() {
	processEnvMu.Lock()
	defer processEnvMu.Unlock()
	if processEnvOwner != o {
		return
	}
	processEnvOwner = nil

	o.mu.Lock()
	defer o.mu.Unlock()
	o.mirrored = false
	for k := range o.values {
		os.Unsetenv(EnvName(k))
	}
}
