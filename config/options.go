// Package config loads composeenv settings and holds the overlay that
// receives values exported by running services.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tkit-go/composeenv/spec"
)

// EnvPrefix prefixes environment variables read as settings.
const EnvPrefix = "COMPOSEENV"

// Setting keys.
const (
	KeyComposeFile = "compose.file"
	KeyIntegration = "integration"
	KeyResources   = "resources"
	KeyDBImportURL = "dbimport.url"
	KeyLogLevel    = "log-level"
	KeyWaitTimeout = "wait.timeout"
	KeyExportEnv   = "export.env"
)

// FlagKeys maps command-line flag names to the setting they override.
var FlagKeys = map[string]string{
	"file":         KeyComposeFile,
	"integration":  KeyIntegration,
	"resources":    KeyResources,
	"dbimport-url": KeyDBImportURL,
	"log-level":    KeyLogLevel,
	"wait-timeout": KeyWaitTimeout,
	"export-env":   KeyExportEnv,
}

// Options are the resolved settings.
type Options struct {
	// ComposeFile is the manifest path. Empty means discovery under the
	// first resource root.
	ComposeFile string `yaml:"compose_file"`

	// Integration selects integration mode instead of unit mode.
	Integration bool `yaml:"integration"`

	// Resources are searched first for volume sources.
	Resources []string `yaml:"resources"`

	DBImportURL string        `yaml:"dbimport_url"`
	LogLevel    string        `yaml:"log_level"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// ExportEnv mirrors exported values into the process environment.
	ExportEnv bool `yaml:"export_env"`
}

// Default returns the built-in settings.
func Default() Options {
	return Options{
		Resources:   []string{"testdata"},
		DBImportURL: "http://docker:8811/",
		LogLevel:    "info",
		WaitTimeout: 60 * time.Second,
	}
}

// LoadOptions controls where Load reads settings from.
type LoadOptions struct {
	// ConfigFile is an explicit config file. It must exist when set.
	ConfigFile string

	// Flags, when non-nil, override every other source.
	Flags *pflag.FlagSet
}

// NewViper returns a viper instance with defaults and environment binding
// applied.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault(KeyComposeFile, d.ComposeFile)
	v.SetDefault(KeyIntegration, d.Integration)
	v.SetDefault(KeyResources, d.Resources)
	v.SetDefault(KeyDBImportURL, d.DBImportURL)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyWaitTimeout, d.WaitTimeout)
	v.SetDefault(KeyExportEnv, d.ExportEnv)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load resolves Options from defaults, an optional config file,
// COMPOSEENV_* environment variables and flags, in increasing precedence.
func Load(opts LoadOptions) (*Options, error) {
	v := NewViper()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName(".composeenv")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Options, error) {
	o := &Options{
		ComposeFile: v.GetString(KeyComposeFile),
		Integration: v.GetBool(KeyIntegration),
		Resources:   v.GetStringSlice(KeyResources),
		DBImportURL: v.GetString(KeyDBImportURL),
		LogLevel:    strings.ToLower(v.GetString(KeyLogLevel)),
		WaitTimeout: v.GetDuration(KeyWaitTimeout),
		ExportEnv:   v.GetBool(KeyExportEnv),
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("%s: unknown level %q", KeyLogLevel, o.LogLevel)
	}
	if o.WaitTimeout < 0 {
		return nil, fmt.Errorf("%s: must not be negative", KeyWaitTimeout)
	}
	return o, nil
}

// ManifestPath returns the manifest to load. An explicit argument wins over
// ComposeFile; otherwise the manifest is discovered in the first resource
// root, falling back to the working directory.
func (o *Options) ManifestPath(arg string) (string, error) {
	if arg != "" {
		return manifestIn(arg)
	}
	if o.ComposeFile != "" {
		return o.ComposeFile, nil
	}
	dirs := append([]string(nil), o.Resources...)
	dirs = append(dirs, ".")
	var firstErr error
	for _, dir := range dirs {
		p, err := spec.Discover(dir)
		if err == nil {
			return p, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", firstErr
}

// manifestIn accepts a manifest file or a directory holding one.
func manifestIn(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return spec.Discover(path)
	}
	return filepath.Clean(path), nil
}
