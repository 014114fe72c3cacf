package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tkit-go/composeenv/engine"
	"github.com/tkit-go/composeenv/environment"
	"github.com/tkit-go/composeenv/spec"
)

type tierView struct {
	Priority int           `yaml:"priority"`
	Services []serviceView `yaml:"services"`
}

type serviceView struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`
	Ports      []string `yaml:"ports,omitempty"`
	Properties []string `yaml:"properties,omitempty"`
	Env        []string `yaml:"env,omitempty"`
}

func newConfigCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config [manifest]",
		Short: "Print the parsed services grouped by start tier",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.opts.ManifestPath(manifestArg(args))
			if err != nil {
				return err
			}
			env := environment.New(engine.NewDocker(a.logger),
				environment.WithOptions(a.opts),
				environment.WithLogger(a.logger),
			)
			if err := env.Load(path); err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(tierViews(env.Tiers(), a.opts.Integration)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func tierViews(tiers []environment.Tier, integration bool) []tierView {
	out := make([]tierView, 0, len(tiers))
	for _, t := range tiers {
		tv := tierView{Priority: t.Priority}
		for _, s := range t.Services {
			cfg := s.Config()
			props, env := cfg.Exports(integration)
			sv := serviceView{
				Name:       cfg.Name,
				Image:      cfg.Image,
				Properties: exportLines(props),
				Env:        exportLines(env),
			}
			for _, k := range spec.SortedKeys(cfg.Ports) {
				if v := cfg.Ports[k]; v != "" {
					sv.Ports = append(sv.Ports, k+":"+v)
				} else {
					sv.Ports = append(sv.Ports, k)
				}
			}
			tv.Services = append(tv.Services, sv)
		}
		out = append(out, tv)
	}
	return out
}

func exportLines(props []spec.Property) []string {
	out := make([]string, 0, len(props))
	for _, p := range props {
		out = append(out, p.Name()+"="+p.String())
	}
	return out
}
