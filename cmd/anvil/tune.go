package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// tuneManifest lists the operator signatures to build and tune ahead of time.
type tuneManifest struct {
	Target  string           `yaml:"target"`
	Configs []manifestConfig `yaml:"configs"`
}

func tuneCmd() *cli.Command {
	var (
		manifestPath string
		noTune       bool
	)

	flags := append(commonCacheFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "manifest",
			Aliases:     []string{"f"},
			Usage:       "path to a YAML manifest of operator signatures",
			Required:    true,
			Destination: &manifestPath,
		},
		&cli.BoolFlag{
			Name:        "no-tune",
			Usage:       "build without the hardware-aware tuning pass",
			Destination: &noTune,
		},
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Build and tune operators ahead of time from a manifest",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileCfg := LoadConfig()
			applyCommonConfig(cmd, fileCfg)
			if fileCfg.DisableTuning != nil && !cmd.IsSet("no-tune") {
				noTune = *fileCfg.DisableTuning
			}
			log := newLogger()

			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read manifest: %v", err), 1)
			}
			var manifest tuneManifest
			if err := yaml.Unmarshal(raw, &manifest); err != nil {
				return cli.Exit(fmt.Sprintf("error: parse manifest: %v", err), 1)
			}
			if len(manifest.Configs) == 0 {
				return cli.Exit("error: manifest lists no configs", 1)
			}

			resolved := resolveTarget()
			if manifest.Target != "" && !cmd.IsSet("target") {
				resolved = manifest.Target
			}
			cache := newCache(log)
			log.Info("tuning operators", "count", len(manifest.Configs),
				"target", resolved, "database", cache.DatabasePath())

			for i, mc := range manifest.Configs {
				cfg, err := mc.kernelConfig()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: manifest config %d: %v", i+1, err), 1)
				}
				start := time.Now()
				op, err := cache.GetOrBuild(cfg, resolved, !noTune)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: build config %d (%s): %v", i+1, cfg.Key(), err), 1)
				}
				log.Info("operator ready",
					"config", i+1,
					"engine", op.Name(),
					"bits", op.Bits(),
					"format", op.SourceFormat(),
					"elapsed", time.Since(start).Round(time.Millisecond))
			}

			fmt.Printf("tuned %d operators for %s\n", len(manifest.Configs), resolved)
			return nil
		},
	}
}
