package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"

	"github.com/coreforge/gitmirror/gc"
	"github.com/coreforge/gitmirror/mirror"
	"github.com/coreforge/gitmirror/registry"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

func main() {
	cmd := &cli.Command{
		Name:  "gitmirror-cli",
		Usage: "one-shot operator actions against a git-mirror config, without running the daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config",
				Usage:   "repositories configuration path",
				Sources: cli.EnvVars("GIT_MIRROR_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			validateCommand(),
			mirrorCommand(),
			gcCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return fmt.Errorf("no command given, see --help")
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error("exiting", "err", err)
		os.Exit(1)
	}
}

// validateCommand loads and validates a config file without building a
// pool.
func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "parse and validate a git-mirror config file",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Root().String("config")
			conf, err := loadConfig(path)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			log.Info("config valid", "path", path, "repositories", len(conf.Repositories))
			return nil
		},
	}
}

// mirrorCommand builds a pool from the config and runs a single foreground
// mirror cycle for one named repository, or every repository when none is
// named.
func mirrorCommand() *cli.Command {
	return &cli.Command{
		Name:      "mirror",
		Usage:     "run a single mirror cycle and exit",
		ArgsUsage: "[remote]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, err := loadConfig(cmd.Root().String("config"))
			if err != nil {
				return fmt.Errorf("unable to load config: %w", err)
			}

			pool, err := mirror.NewPool(ctx, *conf, log.With("logger", "git-mirror"), nil)
			if err != nil {
				return fmt.Errorf("unable to build pool: %w", err)
			}

			remote := cmd.Args().First()
			if remote == "" {
				timeout := 2 * conf.Defaults.MirrorTimeout
				if err := pool.MirrorAll(ctx, timeout); err != nil {
					return fmt.Errorf("mirror all: %w", err)
				}
				log.Info("mirrored all repositories")
				return nil
			}

			mCtx, cancel := context.WithTimeout(ctx, 2*conf.Defaults.MirrorTimeout)
			defer cancel()
			if err := pool.Mirror(mCtx, remote); err != nil {
				return fmt.Errorf("mirror %s: %w", remote, err)
			}
			log.Info("mirrored repository", "remote", remote)
			return nil
		},
	}
}

// gcCommand builds a pool from the config and forces a single compaction
// round over every mirror, reporting failures via a throwaway registry
// dumped to the log on exit.
func gcCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "force a single compaction round over every mirror and exit",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "quota",
				Value: 10 * time.Minute,
				Usage: "wall-clock budget for the round",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, err := loadConfig(cmd.Root().String("config"))
			if err != nil {
				return fmt.Errorf("unable to load config: %w", err)
			}

			pool, err := mirror.NewPool(ctx, *conf, log.With("logger", "git-mirror"), nil)
			if err != nil {
				return fmt.Errorf("unable to build pool: %w", err)
			}

			reg := registry.New()
			compactor := gc.New(pool, reg, "", log.With("logger", "gc"), gc.Options{
				Quota: cmd.Duration("quota"),
			})

			if err := compactor.Run(ctx); err != nil {
				return fmt.Errorf("gc round: %w", err)
			}

			for _, e := range reg.Errors() {
				log.Warn("mirror gc error", "mirror", e.Mirror, "category", e.Category, "message", e.Message)
			}
			log.Info("gc round complete")
			return nil
		},
	}
}

// loadConfig reads a pool config and validates it with
// PoolConfig.ValidateAndApplyDefaults. Unlike the daemon it does not reject
// unknown YAML keys and does not apply the daemon's extra ssh/root path
// defaults.
func loadConfig(path string) (*mirror.PoolConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}

	conf := &mirror.PoolConfig{}
	if err := yaml.Unmarshal(raw, conf); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := conf.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}

	return conf, nil
}
